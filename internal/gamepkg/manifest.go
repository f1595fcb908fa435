// Package gamepkg defines the game package contract: an archive whose root
// holds a manifest (game_config.json or game_config.yaml) naming a server
// entry point and a client entry point, both of which must exist.
package gamepkg

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/cuihairu/arcade/internal/apperr"
)

// Manifest file names, in lookup order.
var ManifestNames = []string{"game_config.json", "game_config.yaml", "game_config.yml"}

// Manifest is the game's launch contract.
type Manifest struct {
	Name        string   `json:"name,omitempty" yaml:"name,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Type        string   `json:"type" yaml:"type"`
	MaxPlayers  int      `json:"max_players" yaml:"max_players"`
	MinPlayers  int      `json:"min_players,omitempty" yaml:"min_players,omitempty"`
	ServerEntry string   `json:"server_entry" yaml:"server_entry"`
	ClientEntry string   `json:"client_entry" yaml:"client_entry"`
	Requires    []string `json:"requires,omitempty" yaml:"requires,omitempty"`
}

const manifestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["type", "max_players", "server_entry", "client_entry"],
  "properties": {
    "name":         {"type": "string", "maxLength": 128},
    "description":  {"type": "string"},
    "type":         {"type": "string", "enum": ["cli", "gui", "multi"]},
    "max_players":  {"type": "integer", "minimum": 1, "maximum": 64},
    "min_players":  {"type": "integer", "minimum": 1, "maximum": 64},
    "server_entry": {"type": "string", "minLength": 1},
    "client_entry": {"type": "string", "minLength": 1},
    "requires":     {"type": "array", "items": {"type": "string"}}
  }
}`

var compiledSchema = func() *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(manifestSchema))
	if err != nil {
		panic(fmt.Sprintf("gamepkg: manifest schema: %v", err))
	}
	return s
}()

// ParseManifest decodes and schema-validates a manifest. name selects the
// format by extension.
func ParseManifest(name string, data []byte) (*Manifest, error) {
	doc := data
	if ext := strings.ToLower(filepath.Ext(name)); ext == ".yaml" || ext == ".yml" {
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, apperr.Validation(apperr.ReasonManifestInvalid, "%s: %v", name, err)
		}
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, apperr.Validation(apperr.ReasonManifestInvalid, "%s: %v", name, err)
		}
		doc = b
	}
	res, err := compiledSchema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return nil, apperr.Validation(apperr.ReasonManifestInvalid, "%s: %v", name, err)
	}
	if !res.Valid() {
		problems := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			problems = append(problems, e.String())
		}
		return nil, apperr.Validation(apperr.ReasonManifestInvalid, "%s: %s", name, strings.Join(problems, "; ")).
			With("problems", problems)
	}
	var m Manifest
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, apperr.Validation(apperr.ReasonManifestInvalid, "%s: %v", name, err)
	}
	m.Normalize()
	if m.MinPlayers > m.MaxPlayers {
		return nil, apperr.Validation(apperr.ReasonManifestInvalid, "min_players %d above max_players %d", m.MinPlayers, m.MaxPlayers)
	}
	for _, e := range []string{m.ServerEntry, m.ClientEntry} {
		if !localPath(e) {
			return nil, apperr.Validation(apperr.ReasonManifestInvalid, "entry %q must be a relative path inside the package", e)
		}
	}
	return &m, nil
}

// Normalize fills defaults: min_players is 2, capped by max_players.
func (m *Manifest) Normalize() {
	if m.MinPlayers <= 0 {
		m.MinPlayers = 2
		if m.MaxPlayers > 0 && m.MaxPlayers < 2 {
			m.MinPlayers = m.MaxPlayers
		}
	}
	if m.Type == "" {
		m.Type = "cli"
	}
}

// FindManifest returns the manifest path under root.
func FindManifest(root string) (string, bool) {
	for _, n := range ManifestNames {
		p := filepath.Join(root, n)
		if st, err := os.Stat(p); err == nil && st.Mode().IsRegular() {
			return p, true
		}
	}
	return "", false
}

// LoadManifest reads and parses the manifest under root.
func LoadManifest(root string) (*Manifest, error) {
	p, ok := FindManifest(root)
	if !ok {
		return nil, apperr.Validation(apperr.ReasonManifestMissing, "package has no %s", ManifestNames[0])
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(filepath.Base(p), data)
}

func localPath(p string) bool {
	if p == "" || filepath.IsAbs(p) || strings.HasPrefix(p, "/") {
		return false
	}
	return filepath.IsLocal(filepath.FromSlash(p))
}
