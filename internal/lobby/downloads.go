package lobby

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cuihairu/arcade/internal/gamepkg"
	"github.com/cuihairu/arcade/internal/version"
)

const manifestFile = "manifest.json"

// InstalledVersion is one unpacked version of a game.
type InstalledVersion struct {
	Path string    `json:"path"`
	At   time.Time `json:"at"`
}

// InstalledGame tracks the versions a player holds side by side.
type InstalledGame struct {
	Versions map[string]InstalledVersion `json:"versions"`
	Current  string                      `json:"current"`
}

// Manifest is a player's downloads/<player>/manifest.json.
type Manifest struct {
	Games map[string]*InstalledGame `json:"games"`
}

// Versions lists the held versions of a game.
func (m *Manifest) Versions(gameID string) []string {
	g, ok := m.Games[gameID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.Versions))
	for v := range g.Versions {
		out = append(out, v)
	}
	return out
}

// Holds reports whether v (under version ordering) is held for gameID and
// its files are still on disk.
func (m *Manifest) Holds(gameID, v string) bool {
	want, err := version.Parse(v)
	if err != nil {
		return false
	}
	g, ok := m.Games[gameID]
	if !ok {
		return false
	}
	for held, iv := range g.Versions {
		if got, err := version.Parse(held); err == nil && got.Compare(want) == 0 && exists(iv.Path) {
			return true
		}
	}
	return false
}

// Downloads is the per-player download layout:
// <root>/<player>/<game>/<version>/ plus <root>/<player>/manifest.json.
type Downloads struct {
	root string
	mu   sync.Mutex // serializes manifest read-modify-write
}

func NewDownloads(root string) (*Downloads, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(abs, ".tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("lobby: downloads: %w", err)
	}
	return &Downloads{root: abs}, nil
}

// playerDir keeps usernames from escaping the root.
func (d *Downloads) playerDir(player string) string {
	name := url.PathEscape(player)
	if strings.Trim(name, ".") == "" {
		name = strings.ReplaceAll(name, ".", "%2E")
	}
	return filepath.Join(d.root, name)
}

// Load reads a player's manifest; a missing one is empty.
func (d *Downloads) Load(player string) (*Manifest, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.load(player)
}

func (d *Downloads) load(player string) (*Manifest, error) {
	m := &Manifest{Games: map[string]*InstalledGame{}}
	b, err := os.ReadFile(filepath.Join(d.playerDir(player), manifestFile))
	if errors.Is(err, fs.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, m); err != nil {
		return nil, fmt.Errorf("lobby: manifest for %s: %w", player, err)
	}
	if m.Games == nil {
		m.Games = map[string]*InstalledGame{}
	}
	return m, nil
}

// save writes via temp file + rename so readers never see a partial file.
func (d *Downloads) save(player string, m *Manifest) error {
	dir := d.playerDir(player)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, manifestFile+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, manifestFile))
}

// Install unpacks archive as gameID/ver for player and records it as the
// current version. Earlier versions stay in place. An already present
// version is only re-marked current.
func (d *Downloads) Install(player, gameID, ver string, archive []byte) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, err := d.load(player)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(d.playerDir(player), gameID, ver)
	g := m.Games[gameID]
	if g == nil {
		g = &InstalledGame{Versions: map[string]InstalledVersion{}}
		m.Games[gameID] = g
	}
	if iv, ok := g.Versions[ver]; !ok || !exists(iv.Path) {
		scratch, root, _, err := gamepkg.Unpack(archive, filepath.Join(d.root, ".tmp"))
		if err != nil {
			return "", err
		}
		defer os.RemoveAll(scratch)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return "", err
		}
		_ = os.RemoveAll(dest)
		if err := os.Rename(root, dest); err != nil {
			return "", fmt.Errorf("lobby: install %s/%s: %w", gameID, ver, err)
		}
		g.Versions[ver] = InstalledVersion{Path: dest, At: time.Now().UTC()}
	}
	if g.Current == "" || newer(ver, g.Current) {
		g.Current = ver
	}
	if err := d.save(player, m); err != nil {
		return "", err
	}
	return dest, nil
}

func newer(a, b string) bool {
	va, err := version.Parse(a)
	if err != nil {
		return false
	}
	vb, err := version.Parse(b)
	if err != nil {
		return true
	}
	return vb.Less(va)
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
