// Package gamepkgtest builds game package archives for tests.
package gamepkgtest

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"sort"
)

// Files maps archive paths to contents.
type Files map[string]string

// Manifest returns a game_config.json body.
func Manifest(name string, maxPlayers, minPlayers int) string {
	m := map[string]any{
		"name":         name,
		"type":         "cli",
		"max_players":  maxPlayers,
		"server_entry": "server.py",
		"client_entry": "client.py",
	}
	if minPlayers > 0 {
		m["min_players"] = minPlayers
	}
	b, _ := json.Marshal(m)
	return string(b)
}

// Game is a complete, valid package.
func Game(name string, maxPlayers, minPlayers int) Files {
	return Files{
		"game_config.json":  Manifest(name, maxPlayers, minPlayers),
		"server.py":         "print('server')\n",
		"client.py":         "print('client')\n",
		"assets/readme.txt": "hello\n",
	}
}

// Without returns a copy of f minus the named paths.
func (f Files) Without(paths ...string) Files {
	out := Files{}
	for k, v := range f {
		out[k] = v
	}
	for _, p := range paths {
		delete(out, p)
	}
	return out
}

// Zip encodes f as a zip archive.
func (f Files) Zip() []byte {
	names := make([]string, 0, len(f))
	for k := range f {
		names = append(names, k)
	}
	sort.Strings(names)
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, n := range names {
		w, err := zw.Create(n)
		if err != nil {
			panic(err)
		}
		if _, err := w.Write([]byte(f[n])); err != nil {
			panic(err)
		}
	}
	if err := zw.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
