package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/cuihairu/arcade/internal/gamepkg"
	"github.com/cuihairu/arcade/internal/version"
)

func main() {
	var (
		input    = flag.String("input", ".", "Game directory holding game_config.json")
		output   = flag.String("output", "", "Output archive (.tar.gz); defaults to <slug>-<version>.tar.gz")
		ver      = flag.String("version", "v1.0.0", "Version the archive is named after")
		initDir  = flag.String("init", "", "Scaffold a new game template in this directory and exit")
		name     = flag.String("name", "", "Game name for -init; defaults to the directory name")
		players  = flag.Int("players", 2, "max_players for -init")
		validate = flag.Bool("validate", false, "Only validate the package, do not build")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if *initDir != "" {
		if *name == "" {
			*name = filepath.Base(filepath.Clean(*initDir))
		}
		if err := Scaffold(*initDir, *name, *players); err != nil {
			log.Fatalf("Init failed: %v", err)
		}
		fmt.Printf("Template written to %s\n", *initDir)
		return
	}

	builder := &PackBuilder{
		InputDir:     *input,
		OutputFile:   *output,
		Version:      *ver,
		ValidateOnly: *validate,
		Verbose:      *verbose,
	}
	out, err := builder.Build()
	if err != nil {
		log.Fatalf("Build failed: %v", err)
	}
	if *validate {
		fmt.Printf("Package OK: %s\n", builder.InputDir)
		return
	}
	fmt.Printf("Archive built: %s\n", out)
}

// PackBuilder checks a game directory against the package contract and packs
// it for upload.
type PackBuilder struct {
	InputDir     string
	OutputFile   string
	Version      string
	ValidateOnly bool
	Verbose      bool
}

// Build validates the package and, unless ValidateOnly, writes the archive.
// It returns the archive path.
func (pb *PackBuilder) Build() (string, error) {
	if !version.Valid(pb.Version) {
		return "", fmt.Errorf("invalid version %q", pb.Version)
	}
	root := gamepkg.PackageRoot(pb.InputDir)
	if pb.Verbose {
		fmt.Printf("Checking package: %s\n", root)
	}
	m, err := gamepkg.Validate(root)
	if err != nil {
		return "", fmt.Errorf("validation failed: %w", err)
	}
	if pb.Verbose {
		fmt.Printf("   name:   %s\n", m.Name)
		fmt.Printf("   type:   %s, %d-%d players\n", m.Type, m.MinPlayers, m.MaxPlayers)
		fmt.Printf("   server: %s\n", m.ServerEntry)
		fmt.Printf("   client: %s\n", m.ClientEntry)
	}
	if pb.ValidateOnly {
		return "", nil
	}
	if pb.OutputFile == "" {
		slug := gamepkg.Slugify(m.Name)
		if slug == "" {
			slug = gamepkg.Slugify(filepath.Base(filepath.Clean(root)))
		}
		pb.OutputFile = fmt.Sprintf("%s-%s.tar.gz", slug, pb.Version)
	}
	data, err := gamepkg.PackDir(root)
	if err != nil {
		return "", fmt.Errorf("failed to pack: %w", err)
	}
	if err := os.WriteFile(pb.OutputFile, data, 0o644); err != nil {
		return "", err
	}
	if pb.Verbose {
		fmt.Printf("   %d bytes\n", len(data))
	}
	return pb.OutputFile, nil
}

// Scaffold writes a minimal two-process game: a TCP server that relays
// lines between players and a matching terminal client.
func Scaffold(dir, name string, maxPlayers int) error {
	if _, ok := gamepkg.FindManifest(dir); ok {
		return errors.New(dir + " already holds a game manifest")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	manifest, err := json.MarshalIndent(gamepkg.Manifest{
		Name:        name,
		Description: "Generated by pack-builder -init",
		Type:        "cli",
		MaxPlayers:  maxPlayers,
		MinPlayers:  1,
		ServerEntry: "server.py",
		ClientEntry: "client.py",
	}, "", "  ")
	if err != nil {
		return err
	}
	files := map[string]string{
		"game_config.json": string(manifest) + "\n",
		"server.py":        serverTemplate,
		"client.py":        clientTemplate,
	}
	for n, body := range files {
		if err := os.WriteFile(filepath.Join(dir, n), []byte(body), 0o644); err != nil {
			return err
		}
	}
	return nil
}

const serverTemplate = `import argparse
import socketserver
import threading

p = argparse.ArgumentParser()
p.add_argument("--host", default="127.0.0.1")
p.add_argument("--port", type=int, required=True)
p.add_argument("--room", default="")
p.add_argument("--players", default="")
args = p.parse_args()

clients = []
lock = threading.Lock()


class Relay(socketserver.StreamRequestHandler):
    def handle(self):
        with lock:
            clients.append(self.wfile)
        try:
            for line in self.rfile:
                with lock:
                    for w in clients:
                        if w is not self.wfile:
                            w.write(line)
                            w.flush()
        finally:
            with lock:
                clients.remove(self.wfile)


class Server(socketserver.ThreadingTCPServer):
    allow_reuse_address = True
    daemon_threads = True


print("room", args.room, "players", args.players, flush=True)
Server((args.host, args.port), Relay).serve_forever()
`

const clientTemplate = `import argparse
import socket
import sys
import threading

p = argparse.ArgumentParser()
p.add_argument("--host", required=True)
p.add_argument("--port", type=int, required=True)
p.add_argument("--room", default="")
p.add_argument("--user", default="player")
args = p.parse_args()

s = socket.create_connection((args.host, args.port))


def pump():
    for line in s.makefile("r"):
        sys.stdout.write(line)
        sys.stdout.flush()


threading.Thread(target=pump, daemon=True).start()
for line in sys.stdin:
    s.sendall(("%s: %s" % (args.user, line)).encode())
`
