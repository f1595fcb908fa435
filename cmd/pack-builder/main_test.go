package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuihairu/arcade/internal/gamepkg"
)

func TestScaffoldBuildsValidPackage(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "Tic Tac")
	if err := Scaffold(dir, "Tic Tac", 2); err != nil {
		t.Fatalf("scaffold: %v", err)
	}
	if err := Scaffold(dir, "Tic Tac", 2); err == nil {
		t.Fatalf("scaffold over an existing game must fail")
	}
	out := filepath.Join(t.TempDir(), "out.tar.gz")
	pb := &PackBuilder{InputDir: dir, OutputFile: out, Version: "v1.0.0"}
	if _, err := pb.Build(); err != nil {
		t.Fatalf("build: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if f, err := gamepkg.DetectFormat(data); err != nil || f != gamepkg.FormatTarGz {
		t.Fatalf("format %v %v", f, err)
	}
	scratch, _, m, err := gamepkg.Unpack(data, t.TempDir())
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	defer os.RemoveAll(scratch)
	if m.Name != "Tic Tac" || m.MaxPlayers != 2 || m.ServerEntry != "server.py" {
		t.Fatalf("manifest %+v", m)
	}
}

func TestBuildRejectsBadInput(t *testing.T) {
	if _, err := (&PackBuilder{InputDir: t.TempDir(), Version: "v1.0.0", ValidateOnly: true}).Build(); err == nil {
		t.Fatalf("directory without manifest accepted")
	}
	dir := t.TempDir()
	if err := Scaffold(dir, "x", 2); err != nil {
		t.Fatalf("scaffold: %v", err)
	}
	if _, err := (&PackBuilder{InputDir: dir, Version: "latest"}).Build(); err == nil {
		t.Fatalf("invalid version accepted")
	}
}
