package gamepkg

import (
	"archive/zip"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuihairu/arcade/internal/apperr"
	"github.com/cuihairu/arcade/internal/gamepkg/gamepkgtest"
)

func TestUnpackValidPackage(t *testing.T) {
	tmp := t.TempDir()
	scratch, root, m, err := Unpack(gamepkgtest.Game("Number Battle", 4, 0).Zip(), tmp)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if root != scratch {
		t.Fatalf("root should be the scratch dir, got %s vs %s", root, scratch)
	}
	if m.ServerEntry != "server.py" || m.MaxPlayers != 4 || m.MinPlayers != 2 || m.Type != "cli" {
		t.Fatalf("unexpected manifest %+v", m)
	}
	if _, err := os.Stat(filepath.Join(root, "assets", "readme.txt")); err != nil {
		t.Fatalf("asset missing: %v", err)
	}
}

func TestUnpackRejectsAndCleansUp(t *testing.T) {
	cases := map[string]struct {
		files  gamepkgtest.Files
		reason string
	}{
		"no manifest":     {gamepkgtest.Game("g", 2, 0).Without("game_config.json"), apperr.ReasonManifestMissing},
		"no server entry": {gamepkgtest.Game("g", 2, 0).Without("server.py"), apperr.ReasonEntryMissing},
		"no client entry": {gamepkgtest.Game("g", 2, 0).Without("client.py"), apperr.ReasonEntryMissing},
		"bad manifest":    {gamepkgtest.Files{"game_config.json": `{"type":"cli"}`}, apperr.ReasonManifestInvalid},
	}
	for name, tc := range cases {
		tmp := t.TempDir()
		_, _, _, err := Unpack(tc.files.Zip(), tmp)
		if !errors.Is(err, &apperr.Error{Code: apperr.CodeValidation, Reason: tc.reason}) {
			t.Fatalf("%s: want %s, got %v", name, tc.reason, err)
		}
		left, _ := os.ReadDir(tmp)
		if len(left) != 0 {
			t.Fatalf("%s: scratch not removed: %v", name, left)
		}
	}
}

func TestExtractRejectsEscapingEntries(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("../evil.txt")
	_, _ = w.Write([]byte("x"))
	_ = zw.Close()
	err := Extract(buf.Bytes(), t.TempDir())
	if !errors.Is(err, &apperr.Error{Code: apperr.CodeValidation, Reason: apperr.ReasonArchiveInvalid}) {
		t.Fatalf("want ARCHIVE_INVALID, got %v", err)
	}
	if _, err := DetectFormat([]byte("plain text")); err == nil {
		t.Fatalf("plain text is not an archive")
	}
}

func TestPackDirRoundTripAndWrappedRoot(t *testing.T) {
	src := t.TempDir()
	inner := filepath.Join(src, "mygame")
	for name, body := range gamepkgtest.Game("wrapped", 3, 3) {
		p := filepath.Join(inner, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	data, err := PackDir(src)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	if f, _ := DetectFormat(data); f != FormatTarGz {
		t.Fatalf("want tar.gz, got %s", f)
	}
	_, root, m, err := Unpack(data, t.TempDir())
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if filepath.Base(root) != "mygame" || m.MinPlayers != 3 {
		t.Fatalf("root=%s manifest=%+v", root, m)
	}
}

func TestYAMLManifestAndDefaults(t *testing.T) {
	y := "type: gui\nmax_players: 1\nserver_entry: s.py\nclient_entry: c.py\n"
	m, err := ParseManifest("game_config.yaml", []byte(y))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.MinPlayers != 1 {
		t.Fatalf("min_players should be capped by max_players, got %d", m.MinPlayers)
	}
	if _, err := ParseManifest("game_config.json", []byte(`{"type":"cli","max_players":2,"server_entry":"/etc/passwd","client_entry":"c.py"}`)); err == nil {
		t.Fatalf("absolute entry must be rejected")
	}
	if _, err := ParseManifest("game_config.json", []byte(`{"type":"cli","max_players":2,"min_players":3,"server_entry":"s","client_entry":"c"}`)); err == nil {
		t.Fatalf("min above max must be rejected")
	}
}

func TestSlugify(t *testing.T) {
	cases := map[string]string{"Number Battle!": "number-battle", "  ": "game", "a_b-c": "a_b-c", "遊戲": "game"}
	for in, want := range cases {
		if got := Slugify(in); got != want {
			t.Fatalf("Slugify(%q) = %q, want %q", in, got, want)
		}
	}
}
