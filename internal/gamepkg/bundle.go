package gamepkg

import (
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/cuihairu/arcade/internal/apperr"
)

// Validate checks an unpacked package rooted at root: the manifest parses
// and both entry points exist as regular files.
func Validate(root string) (*Manifest, error) {
	m, err := LoadManifest(root)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, e := range []string{m.ServerEntry, m.ClientEntry} {
		st, err := os.Stat(filepath.Join(root, filepath.FromSlash(e)))
		if err != nil || !st.Mode().IsRegular() {
			missing = append(missing, e)
		}
	}
	if len(missing) > 0 {
		return nil, apperr.Validation(apperr.ReasonEntryMissing, "entry points not found: %s", strings.Join(missing, ", ")).
			With("missing_files", missing)
	}
	return m, nil
}

// Unpack extracts archive into a fresh directory under tmpRoot and
// validates it. On success it returns the package root (which may be a
// subdirectory of the returned scratch dir) and the manifest. On failure
// nothing is left behind.
func Unpack(archive []byte, tmpRoot string) (scratch, root string, m *Manifest, err error) {
	if err := os.MkdirAll(tmpRoot, 0o755); err != nil {
		return "", "", nil, err
	}
	scratch, err = os.MkdirTemp(tmpRoot, "unpack-*")
	if err != nil {
		return "", "", nil, err
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(scratch)
			scratch, root = "", ""
		}
	}()
	if err = Extract(archive, scratch); err != nil {
		return
	}
	root = PackageRoot(scratch)
	m, err = Validate(root)
	return
}

// Slugify derives a game id from a display name.
func Slugify(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)), r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	s := strings.Trim(b.String(), "-")
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	if s == "" {
		return "game"
	}
	return s
}
