package gamepkg

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cuihairu/arcade/internal/apperr"
)

// Format of a package archive.
type Format string

const (
	FormatZip   Format = "zip"
	FormatTarGz Format = "tar.gz"
)

// MaxUnpackedSize bounds the total extracted size of one package.
const MaxUnpackedSize = 512 << 20

// DetectFormat sniffs the archive by its magic bytes.
func DetectFormat(data []byte) (Format, error) {
	switch {
	case len(data) >= 4 && bytes.Equal(data[:4], []byte("PK\x03\x04")):
		return FormatZip, nil
	case len(data) >= 4 && bytes.Equal(data[:4], []byte("PK\x05\x06")):
		return FormatZip, nil // empty zip
	case len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b:
		return FormatTarGz, nil
	}
	return "", apperr.Validation(apperr.ReasonArchiveInvalid, "archive is neither zip nor tar.gz")
}

// Extract unpacks data into dest, which must exist. Entries escaping dest,
// links and oversized content are rejected.
func Extract(data []byte, dest string) error {
	f, err := DetectFormat(data)
	if err != nil {
		return err
	}
	var budget int64 = MaxUnpackedSize
	switch f {
	case FormatZip:
		return extractZip(data, dest, &budget)
	default:
		return extractTarGz(data, dest, &budget)
	}
}

func invalid(format string, args ...any) error {
	return apperr.Validation(apperr.ReasonArchiveInvalid, format, args...)
}

func target(dest, name string) (string, error) {
	clean := path.Clean(strings.ReplaceAll(name, "\\", "/"))
	clean = strings.TrimPrefix(clean, "./")
	if clean == "." || clean == "" {
		return "", nil
	}
	if !filepath.IsLocal(filepath.FromSlash(clean)) {
		return "", invalid("entry %q escapes the package root", name)
	}
	return filepath.Join(dest, filepath.FromSlash(clean)), nil
}

func writeFile(p string, r io.Reader, mode fs.FileMode, budget *int64) error {
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	if mode&0o700 == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(p, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode.Perm()|0o600)
	if err != nil {
		return err
	}
	n, err := io.Copy(out, io.LimitReader(r, *budget+1))
	cerr := out.Close()
	if err != nil {
		return invalid("read entry: %v", err)
	}
	*budget -= n
	if *budget < 0 {
		return invalid("package exceeds %d bytes unpacked", MaxUnpackedSize)
	}
	return cerr
}

func extractZip(data []byte, dest string, budget *int64) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return invalid("zip: %v", err)
	}
	for _, zf := range zr.File {
		p, err := target(dest, zf.Name)
		if err != nil {
			return err
		}
		if p == "" {
			continue
		}
		mode := zf.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(p, 0o755); err != nil {
				return err
			}
		case mode&fs.ModeSymlink != 0:
			return invalid("entry %q is a symlink", zf.Name)
		default:
			rc, err := zf.Open()
			if err != nil {
				return invalid("zip entry %q: %v", zf.Name, err)
			}
			err = writeFile(p, rc, mode, budget)
			rc.Close()
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func extractTarGz(data []byte, dest string, budget *int64) error {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return invalid("gzip: %v", err)
	}
	defer gz.Close()
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return invalid("tar: %v", err)
		}
		p, err := target(dest, hdr.Name)
		if err != nil {
			return err
		}
		if p == "" {
			continue
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(p, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(p, tr, fs.FileMode(hdr.Mode), budget); err != nil {
				return err
			}
		case tar.TypeXGlobalHeader, tar.TypeXHeader:
		default:
			return invalid("entry %q has unsupported type %c", hdr.Name, hdr.Typeflag)
		}
	}
}

// PackageRoot returns the directory holding the manifest: dir itself, or its
// single top-level subdirectory when the archive wrapped everything in one.
func PackageRoot(dir string) string {
	if _, ok := FindManifest(dir); ok {
		return dir
	}
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 || !entries[0].IsDir() {
		return dir
	}
	return filepath.Join(dir, entries[0].Name())
}

// PackDir builds a tar.gz archive from every regular file under dir, with
// paths relative to dir.
func PackDir(dir string) ([]byte, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, p := range files {
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return nil, err
		}
		st, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		hdr := &tar.Header{Name: filepath.ToSlash(rel), Mode: int64(st.Mode().Perm()), Size: st.Size(), ModTime: st.ModTime(), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		f, err := os.Open(p)
		if err != nil {
			return nil, err
		}
		_, err = io.Copy(tw, f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("pack %s: %w", rel, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
