// Package version parses game version strings into numeric tuples with a
// total order. Accepted forms are an optional "v" followed by one to four
// dot-separated non-negative integers ("v1", "1.2", "v1.2.3", "1.2.3.4").
// Missing trailing components compare as zero, so "v1.2" and "1.2.0" are the
// same version.
package version

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const maxParts = 4

var ErrInvalid = errors.New("invalid version")

// Version is a parsed version. Raw keeps the string as submitted.
type Version struct {
	Raw    string
	Parts  []int
	prefix bool
}

// Parse parses s or returns an error wrapping ErrInvalid.
func Parse(s string) (Version, error) {
	raw := strings.TrimSpace(s)
	body := raw
	prefix := false
	if strings.HasPrefix(body, "v") || strings.HasPrefix(body, "V") {
		body = body[1:]
		prefix = true
	}
	if body == "" {
		return Version{}, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	fields := strings.Split(body, ".")
	if len(fields) > maxParts {
		return Version{}, fmt.Errorf("%w: %q has more than %d components", ErrInvalid, s, maxParts)
	}
	parts := make([]int, 0, len(fields))
	for _, f := range fields {
		if f == "" || strings.TrimLeft(f, "0123456789") != "" {
			return Version{}, fmt.Errorf("%w: %q", ErrInvalid, s)
		}
		n, err := strconv.Atoi(f)
		if err != nil {
			return Version{}, fmt.Errorf("%w: %q", ErrInvalid, s)
		}
		parts = append(parts, n)
	}
	return Version{Raw: raw, Parts: parts, prefix: prefix}, nil
}

// MustParse is Parse for literals known to be valid.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Valid reports whether s parses.
func Valid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

func (v Version) part(i int) int {
	if i < len(v.Parts) {
		return v.Parts[i]
	}
	return 0
}

// Compare returns -1, 0 or 1.
func (v Version) Compare(o Version) int {
	for i := 0; i < maxParts; i++ {
		a, b := v.part(i), o.part(i)
		if a < b {
			return -1
		}
		if a > b {
			return 1
		}
	}
	return 0
}

// Less reports v < o.
func (v Version) Less(o Version) bool { return v.Compare(o) < 0 }

// Canonical renders the tuple as vMAJOR.MINOR.PATCH[.BUILD].
func (v Version) Canonical() string {
	n := 3
	if len(v.Parts) > 3 && v.Parts[3] != 0 {
		n = 4
	}
	out := make([]string, n)
	for i := range out {
		out[i] = strconv.Itoa(v.part(i))
	}
	return "v" + strings.Join(out, ".")
}

// SortKey is a fixed-width string whose lexical order matches Compare.
// It is stored next to the raw version so the database can order rows.
func (v Version) SortKey() string {
	var b strings.Builder
	for i := 0; i < maxParts; i++ {
		if i > 0 {
			b.WriteByte('.')
		}
		fmt.Fprintf(&b, "%010d", v.part(i))
	}
	return b.String()
}

// Next suggests the patch release above v, keeping the "v" prefix style.
func (v Version) Next() string {
	major, minor, patch := v.part(0), v.part(1), v.part(2)
	s := fmt.Sprintf("%d.%d.%d", major, minor, patch+1)
	if v.prefix {
		return "v" + s
	}
	return s
}

func (v Version) String() string {
	if v.Raw != "" {
		return v.Raw
	}
	return v.Canonical()
}

// Max returns the greatest version among vs, and false when vs is empty.
// Unparsable entries are skipped.
func Max(vs []string) (Version, bool) {
	var best Version
	found := false
	for _, s := range vs {
		p, err := Parse(s)
		if err != nil {
			continue
		}
		if !found || best.Less(p) {
			best = p
			found = true
		}
	}
	return best, found
}

// Contains reports whether vs holds a version equal to target under Compare.
func Contains(vs []string, target Version) bool {
	for _, s := range vs {
		if p, err := Parse(s); err == nil && p.Compare(target) == 0 {
			return true
		}
	}
	return false
}

// Initial is suggested for a game without versions.
const Initial = "v1.0.0"
