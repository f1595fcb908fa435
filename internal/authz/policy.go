package authz

import (
	"bufio"
	"fmt"
	"strings"
)

// parsePolicy reads Casbin CSV lines ("p, sub, act" / "g, user, role").
func parsePolicy(text string) ([][3]string, error) {
	var out [][3]string
	sc := bufio.NewScanner(strings.NewReader(text))
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) != 3 {
			return nil, fmt.Errorf("authz: policy line %d: want 3 fields, got %d", n, len(parts))
		}
		var r [3]string
		for i, p := range parts {
			r[i] = strings.TrimSpace(p)
		}
		if r[0] != "p" && r[0] != "g" {
			return nil, fmt.Errorf("authz: policy line %d: unknown rule type %q", n, r[0])
		}
		out = append(out, r)
	}
	return out, sc.Err()
}
