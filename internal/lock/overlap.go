package lock

import (
	"path"
	"sort"
	"strings"
)

// Overlap decides whether two file-pattern sets can touch the same files,
// returning the patterns involved. An empty set means the whole repo, which
// overlaps everything. Symmetric in its arguments.
//
// Two patterns collide when any of these holds:
//   - exact string equality;
//   - directory-prefix containment: a pattern ending in "/" covers any entry
//     under it;
//   - single-star glob: "*" matches a run of non-slash characters.
func Overlap(a, b []string) ([]string, bool) {
	if len(a) == 0 && len(b) == 0 {
		return nil, true
	}
	if len(a) == 0 {
		return append([]string(nil), b...), true
	}
	if len(b) == 0 {
		return append([]string(nil), a...), true
	}

	seen := make(map[string]bool)
	for _, pa := range a {
		for _, pb := range b {
			if patternsCollide(pa, pb) {
				seen[pa] = true
				seen[pb] = true
			}
		}
	}
	if len(seen) == 0 {
		return nil, false
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, true
}

func patternsCollide(a, b string) bool {
	if a == b {
		return true
	}
	if strings.HasSuffix(a, "/") && strings.HasPrefix(b, a) {
		return true
	}
	if strings.HasSuffix(b, "/") && strings.HasPrefix(a, b) {
		return true
	}
	if strings.Contains(a, "*") {
		if ok, err := path.Match(a, b); err == nil && ok {
			return true
		}
	}
	if strings.Contains(b, "*") {
		if ok, err := path.Match(b, a); err == nil && ok {
			return true
		}
	}
	return false
}
