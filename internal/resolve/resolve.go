// Package resolve implements the exact-name, highest-matching-version
// resource dependency lookup shared by the mount planner and start-time
// validation.
package resolve

import (
	"strconv"
	"strings"

	"github.com/npk-runtime/npkd/internal/manifest"
)

// parseParts parses up to three dot-separated numeric components,
// padding missing ones with zero.
func parseParts(s string) ([3]uint64, int, bool) {
	var out [3]uint64
	parts := strings.Split(s, ".")
	if len(parts) > 3 {
		return out, 0, false
	}
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return out, 0, false
		}
		out[i] = n
	}
	return out, len(parts), true
}

// matchesConstraint reports whether v satisfies a version constraint.
// Two forms are accepted: a plain prefix ("1" matches any 1.x.x, "1.2"
// any 1.2.x, a full "1.2.3" only that version), and a caret form
// ("^1.2" matches any version with the same major that is >= 1.2.0).
func matchesConstraint(v manifest.Version, constraint string) bool {
	if rest, ok := strings.CutPrefix(constraint, "^"); ok {
		floor, n, ok := parseParts(rest)
		if !ok || n == 0 {
			return false
		}
		if v.Major != floor[0] {
			return false
		}
		min := manifest.Version{Major: floor[0], Minor: floor[1], Patch: floor[2]}
		return !v.Less(min)
	}

	want, n, ok := parseParts(constraint)
	if !ok || n == 0 {
		return false
	}
	got := []uint64{v.Major, v.Minor, v.Patch}
	for i := 0; i < n; i++ {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

// Resource finds, among candidates, the identity whose name matches name
// exactly and whose version satisfies constraint, returning the highest
// matching version.
func Resource(candidates []manifest.Identity, name, constraint string) (manifest.Identity, bool) {
	var best manifest.Identity
	found := false
	for _, id := range candidates {
		if id.Name != name {
			continue
		}
		if !matchesConstraint(id.Version, constraint) {
			continue
		}
		if !found || best.Version.Less(id.Version) {
			best = id
			found = true
		}
	}
	return best, found
}
