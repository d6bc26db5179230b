package ontology

import (
	"fmt"
	"regexp"
	"strings"
)

// groupIDPattern is the charset the graph store accepts for episode group
// IDs. Anything else, path separators included, is rejected server-side.
var groupIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// reservedFields are attribute names the graph store owns on every node.
// An entity schema that redefines one of these is rejected at commit time.
var reservedFields = map[string]struct{}{
	"uuid":       {},
	"name":       {},
	"group_id":   {},
	"labels":     {},
	"created_at": {},
	"summary":    {},
	"attributes": {},
}

// ValidateGroupID reports whether id is acceptable to the graph store.
func ValidateGroupID(id string) error {
	if id == "" {
		return fmt.Errorf("group ID cannot be empty")
	}
	if !groupIDPattern.MatchString(id) {
		return fmt.Errorf("group ID %q contains characters outside [A-Za-z0-9_-]", id)
	}
	return nil
}

// SanitizeGroupID maps an arbitrary string into the allowed group ID
// charset. Spaces, slashes, and any other disallowed runes become
// underscores; runs collapse to a single underscore. Returns an error only
// when nothing survives sanitization.
func SanitizeGroupID(s string) (string, error) {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "", fmt.Errorf("group ID %q has no representable characters", s)
	}
	return out, nil
}

// IsReservedField reports whether the graph store reserves the attribute
// name for its own node schema.
func IsReservedField(name string) bool {
	_, ok := reservedFields[strings.ToLower(name)]
	return ok
}
