package plugin

import "strings"

// FindMatch looks for needle among names in two passes: exact equality
// first, then substring containment. Both passes keep the order of names.
func FindMatch(needle string, names []string) (string, bool) {
	for _, name := range names {
		if name == needle {
			return name, true
		}
	}
	for _, name := range names {
		if strings.Contains(name, needle) {
			return name, true
		}
	}
	return "", false
}
