package actor

import "strings"

// NormalizeName reduces an actor name or alias to a comparison key:
// lowercase with spaces, underscores and hyphens removed. "Lazarus Group",
// "lazarus_group" and "LAZARUS-GROUP" all normalize to "lazarusgroup".
func NormalizeName(name string) string {
	lowered := strings.ToLower(strings.TrimSpace(name))
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '_', '-':
			return -1
		}
		return r
	}, lowered)
}
