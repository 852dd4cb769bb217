package methods

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizeName builds the matching key for owner names: Unicode-decompose,
// strip diacritical marks, lower-case, trim, collapse whitespace runs.
// The same function runs at owner creation and at lookup; if the two ever
// diverge, auto-create mode silently duplicates owners.
func NormalizeName(name string) string {
	stripped, _, err := transform.String(stripMarks, name)
	if err != nil {
		stripped = name
	}
	lowered := strings.ToLower(strings.TrimSpace(stripped))
	return strings.Join(strings.Fields(lowered), " ")
}
