package inventory

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// foldText strips diacritics and case so "Épinards" matches "epinards".
// Transformers are stateful, so a chain is built per call.
func foldText(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return cases.Fold().String(strings.TrimSpace(out))
}

// matchesText reports whether any of fields contains query after folding.
func matchesText(query string, fields ...string) bool {
	needle := foldText(query)
	if needle == "" {
		return true
	}
	for _, f := range fields {
		if strings.Contains(foldText(f), needle) {
			return true
		}
	}
	return false
}
