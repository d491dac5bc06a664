package form

import (
	"sort"
	"strings"
	"unicode"
)

// strippedPunctuation is the fixed punctuation set removed during
// canonicalization. Word-internal characters that carry meaning for abuse
// detection (@ for emails, / and : for URLs, . and - inside tokens) are
// deliberately kept.
const strippedPunctuation = "!\"#$%&'()*+,;<=>?[\\]^`{|}~"

// Normalize canonicalizes a single field value: lower-case, punctuation
// stripped, internal whitespace collapsed to single spaces, trimmed.
// Identical semantic content must always normalize identically; the content
// digest depends on it.
func Normalize(value string) string {
	var b strings.Builder
	b.Grow(len(value))

	lastSpace := true // leading whitespace is dropped
	for _, r := range strings.ToLower(value) {
		if unicode.IsSpace(r) {
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
			continue
		}
		// Non-whitespace control runes are stripped outright so no field
		// value can forge a digest pair boundary.
		if unicode.IsControl(r) || strings.ContainsRune(strippedPunctuation, r) {
			continue
		}
		b.WriteRune(r)
		lastSpace = false
	}
	return strings.TrimRight(b.String(), " ")
}

// NormalizeAll normalizes every value of a multi-valued field and sorts the
// result so value order never affects downstream digests.
func NormalizeAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, Normalize(v))
	}
	sort.Strings(out)
	return out
}
