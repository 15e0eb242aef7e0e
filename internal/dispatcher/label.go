package dispatcher

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// asciiFold decomposes Unicode to NFKD and drops combining marks, the Go
// equivalent of unicodedata.normalize('NFKD', l).encode('ascii','ignore').
var asciiFold = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

var (
	leadingInvalid = regexp.MustCompile(`^[^a-zA-Z0-9]*`)
	disallowedChar = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)
)

// SanitizeLabel implements the label-sanitization algorithm from
// original_source/scripts/kubernetes-run.py's makeValidLabel, required by
// spec.md §4.C.3: decompose Unicode to ASCII, replace whitespace with
// underscore, drop a leading non-alphanumeric prefix, retain only
// alphanumerics and -, _, ., truncate to 62 characters. It is idempotent
// (spec.md §8 invariant 5).
func SanitizeLabel(label string) string {
	folded, _, err := transform.String(asciiFold, label)
	if err != nil {
		folded = label
	}
	folded = stripNonASCII(folded)

	folded = strings.ReplaceAll(folded, " ", "_")
	folded = leadingInvalid.ReplaceAllString(folded, "")
	folded = disallowedChar.ReplaceAllString(folded, "")

	if len(folded) > 62 {
		folded = folded[:62]
	}
	return folded
}

func stripNonASCII(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r <= unicode.MaxASCII {
			b.WriteRune(r)
		}
	}
	return b.String()
}
