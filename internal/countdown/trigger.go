package countdown

import (
	"html"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// TriggerMinutes is the length of a countdown started by a trigger phrase.
const TriggerMinutes = 60

var (
	markupRe = regexp.MustCompile(`<[^>]*>`)

	// "you have one hour", English and Spanish (including voseo "tenés").
	triggerPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\byou(?: still)? have (?:one|1|an) hour\b`),
		regexp.MustCompile(`\bt(?:ienes|enes)(?: solo)? (?:una|1) hora\b`),
	}
)

// NormalizeMessage prepares narrative text for phrase matching: markup and
// entities removed, diacritics stripped, lowercased, whitespace collapsed.
func NormalizeMessage(raw string) string {
	s := markupRe.ReplaceAllString(raw, " ")
	s = html.UnescapeString(s)
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if stripped, _, err := transform.String(t, s); err == nil {
		s = stripped
	}
	s = strings.ToLower(s)
	return strings.Join(strings.Fields(s), " ")
}

// MatchesTrigger reports whether text contains a countdown trigger phrase.
func MatchesTrigger(text string) bool {
	n := NormalizeMessage(text)
	for _, re := range triggerPatterns {
		if re.MatchString(n) {
			return true
		}
	}
	return false
}
