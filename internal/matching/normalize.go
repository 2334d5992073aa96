package matching

import (
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NormalizePhone keeps only digits and drops a leading country code 1 from an
// 11-digit result. It is idempotent.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 11 && digits[0] == '1' {
		return digits[1:]
	}
	return digits
}

// phoneKey returns the normalized phone when it is a usable 10-digit number
func phoneKey(raw string) (string, bool) {
	n := NormalizePhone(raw)
	return n, len(n) == 10
}

// NamePrefix returns the first n characters of name after trimming, removing
// accents and case folding. "Élise" and "elise" share the prefix "eli".
func NamePrefix(name string, n int) string {
	stripped, _, err := transform.String(
		transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC),
		strings.TrimSpace(name),
	)
	if err != nil {
		stripped = strings.TrimSpace(name)
	}
	// Casers are stateful, so each call gets its own
	folded := []rune(cases.Fold().String(stripped))
	if len(folded) > n {
		folded = folded[:n]
	}
	return string(folded)
}

var dateLayouts = []string{"2006-1-2", "2006/1/2", time.RFC3339}

// ParseDate parses a birth date into a UTC calendar date, so 2001-3-5 and
// 2001-03-05 compare equal
func ParseDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true
		}
	}
	return time.Time{}, false
}
