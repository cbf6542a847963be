package textutil

import (
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/currency"
	"golang.org/x/text/unicode/norm"
)

var plainTextPolicy = bluemonday.StrictPolicy()

// SanitizePlainText strips markup, normalises to NFC and trims the result to maxRunes runes.
// A non-positive maxRunes disables truncation.
func SanitizePlainText(value string, maxRunes int) string {
	cleaned := plainTextPolicy.Sanitize(value)
	cleaned = strings.TrimSpace(norm.NFC.String(cleaned))
	if maxRunes > 0 && utf8.RuneCountInString(cleaned) > maxRunes {
		runes := []rune(cleaned)
		cleaned = strings.TrimSpace(string(runes[:maxRunes]))
	}
	return cleaned
}

// NormalizeCurrency upper-cases and validates an ISO 4217 code. Unknown codes return "" and false.
func NormalizeCurrency(code string) (string, bool) {
	unit, err := currency.ParseISO(strings.TrimSpace(code))
	if err != nil {
		return "", false
	}
	return unit.String(), true
}
