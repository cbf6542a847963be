package observability

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	maxRouteRunes     = 180
	maxMethodRunes    = 10
	maxPrincipalRunes = 64
)

// clean strips control runes (including newlines, which would split a log line) and caps the
// result at limit runes.
func clean(value string, limit int) string {
	out := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || r == utf8.RuneError {
			return -1
		}
		return r
	}, value)
	if utf8.RuneCountInString(out) > limit {
		out = string([]rune(out)[:limit])
	}
	return out
}

// SanitizeRoute prepares a route pattern or raw path for logs and span attributes.
func SanitizeRoute(route string) string {
	route = clean(strings.TrimSpace(route), maxRouteRunes)
	if route == "" {
		return "/"
	}
	return route
}

// SanitizeMethod upper-cases the method and drops anything that is not a token rune.
func SanitizeMethod(method string) string {
	method = strings.Map(func(r rune) rune {
		if r > unicode.MaxASCII || !(unicode.IsLetter(r) || r == '-') {
			return -1
		}
		return unicode.ToUpper(r)
	}, method)
	return clean(method, maxMethodRunes)
}

// SanitizeUserID bounds principal identifiers written to request logs.
func SanitizeUserID(uid string) string {
	return clean(strings.TrimSpace(uid), maxPrincipalRunes)
}
