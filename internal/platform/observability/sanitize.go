package observability

import (
	"strings"
	"unicode"
)

const (
	maxRouteLen  = 180
	maxMethodLen = 10
	maxUserIDLen = 64
)

// stripControl drops control runes, keeping common whitespace, and caps
// the result at limit runes so attacker-controlled values cannot bloat
// or break structured log lines.
func stripControl(value string, limit int) string {
	var b strings.Builder
	b.Grow(len(value))
	n := 0
	for _, r := range value {
		if unicode.IsControl(r) {
			switch r {
			case '\n', '\r', '\t':
			default:
				continue
			}
		}
		if n >= limit {
			break
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

// SanitizeRoute normalises a route template for log and metric labels.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return stripControl(route, maxRouteLen)
}

// SanitizeMethod cleans an HTTP method before it is logged.
func SanitizeMethod(method string) string {
	return stripControl(method, maxMethodLen)
}

// SanitizeUserID caps identifiers so logs carry at most an opaque prefix.
func SanitizeUserID(uid string) string {
	if uid == "" {
		return ""
	}
	return stripControl(uid, maxUserIDLen)
}
