// Package textutil normalises client-supplied text before persistence.
package textutil

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeStringMap canonicalises a metadata map: keys and values are
// NFC-normalised and trimmed, entries with blank keys are dropped. A map
// with no surviving entries comes back nil.
func NormalizeStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	result := make(map[string]string, len(values))
	for key, value := range values {
		key = cleanString(key)
		if key == "" {
			continue
		}
		result[key] = cleanString(value)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

func cleanString(s string) string {
	return strings.TrimSpace(norm.NFC.String(s))
}
