package textutil

import (
	"slices"
	"strings"
	"unicode/utf8"
)

// MetadataLimits bounds a key/value map forwarded to an external system. Zero fields are unlimited.
type MetadataLimits struct {
	MaxKeys       int
	MaxKeyRunes   int
	MaxValueRunes int
}

// NormalizeMetadata trims keys and values, drops entries whose key or value is blank, and
// truncates to limits. When there are more keys than MaxKeys the lexically smallest are kept.
func NormalizeMetadata(values map[string]string, limits MetadataLimits) map[string]string {
	if len(values) == 0 {
		return nil
	}
	cleaned := make(map[string]string, len(values))
	for key, value := range values {
		key = truncateRunes(strings.TrimSpace(key), limits.MaxKeyRunes)
		value = truncateRunes(strings.TrimSpace(value), limits.MaxValueRunes)
		if key == "" || value == "" {
			continue
		}
		cleaned[key] = value
	}
	if limits.MaxKeys > 0 && len(cleaned) > limits.MaxKeys {
		keys := make([]string, 0, len(cleaned))
		for key := range cleaned {
			keys = append(keys, key)
		}
		slices.Sort(keys)
		for _, key := range keys[limits.MaxKeys:] {
			delete(cleaned, key)
		}
	}
	if len(cleaned) == 0 {
		return nil
	}
	return cleaned
}

func truncateRunes(value string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(value) <= limit {
		return value
	}
	return string([]rune(value)[:limit])
}
