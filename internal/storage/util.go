package storage

import "strings"

// NormalizeKey trims and lowercases a user key so that callers spelling
// the same identifier differently share one registry slot.
func NormalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
