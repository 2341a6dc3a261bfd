// Package util contains small helpers shared across packages.
package util

// SafeTruncate truncates s to at most maxLen characters without panicking.
// Used when logging token and code prefixes: long enough to correlate,
// short enough to be useless to an attacker.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
