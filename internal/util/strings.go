// Package util provides small helpers shared across the oauth20 library.
package util

// SafeTruncate safely truncates a string to maxLen characters without
// panicking. It is used when logging credential material, where only a
// short prefix may appear in log output.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
