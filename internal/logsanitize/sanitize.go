// Package logsanitize provides helpers for sanitizing untrusted values before logging.
package logsanitize

import "strings"

// Sanitize removes control characters from log field values to reduce
// the risk of log injection (CWE-117).
//
// Stripped ranges:
//   - C0 controls 0x00-0x1F (except horizontal tab 0x09)
//   - DEL 0x7F and C1 controls 0x80-0x9F
func Sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\t' {
			return '_'
		}
		if r >= 0x7f && r <= 0x9f {
			return '_'
		}
		return r
	}, s)
}

// maskVisible is how many leading characters Mask keeps.
const maskVisible = 4

// Mask hides all but the first few characters of a secret or session id.
// Short values are hidden completely; empty stays empty.
func Mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= maskVisible*2 {
		return "***"
	}
	return Sanitize(s[:maskVisible]) + "***"
}
