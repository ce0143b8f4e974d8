package logging

import (
	"strings"
	"unicode"
)

// maxSanitizedLength bounds the length of sanitized values so that a
// user-supplied prompt cannot flood the log.
const maxSanitizedLength = 100

// SanitizeForLog escapes control characters in user-controlled values (upload
// filenames, prompts) before they are logged, preventing log injection.
func SanitizeForLog(s string) string {
	if s == "" {
		return ""
	}

	var result strings.Builder
	result.Grow(len(s))

	for _, r := range s {
		switch {
		case r == '\n':
			result.WriteString("\\n")
		case r == '\r':
			result.WriteString("\\r")
		case r == '\t':
			result.WriteString("\\t")
		case r == '\\':
			result.WriteString("\\\\")
		case unicode.IsControl(r):
			result.WriteString("?")
		case unicode.IsPrint(r):
			result.WriteRune(r)
		default:
			result.WriteString("?")
		}
	}

	out := result.String()
	if runes := []rune(out); len(runes) > maxSanitizedLength {
		return string(runes[:maxSanitizedLength]) + "...[truncated]"
	}
	return out
}
