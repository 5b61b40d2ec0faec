package utils

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// SanitizeString drops control characters other than line breaks and tabs
// and trims surrounding whitespace.
func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// TruncateString shortens s to at most maxRunes runes, marking the cut with
// an ellipsis when there is room for one.
func TruncateString(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	runes := []rune(s)
	if maxRunes <= 3 {
		return string(runes[:maxRunes])
	}
	return string(runes[:maxRunes-1]) + "…"
}

// DisplayNameOrDefault returns a cleaned display name, or fallback when the
// name is blank.
func DisplayNameOrDefault(name, fallback string) string {
	name = SanitizeString(strings.ReplaceAll(name, "\n", " "))
	if name == "" {
		return fallback
	}
	return TruncateString(name, 64)
}
