package utils

import (
	"strings"
	"unicode/utf8"
)

// CollapseWhitespace trims s and folds every run of whitespace into one space
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Truncate shortens s to at most max bytes without splitting a UTF-8 sequence.
// A max of zero or less disables truncation.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// SanitizeLogText makes arbitrary remote text safe for single-line log output
func SanitizeLogText(s string, max int) string {
	s = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return ' '
		}
		return r
	}, s)
	return Truncate(CollapseWhitespace(s), max)
}
