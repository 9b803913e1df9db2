// Package ui renders download events for the terminal.
package ui

import (
	"strings"
	"unicode/utf8"
)

const shortIDLen = 8

// ShortID trims a record ID (a UUID) for display.
func ShortID(id string) string {
	return headRunes(id, shortIDLen)
}

// TruncateWithEllipsis shortens s to maxRunes runes and marks the cut with
// "…". Runs of whitespace, newlines included, collapse to one space first so
// a title always stays on one line.
func TruncateWithEllipsis(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	return headRunes(s, maxRunes) + "…"
}

// headRunes returns the first n runes of s.
func headRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
