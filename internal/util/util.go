// Package util holds small text helpers shared by log and terminal output.
package util

import (
	"strings"
	"unicode/utf8"
)

// TruncateRunes truncates a string to a maximum number of runes,
// appending an ellipsis if truncated.
func TruncateRunes(text string, maxRunes int) string {
	if maxRunes <= 0 || utf8.RuneCountInString(text) <= maxRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxRunes]) + "…"
}

// FirstLine returns the first non-blank line of text, trimmed.
func FirstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

// Summarize shortens text to its first line of at most maxRunes runes.
// A marker is appended when lines were dropped.
func Summarize(text string, maxRunes int) string {
	first := FirstLine(text)
	out := TruncateRunes(first, maxRunes)
	if out == first && strings.Count(strings.TrimSpace(text), "\n") > 0 {
		out += " …"
	}
	return out
}
