package engine

import (
	"fmt"
	"unicode/utf8"
)

// TruncationMode says which part of an over-long text is kept.
type TruncationMode string

const (
	// HeadTail keeps the start and the end.
	HeadTail TruncationMode = "head_tail"
	// Tail keeps the end.
	Tail TruncationMode = "tail"
)

// Truncate shortens s to at most maxChars bytes plus a marker noting how
// much was removed. Cuts fall on rune boundaries. maxChars <= 0 disables
// truncation.
func Truncate(s string, maxChars int, mode TruncationMode) string {
	if maxChars <= 0 || len(s) <= maxChars {
		return s
	}
	if mode == Tail {
		start := runeStartAfter(s, len(s)-maxChars)
		return fmt.Sprintf("[... %d characters truncated ...]\n", start) + s[start:]
	}
	head := runeStartBefore(s, maxChars/2)
	tail := runeStartAfter(s, len(s)-(maxChars-maxChars/2))
	return s[:head] +
		fmt.Sprintf("\n[... %d characters truncated ...]\n", tail-head) +
		s[tail:]
}

// runeStartBefore moves i back to the start of the rune containing it.
func runeStartBefore(s string, i int) int {
	for i > 0 && i < len(s) && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// runeStartAfter moves i forward to the next rune start.
func runeStartAfter(s string, i int) int {
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return i
}
