package tgui

import "unicode/utf8"

// TruncRunes cuts s to at most n runes, appending "…" when something was cut.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n-1 {
			return s[:i] + "…"
		}
		count++
	}
	return s
}
