package tgui

import (
	"fmt"
	"unicode/utf8"
)

// TruncRunes returns s cut to at most n runes, ending in "…" when cut.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	cut := 0
	for i, r := range s {
		count++
		if count == n {
			cut = i + utf8.RuneLen(r)
			continue
		}
		if count > n {
			return s[:cut] + "…"
		}
	}
	return s
}

// Letter labels option i as A, B, C...
func Letter(i int) string {
	if i < 0 || i >= 26 {
		return fmt.Sprint(i + 1)
	}
	return string(rune('A' + i))
}

// Page returns items[page*size : (page+1)*size] clamped, plus whether
// more items follow. page is 0-based.
func Page[T any](items []T, page, size int) ([]T, bool) {
	if size <= 0 {
		size = 10
	}
	start := min(max(page, 0)*size, len(items))
	end := min(start+size, len(items))
	return items[start:end], end < len(items)
}
