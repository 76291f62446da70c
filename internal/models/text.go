package models

// TruncateRunes shortens s to at most max runes. max <= 0 leaves s unchanged.
func TruncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}
