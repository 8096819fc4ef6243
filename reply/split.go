package reply

import (
	"strings"
	"unicode/utf8"
)

// Split breaks text into chat-sized messages of at most limit runes. Blank
// lines start a new message; remaining line breaks become spaces since
// Twitch chat drops them.
func Split(text string, limit int) []string {
	if limit <= 0 {
		limit = 500
	}
	var out []string
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(strings.ReplaceAll(para, "\n", " "))
		for para != "" {
			if utf8.RuneCountInString(para) <= limit {
				out = append(out, para)
				break
			}
			cut := byteOffset(para, limit)
			out = append(out, para[:cut])
			para = strings.TrimSpace(para[cut:])
		}
	}
	return out
}

// byteOffset returns the byte index just after the n-th rune of s.
func byteOffset(s string, n int) int {
	i := 0
	for range n {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	return i
}
