package voice

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	bareURLPattern   = regexp.MustCompile(`^https?://\S+$`)
	codeFencePattern = regexp.MustCompile("(?s)^```.*```$")
)

// IsSpeakable reports whether a text fragment should reach synthesis.
// Whitespace or emoji only fragments, a bare URL and a fenced code block are
// not spoken.
func IsSpeakable(text string) bool {
	if onlySymbols(text) {
		return false
	}
	if bareURLPattern.MatchString(text) || codeFencePattern.MatchString(text) {
		return false
	}
	return true
}

func onlySymbols(text string) bool {
	for _, r := range text {
		if unicode.IsSpace(r) || isEmoji(r) {
			continue
		}
		return false
	}
	return true
}

// isEmoji approximates the Unicode Emoji property. Digits and '#' and '*'
// carry the property too but are treated as text here.
func isEmoji(r rune) bool {
	switch {
	case r == '\u200d', r == '\ufe0f', r == '\u20e3':
		return true
	case r >= 0x1f000 && r <= 0x1faff:
		return true
	case r >= 0x2600 && r <= 0x27bf:
		return true
	case r >= 0x2300 && r <= 0x23ff:
		return true
	case r >= 0x2b00 && r <= 0x2bff:
		return true
	case r >= 0xe0020 && r <= 0xe007f:
		return true
	case r == 0x00a9, r == 0x00ae, r == 0x203c, r == 0x2049, r == 0x2122, r == 0x2139:
		return true
	}
	return strings.ContainsRune("↔↕↖↗↘↙↩↪〰〽㊗㊙", r)
}
