package detector

import (
	"strings"
	"unicode"
)

// normalize lowercases, strips punctuation, and collapses whitespace while
// preserving word boundaries, so "Help! I've fallen." matches the phrase
// "i ve fallen".
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			b.WriteRune(r)
			lastSpace = false
		default:
			// Punctuation and whitespace both become a single separator.
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// containsPhrase reports whether the normalized phrase occurs in the
// normalized utterance on word boundaries, and the token offset where it
// starts (-1 when absent).
func containsPhrase(utterance, phrase string) (int, bool) {
	padded := " " + utterance + " "
	idx := strings.Index(padded, " "+phrase+" ")
	if idx < 0 {
		return -1, false
	}
	return strings.Count(padded[:idx+1], " ") - 1, true
}
