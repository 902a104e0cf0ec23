package delivery

import (
	"strings"
	"unicode/utf8"
)

// ellipsis marks truncated replies.
const ellipsis = "…"

// Truncate shortens text to at most limit characters, ending it with an
// ellipsis when anything was cut. A non-positive limit disables truncation.
func Truncate(text string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}
	if limit == 1 {
		return ellipsis
	}
	r := []rune(text)
	return strings.TrimRight(string(r[:limit-1]), " \n") + ellipsis
}

// Split cuts text into chunks of at most limit characters. Cuts prefer the
// last newline, then the last space, inside each window; a window without
// either is cut hard. Joining the chunks restores text apart from the
// whitespace consumed at cut points. A non-positive limit returns text as a
// single chunk.
func Split(text string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var chunks []string
	r := []rune(text)
	for len(r) > limit {
		window := r[:limit]
		cut := lastIndex(window, '\n')
		if cut <= 0 {
			cut = lastIndex(window, ' ')
		}
		if cut <= 0 {
			chunks = append(chunks, string(window))
			r = r[limit:]
			continue
		}
		chunks = append(chunks, string(r[:cut]))
		r = r[cut+1:]
	}
	if len(r) > 0 {
		chunks = append(chunks, string(r))
	}
	return chunks
}

func lastIndex(r []rune, c rune) int {
	for i := len(r) - 1; i >= 0; i-- {
		if r[i] == c {
			return i
		}
	}
	return -1
}
