package convert

import (
	"strings"
	"unicode/utf8"
)

// splitText cuts cleaned text into chunks of at most size characters with
// the given overlap, preferring paragraph, line, then word boundaries so
// chunks stay semantically whole. Offsets are byte positions in the input.
func splitText(text string, size, overlap int) []Chunk {
	if text == "" {
		return nil
	}
	if utf8.RuneCountInString(text) <= size {
		return []Chunk{{Text: text, Offset: 0}}
	}

	var chunks []Chunk
	start := 0
	for start < len(text) {
		end := advanceRunes(text, start, size)
		if end < len(text) {
			if cut := boundaryBefore(text, start, end); cut > start {
				end = cut
			}
		}

		chunk := strings.TrimSpace(text[start:end])
		if chunk != "" {
			offset := start + strings.Index(text[start:end], chunk)
			chunks = append(chunks, Chunk{Text: chunk, Offset: offset})
		}

		if end >= len(text) {
			break
		}
		next := backtrackRunes(text, end, overlap)
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// advanceRunes returns the byte index n runes after start, clamped to the
// end of the string.
func advanceRunes(s string, start, n int) int {
	i := start
	for ; n > 0 && i < len(s); n-- {
		_, w := utf8.DecodeRuneInString(s[i:])
		i += w
	}
	return i
}

// backtrackRunes returns the byte index n runes before end, clamped to the
// start of the string.
func backtrackRunes(s string, end, n int) int {
	i := end
	for ; n > 0 && i > 0; n-- {
		_, w := utf8.DecodeLastRuneInString(s[:i])
		i -= w
	}
	return i
}

// boundaryBefore finds the best split point in (start, end]: the last
// paragraph break, then line break, then space. Returns start when no
// boundary exists in the window.
func boundaryBefore(s string, start, end int) int {
	window := s[start:end]
	for _, sep := range []string{"\n\n", "\n", " "} {
		if i := strings.LastIndex(window, sep); i > 0 {
			return start + i + len(sep)
		}
	}
	return start
}
