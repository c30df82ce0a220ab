package channels

import "strings"

// Chunk splits text into pieces of at most max characters. Whole lines
// are packed greedily; a single line longer than the limit is hard-split
// at the limit. Joining the chunks with newlines reproduces the text up
// to whitespace at chunk boundaries.
func Chunk(text string, max int) []string {
	if text == "" {
		return nil
	}
	if max <= 0 || len(text) <= max {
		return []string{text}
	}

	var chunks []string
	var current string
	flush := func() {
		if current != "" {
			chunks = append(chunks, current)
			current = ""
		}
	}
	for _, line := range strings.Split(text, "\n") {
		if current != "" && len(current)+1+len(line) <= max {
			current += "\n" + line
			continue
		}
		if current == "" && len(line) <= max {
			current = line
			continue
		}
		flush()
		for len(line) > max {
			chunks = append(chunks, line[:max])
			line = line[max:]
		}
		current = line
	}
	flush()
	return chunks
}
