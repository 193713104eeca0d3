package sse

import (
	"unicode"
	"unicode/utf8"
)

// TokenizeRuns splits text into alternating runs of whitespace and
// non-whitespace characters, preserving every byte of the input.
//
// Downstream rendering reveals a chunk run-by-run instead of atomically;
// this is a presentation concern fed a full chunk string, not codec state.
func TokenizeRuns(text string) []string {
	if text == "" {
		return nil
	}

	var runs []string
	start := 0
	first, _ := utf8.DecodeRuneInString(text)
	inSpace := unicode.IsSpace(first)

	for i, r := range text {
		isSpace := unicode.IsSpace(r)
		if isSpace != inSpace {
			runs = append(runs, text[start:i])
			start = i
			inSpace = isSpace
		}
	}
	runs = append(runs, text[start:])
	return runs
}
