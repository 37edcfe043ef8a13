package search

import "hybridpdf/internal/lexical"

const snippetWindow = 160

// buildSnippet returns a snippetWindow-rune window of text centred on the
// query term occurring most often in it, or the text's prefix if none of
// the query's tokens appear. Operates on runes throughout since passage
// text is Japanese and byte offsets would split multi-byte characters.
func buildSnippet(text, query string) string {
	runes := []rune(text)

	bestPos, bestCount := -1, 0
	seen := make(map[string]bool)
	for _, term := range lexical.Tokenize(query) {
		if seen[term] {
			continue
		}
		seen[term] = true
		termRunes := []rune(term)
		count, pos := countAndFirstIndex(runes, termRunes)
		if count > bestCount {
			bestCount = count
			bestPos = pos
		}
	}

	if bestPos < 0 {
		if len(runes) <= snippetWindow {
			return text
		}
		return string(runes[:snippetWindow])
	}

	start := bestPos - snippetWindow/2
	if start < 0 {
		start = 0
	}
	end := start + snippetWindow
	if end > len(runes) {
		end = len(runes)
		start = end - snippetWindow
		if start < 0 {
			start = 0
		}
	}
	return string(runes[start:end])
}

// countAndFirstIndex returns how many times term occurs in text and the
// rune index of its first occurrence, or (0, -1) if it never occurs.
func countAndFirstIndex(text, term []rune) (int, int) {
	if len(term) == 0 || len(term) > len(text) {
		return 0, -1
	}
	count, first := 0, -1
	for i := 0; i+len(term) <= len(text); i++ {
		match := true
		for j := range term {
			if text[i+j] != term[j] {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		if first < 0 {
			first = i
		}
		count++
		i += len(term) - 1
	}
	return count, first
}
