package lexical

import (
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Tokenize splits text into character 2-grams over its NFKC-normalised
// form, treating whitespace and punctuation as hard breaks: no bigram
// crosses one. An empty or all-break input yields no tokens.
func Tokenize(text string) []string {
	normalised := norm.NFKC.String(text)
	runs := runsOfContentRunes(normalised)

	var tokens []string
	for _, run := range runs {
		for i := 0; i+1 < len(run); i++ {
			tokens = append(tokens, string(run[i:i+2]))
		}
	}
	return tokens
}

// runsOfContentRunes splits the input into maximal runs of runes that are
// neither whitespace nor punctuation/symbols, the hard-break units within
// which 2-grams are formed.
func runsOfContentRunes(text string) [][]rune {
	var runs [][]rune
	var current []rune
	for _, r := range text {
		if isBreak(r) {
			if len(current) > 0 {
				runs = append(runs, current)
				current = nil
			}
			continue
		}
		current = append(current, r)
	}
	if len(current) > 0 {
		runs = append(runs, current)
	}
	return runs
}

func isBreak(r rune) bool {
	return unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r)
}
