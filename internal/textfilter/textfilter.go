// Package textfilter rejects low-information PDF pages: scan artefacts,
// tables of contents, figure/table directories, before they ever reach
// chunking. It is a pure predicate over page text, no state.
package textfilter

import (
	"regexp"
	"strings"
	"unicode"
)

// Reason names why a page was dropped. The zero value is never emitted for
// a dropped page; Kept pages have no reason.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonTooShort      Reason = "too_short"
	ReasonNonJapanese   Reason = "non_japanese_ratio"
	ReasonTableOfContents Reason = "table_of_contents"
	ReasonFigureTable   Reason = "figure_table_directory"
)

const (
	minNonWhitespaceChars = 50
	maxNonJapaneseRatio   = 0.7
	minDottedLeaderLines  = 5
	minFigureTableLines   = 3
)

var (
	dottedLeaderLine = regexp.MustCompile(`\.{3,}\d+$`)
	figureTableLine  = regexp.MustCompile(`^(図\d+|表\d+)`)
)

// Verdict is the tagged record produced for a page: kept or dropped with a
// reason. C1 is the predicate that produces it.
type Verdict struct {
	Kept   bool
	Reason Reason
}

// Evaluate applies the text filter's four drop conditions in the order
// specified: length, script ratio, ToC heuristic, figure/table heuristic.
// The first matching condition determines the reason.
func Evaluate(text string) Verdict {
	if countNonWhitespace(text) < minNonWhitespaceChars {
		return Verdict{Kept: false, Reason: ReasonTooShort}
	}
	if nonJapaneseRatio(text) > maxNonJapaneseRatio {
		return Verdict{Kept: false, Reason: ReasonNonJapanese}
	}
	lines := strings.Split(text, "\n")
	if countMatching(lines, dottedLeaderLine) >= minDottedLeaderLines {
		return Verdict{Kept: false, Reason: ReasonTableOfContents}
	}
	if countMatching(lines, figureTableLine) >= minFigureTableLines {
		return Verdict{Kept: false, Reason: ReasonFigureTable}
	}
	return Verdict{Kept: true}
}

// Keep is a convenience wrapper returning just the boolean and reason.
func Keep(text string) (bool, Reason) {
	v := Evaluate(text)
	return v.Kept, v.Reason
}

func countNonWhitespace(text string) int {
	n := 0
	for _, r := range text {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}

// nonJapaneseRatio returns the fraction of runes that are neither Japanese
// script (hiragana, katakana, CJK ideographs) nor ASCII letters, over all
// non-whitespace runes. An empty (all-whitespace) string has ratio 0.
func nonJapaneseRatio(text string) float64 {
	var total, other int
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if isJapanese(r) || isASCIILetter(r) {
			continue
		}
		other++
	}
	if total == 0 {
		return 0
	}
	return float64(other) / float64(total)
}

func isJapanese(r rune) bool {
	switch {
	case r >= 0x3040 && r <= 0x309F: // hiragana
		return true
	case r >= 0x30A0 && r <= 0x30FF: // katakana
		return true
	case r >= 0x4E00 && r <= 0x9FFF: // CJK unified ideographs
		return true
	case r >= 0x3400 && r <= 0x4DBF: // CJK extension A
		return true
	case r >= 0xFF66 && r <= 0xFF9D: // half-width katakana
		return true
	}
	return false
}

func isASCIILetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func countMatching(lines []string, re *regexp.Regexp) int {
	n := 0
	for _, l := range lines {
		l = strings.TrimRight(l, "\r")
		if re.MatchString(l) {
			n++
		}
	}
	return n
}
