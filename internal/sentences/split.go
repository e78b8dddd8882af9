// Package sentences splits extracted text into sentences and merges sentences
// that continue across a page boundary.
package sentences

import (
	"strings"
	"unicode"

	"github.com/jackzampolin/readshelf/internal/store"
)

var commonAbbreviations = map[string]struct{}{
	"mr": {}, "mrs": {}, "ms": {}, "dr": {}, "prof": {}, "sr": {}, "jr": {},
	"st": {}, "mt": {}, "vs": {}, "etc": {}, "no": {}, "vol": {}, "rev": {},
	"fig": {}, "al": {}, "inc": {}, "ltd": {}, "co": {}, "dept": {}, "est": {},
	"jan": {}, "feb": {}, "mar": {}, "apr": {}, "jun": {}, "jul": {}, "aug": {},
	"sep": {}, "sept": {}, "oct": {}, "nov": {}, "dec": {}, "ch": {}, "pp": {},
	"a.m": {}, "p.m": {}, "e.g": {}, "i.e": {}, "u.s": {}, "u.k": {},
}

// Split breaks plain text into sentences on terminal punctuation, skipping
// abbreviation, initial, ellipsis and decimal-number periods. Every sentence is
// complete except a trailing one that lacks terminal punctuation.
func Split(text string) []store.Sentence {
	parts := splitText(text)
	out := make([]store.Sentence, len(parts))
	for i, p := range parts {
		out[i] = store.Sentence{Text: p, IsComplete: true}
	}
	if n := len(out); n > 0 {
		out[n-1].IsComplete = EndsWithTerminal(out[n-1].Text)
	}
	return out
}

// EndsWithTerminal reports whether s ends in sentence-terminal punctuation,
// ignoring trailing closing quotes and brackets.
func EndsWithTerminal(s string) bool {
	s = strings.TrimRightFunc(s, unicode.IsSpace)
	s = strings.TrimRight(s, "\"')]}”’»")
	if s == "" {
		return false
	}
	switch s[len(s)-1] {
	case '.', '!', '?':
		return true
	}
	return strings.HasSuffix(s, "…")
}

func splitText(text string) []string {
	text = normalizeText(text)
	if text == "" {
		return nil
	}

	var segments []string
	start := 0

	for i := 0; i < len(text); i++ {
		ch := text[i]
		if !isSentencePunctuation(ch) {
			continue
		}
		if ch == '.' && shouldSkipPeriodSplit(text, i) {
			continue
		}
		if !isBoundary(text, i) {
			continue
		}

		end := i + 1
		for end < len(text) && isClosingPunctuation(text[end]) {
			end++
		}
		if chunk := strings.TrimSpace(text[start:end]); chunk != "" {
			segments = append(segments, chunk)
		}
		start = end
		i = end - 1
	}

	if tail := strings.TrimSpace(text[start:]); tail != "" {
		segments = append(segments, tail)
	}
	return segments
}

func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	// Rejoin words hyphenated across line breaks.
	text = strings.ReplaceAll(text, "-\n", "")
	return strings.Join(strings.Fields(text), " ")
}

func isSentencePunctuation(ch byte) bool {
	return ch == '.' || ch == '!' || ch == '?'
}

func shouldSkipPeriodSplit(text string, idx int) bool {
	// Ellipsis
	if (idx > 0 && text[idx-1] == '.') || (idx+1 < len(text) && text[idx+1] == '.') {
		return true
	}

	// Decimal numbers
	if idx > 0 && idx+1 < len(text) && isDigit(text[idx-1]) && isDigit(text[idx+1]) {
		return true
	}

	token := tokenBeforePeriod(text, idx)
	if token == "" {
		return false
	}

	// Initials (e.g., "J. R. R.")
	if len(token) == 1 && isAlpha(token[0]) {
		return true
	}

	_, ok := commonAbbreviations[strings.ToLower(token)]
	return ok
}

func tokenBeforePeriod(text string, idx int) string {
	i := idx - 1
	for i >= 0 && !isTokenBoundary(text[i]) {
		i--
	}
	return text[i+1 : idx]
}

func isBoundary(text string, punctIdx int) bool {
	i := punctIdx + 1
	for i < len(text) && isClosingPunctuation(text[i]) {
		i++
	}
	if i >= len(text) {
		return true
	}
	if !isSpace(text[i]) {
		return false
	}
	for i < len(text) && isSpace(text[i]) {
		i++
	}
	if i >= len(text) {
		return true
	}
	return isLikelySentenceStart(text, i)
}

func isLikelySentenceStart(text string, idx int) bool {
	r := rune(text[idx])
	if unicode.IsUpper(r) || unicode.IsDigit(r) || r >= 0x80 {
		return true
	}
	if isOpeningQuoteOrBracket(text[idx]) {
		j := idx + 1
		for j < len(text) && isOpeningQuoteOrBracket(text[j]) {
			j++
		}
		if j < len(text) {
			rr := rune(text[j])
			return unicode.IsUpper(rr) || unicode.IsDigit(rr)
		}
	}
	return false
}

func isTokenBoundary(ch byte) bool {
	return isSpace(ch) || ch == '"' || ch == '\'' || ch == '(' || ch == ')' || ch == '[' || ch == ']' || ch == '{' || ch == '}'
}

func isSpace(ch byte) bool {
	return ch == ' ' || ch == '\n' || ch == '\t'
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

func isAlpha(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isClosingPunctuation(ch byte) bool {
	switch ch {
	case '"', '\'', ')', ']', '}':
		return true
	default:
		return false
	}
}

func isOpeningQuoteOrBracket(ch byte) bool {
	switch ch {
	case '"', '\'', '(', '[', '{':
		return true
	default:
		return false
	}
}
