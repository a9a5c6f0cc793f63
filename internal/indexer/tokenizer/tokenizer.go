// Package tokenizer splits free-text field values into normalised terms.
// Input is case-folded and split on every rune that is neither a letter nor a
// digit. No stemming or stop-word removal is applied so that a query for any
// word that appears in a message finds that message.
package tokenizer

import (
	"strings"
	"unicode"
)

// MaxTermLength bounds a single token in bytes; longer runs are truncated.
const MaxTermLength = 255

// Token represents a single normalised term and its position in the
// original text.
type Token struct {
	Term     string
	Position int
}

// Tokenize breaks text into lower-cased Tokens in order of appearance.
func Tokenize(text string) []Token {
	words := strings.FieldsFunc(text, isSeparator)
	tokens := make([]Token, 0, len(words))
	for pos, word := range words {
		tokens = append(tokens, Token{
			Term:     normalize(word),
			Position: pos,
		})
	}
	return tokens
}

// Terms returns the distinct terms of text with their occurrence counts, in
// order of first appearance.
func Terms(text string) ([]string, []int) {
	tokens := Tokenize(text)
	index := make(map[string]int, len(tokens))
	terms := make([]string, 0, len(tokens))
	counts := make([]int, 0, len(tokens))
	for _, tok := range tokens {
		if i, ok := index[tok.Term]; ok {
			counts[i]++
			continue
		}
		index[tok.Term] = len(terms)
		terms = append(terms, tok.Term)
		counts = append(counts, 1)
	}
	return terms, counts
}

// Normalize applies the same case folding used for indexed tokens to a single
// word, e.g. a range bound on a text field.
func Normalize(word string) string {
	return normalize(word)
}

func isSeparator(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func normalize(word string) string {
	word = strings.ToLower(word)
	if len(word) > MaxTermLength {
		word = truncate(word, MaxTermLength)
	}
	return word
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	cut := n
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
