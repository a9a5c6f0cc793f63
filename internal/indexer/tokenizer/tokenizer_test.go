package tokenizer

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTokenize(t *testing.T) {
	tokens := Tokenize("Server started on port 8080, user=Alice")
	terms := make([]string, 0, len(tokens))
	for i, tok := range tokens {
		assert.Equal(t, i, tok.Position)
		terms = append(terms, tok.Term)
	}
	assert.Equal(t, []string{"server", "started", "on", "port", "8080", "user", "alice"}, terms)
}

func TestTokenizeUnicode(t *testing.T) {
	tokens := Tokenize("Größe→ÜBER naïve")
	assert.Len(t, tokens, 3)
	assert.Equal(t, "größe", tokens[0].Term)
	assert.Equal(t, "über", tokens[1].Term)
	assert.Equal(t, "naïve", tokens[2].Term)
}

func TestTokenizeEmpty(t *testing.T) {
	assert.Empty(t, Tokenize(""))
	assert.Empty(t, Tokenize("  --- !!! "))
}

func TestTerms(t *testing.T) {
	terms, counts := Terms("error: Error again, error")
	assert.Equal(t, []string{"error", "again"}, terms)
	assert.Equal(t, []int{3, 1}, counts)
}

func TestNormalizeTruncatesOnRuneBoundary(t *testing.T) {
	long := strings.Repeat("é", MaxTermLength)
	got := Normalize(long)
	assert.LessOrEqual(t, len(got), MaxTermLength)
	assert.True(t, utf8.ValidString(got))
}
