package pack

import "unicode/utf8"

// Tokenizer counts tokens exactly when a real tokenizer is available.
type Tokenizer interface {
	Count(text string) int
}

// TokenCounter estimates tokens for budget management. Without a tokenizer
// it approximates 4 characters per token, calibrated the same way the
// context compressor's heuristic is.
type TokenCounter struct {
	tokenizer     Tokenizer
	charsPerToken float64
}

// NewTokenCounter creates a counter with the default heuristic.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{charsPerToken: 4.0}
}

// WithTokenizer installs an exact tokenizer.
func (tc *TokenCounter) WithTokenizer(t Tokenizer) *TokenCounter {
	tc.tokenizer = t
	return tc
}

// Exact reports whether an exact tokenizer is installed.
func (tc *TokenCounter) Exact() bool { return tc.tokenizer != nil }

// Count estimates (or exactly counts) tokens in s.
func (tc *TokenCounter) Count(s string) int {
	if s == "" {
		return 0
	}
	if tc.tokenizer != nil {
		return tc.tokenizer.Count(s)
	}
	return int(float64(utf8.RuneCountInString(s)) / tc.charsPerToken)
}

// CharsFor returns the approximate character allowance for a token budget.
func (tc *TokenCounter) CharsFor(tokens int) int {
	return int(float64(tokens) * tc.charsPerToken)
}
