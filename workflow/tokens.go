package workflow

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter counts tokens for the max_output_tokens criterion.
type TokenCounter interface {
	CountTokens(text string) (int, error)
}

// TiktokenCounter counts with a tiktoken encoding. The encoding is loaded
// lazily on first use.
type TiktokenCounter struct {
	encoding string
	once     sync.Once
	enc      *tiktoken.Tiktoken
	initErr  error
}

// NewTiktokenCounter creates a counter for the given encoding name.
// An empty name selects cl100k_base.
func NewTiktokenCounter(encoding string) *TiktokenCounter {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return &TiktokenCounter{encoding: encoding}
}

// CountTokens implements TokenCounter.
func (t *TiktokenCounter) CountTokens(text string) (int, error) {
	t.once.Do(func() {
		t.enc, t.initErr = tiktoken.GetEncoding(t.encoding)
	})
	if t.initErr != nil {
		return 0, fmt.Errorf("load tiktoken encoding %s: %w", t.encoding, t.initErr)
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}
