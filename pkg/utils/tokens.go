// Package utils holds small helpers shared across the gateway.
package utils

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter counts tokens with the model's tokenizer when tiktoken knows
// the model, falling back to cl100k_base.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

var (
	// Encodings are expensive to build; cache per model.
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// NewTokenCounter creates a counter for the given model.
func NewTokenCounter(model string) (*TokenCounter, error) {
	cacheMu.RLock()
	cached, exists := encodingCache[model]
	cacheMu.RUnlock()

	if exists {
		return &TokenCounter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &TokenCounter{encoding: encoding, model: model}, nil
}

// Count returns the token count for text.
func (tc *TokenCounter) Count(text string) int {
	return len(tc.encoding.Encode(text, nil, nil))
}

// Model returns the model name this counter is configured for.
func (tc *TokenCounter) Model() string {
	return tc.model
}

// CountTokens counts text for a model, estimating when no tokenizer can be
// built. The estimate is the documented fallback of one token per four bytes.
func CountTokens(text, model string) int {
	tc, err := NewTokenCounter(model)
	if err != nil {
		return EstimateTokens(text)
	}
	return tc.Count(text)
}

// EstimateTokens gives a rough count of roughly four characters per token.
func EstimateTokens(text string) int {
	return len(text) / 4
}
