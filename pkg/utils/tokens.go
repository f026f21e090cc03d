// Package utils provides tiktoken-based token counting utilities.
package utils

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter provides deterministic token-cost estimates for context
// payloads. All estimates use the GPT-4 encoding, which is a close enough
// proxy across the supported collaborator models.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter creates a token counter backed by the GPT-4 codec.
func NewTokenCounter() (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec: %w", err)
	}
	return &TokenCounter{codec: codec}, nil
}

// CountTokens returns the number of tokens in the given text.
// Falls back to a character-based estimate (4 chars per token) when the
// codec cannot tokenize the input.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc == nil || tc.codec == nil {
		return len(text) / 4
	}

	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// CountPair returns the combined token estimate of a key/value pair as it
// would be serialized into a collaborator prompt.
func (tc *TokenCounter) CountPair(key, value string) int {
	return tc.CountTokens(key) + tc.CountTokens(value)
}
