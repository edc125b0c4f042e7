package tokenizer

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// tiktokenInfo holds the sizes tiktoken-go does not expose.
type tiktokenInfo struct {
	vocabSize int   // mergeable ranks plus special tokens
	eos       int32 // <|endoftext|>
	specialLo int32 // first special id
}

var tiktokenEncodings = map[string]tiktokenInfo{
	"r50k_base":   {vocabSize: 50257, eos: 50256, specialLo: 50256},
	"p50k_base":   {vocabSize: 50281, eos: 50256, specialLo: 50256},
	"cl100k_base": {vocabSize: 100277, eos: 100257, specialLo: 100257},
}

// modelEncodings maps common model names to tiktoken encodings.
var modelEncodings = map[string]string{
	"gpt2":                   "r50k_base",
	"gpt-4":                  "cl100k_base",
	"gpt-3.5-turbo":          "cl100k_base",
	"text-davinci-003":       "p50k_base",
	"text-embedding-ada-002": "cl100k_base",
}

func isTikTokenEncoding(name string) bool {
	_, ok := tiktokenEncodings[name]
	return ok
}

// TikToken wraps the pkoukk/tiktoken-go library for OpenAI tokenizers.
//
// Supported encodings:
//   - r50k_base: GPT-2, 50257 ids (fits uint16 shards)
//   - p50k_base: GPT-3, Codex
//   - cl100k_base: GPT-4, GPT-3.5-turbo (does not fit uint16 shards)
type TikToken struct {
	encoding *tiktoken.Tiktoken
	name     string
	info     tiktokenInfo
}

// NewTikToken creates a new TikToken tokenizer with the specified encoding.
func NewTikToken(encodingName string) (*TikToken, error) {
	info, ok := tiktokenEncodings[encodingName]
	if !ok {
		return nil, fmt.Errorf("unsupported tiktoken encoding %q", encodingName)
	}

	encoding, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("failed to load tiktoken encoding %q: %w", encodingName, err)
	}

	return &TikToken{
		encoding: encoding,
		name:     encodingName,
		info:     info,
	}, nil
}

// NewTikTokenForModel creates a TikToken tokenizer for a specific model.
//
// Example models: "gpt2", "gpt-4", "gpt-3.5-turbo".
func NewTikTokenForModel(modelName string) (*TikToken, error) {
	encodingName, ok := modelEncodings[modelName]
	if !ok {
		return nil, fmt.Errorf("no tiktoken encoding known for model %q", modelName)
	}

	tok, err := NewTikToken(encodingName)
	if err != nil {
		return nil, err
	}
	tok.name = modelName
	return tok, nil
}

// Encode converts text to token IDs. Special token text is encoded as
// ordinary text.
func (t *TikToken) Encode(text string) ([]int32, error) {
	tokens := t.encoding.EncodeOrdinary(text)

	result := make([]int32, len(tokens))
	for i, tok := range tokens {
		result[i] = int32(tok) //nolint:gosec // G115: Token ID fits in int32 - vocab size < 2^31.
	}

	return result, nil
}

// Decode converts token IDs back to text.
func (t *TikToken) Decode(tokens []int32) (string, error) {
	intTokens := make([]int, 0, len(tokens))
	for _, tok := range tokens {
		if int(tok) >= t.info.vocabSize || tok < 0 {
			return "", fmt.Errorf("token id %d out of vocab", tok)
		}
		intTokens = append(intTokens, int(tok))
	}

	return t.encoding.Decode(intTokens), nil
}

// VocabSize returns the total vocabulary size.
func (t *TikToken) VocabSize() int {
	return t.info.vocabSize
}

// BosToken returns -1: tiktoken encodings have no BOS token.
func (t *TikToken) BosToken() int32 {
	return -1
}

// EosToken returns the <|endoftext|> id.
func (t *TikToken) EosToken() int32 {
	return t.info.eos
}

// PadToken returns -1: tiktoken doesn't define a padding token.
func (t *TikToken) PadToken() int32 {
	return -1
}

// UnkToken returns -1: byte-level BPE never produces unknown tokens.
func (t *TikToken) UnkToken() int32 {
	return -1
}

// IsSpecialToken checks if a token ID is a special token.
func (t *TikToken) IsSpecialToken(token int32) bool {
	return token == t.info.eos || (token >= t.info.specialLo && int(token) < t.info.vocabSize)
}

// Name returns the tokenizer name.
func (t *TikToken) Name() string {
	return t.name
}
