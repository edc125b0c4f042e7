package tokenizer

import (
	"errors"
	"fmt"
	"math"
)

// ErrVocabTooLarge is returned when token ids cannot be stored as uint16.
var ErrVocabTooLarge = errors.New("tokenizer vocabulary does not fit uint16")

// Tokenizer is the core interface for text tokenization.
//
// All tokenizer implementations (tiktoken, BPE) must implement this interface.
type Tokenizer interface {
	// Encode converts text to token IDs without any BOS/EOS markers.
	Encode(text string) ([]int32, error)

	// Decode converts token IDs back to text.
	Decode(tokens []int32) (string, error)

	// VocabSize returns the total vocabulary size, special tokens included.
	VocabSize() int

	// BosToken returns the beginning-of-sequence token ID.
	// Returns -1 if not applicable.
	BosToken() int32

	// EosToken returns the end-of-sequence token ID.
	// Returns -1 if not applicable.
	EosToken() int32

	// PadToken returns the padding token ID.
	// Returns -1 if not applicable.
	PadToken() int32

	// UnkToken returns the unknown token ID.
	// Returns -1 if not applicable.
	UnkToken() int32

	// IsSpecialToken checks if a token ID is a special token.
	IsSpecialToken(token int32) bool
}

// EncodeWithMarkers encodes text and optionally wraps it in BOS/EOS.
//
// Tokenizers without a BOS id (GPT-2 style) use their EOS id as the
// document separator in both positions.
func EncodeWithMarkers(tok Tokenizer, text string, bos, eos bool) ([]int32, error) {
	ids, err := tok.Encode(text)
	if err != nil {
		return nil, err
	}

	bosID, eosID := tok.BosToken(), tok.EosToken()
	if bosID < 0 {
		bosID = eosID
	}
	if bos && bosID < 0 {
		return nil, fmt.Errorf("tokenizer has neither BOS nor EOS token")
	}
	if eos && eosID < 0 {
		return nil, fmt.Errorf("tokenizer has no EOS token")
	}

	out := make([]int32, 0, len(ids)+2)
	if bos {
		out = append(out, bosID)
	}
	out = append(out, ids...)
	if eos {
		out = append(out, eosID)
	}
	return out, nil
}

// CheckUint16 rejects tokenizers whose ids cannot be written to a uint16 shard.
func CheckUint16(tok Tokenizer) error {
	if n := tok.VocabSize(); n > math.MaxUint16+1 {
		return fmt.Errorf("%w: vocab size %d", ErrVocabTooLarge, n)
	}
	return nil
}
