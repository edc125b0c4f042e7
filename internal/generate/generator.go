package generate

import (
	"context"
	"errors"
	"fmt"

	"github.com/born-ml/tinyllama/internal/tokenizer"
)

// Why generation stopped.
const (
	StopEOS       = "eos"
	StopMaxTokens = "max_tokens"
	StopContext   = "max_seq_len"
)

// ErrEmptyPrompt is returned when the prompt encodes to no tokens and the
// tokenizer has no BOS to start from.
var ErrEmptyPrompt = errors.New("empty prompt")

// Model returns next-token logits for a token sequence.
type Model interface {
	Logits(tokens []int32) ([]float32, error)
}

// Options configure Generate.
type Options struct {
	MaxNewTokens int
	MaxSeqLen    int // context length of the model
	Sampling     SamplingConfig

	// OnToken, when set, receives every generated token and its text.
	OnToken func(id int32, text string)
}

// Result is a finished generation.
type Result struct {
	Prompt []int32 // encoded prompt, BOS included
	Tokens []int32 // generated ids, EOS included when hit
	Text   string  // decoded Tokens, EOS excluded
	Reason string
}

// Generate continues prompt one token at a time until the tokenizer's EOS,
// MaxNewTokens, or a context of MaxSeqLen tokens.
func Generate(ctx context.Context, m Model, tok tokenizer.Tokenizer, prompt string, opts Options) (Result, error) {
	if opts.MaxSeqLen <= 0 {
		return Result{}, fmt.Errorf("max_seq_len must be positive, got %d", opts.MaxSeqLen)
	}

	ids, err := tok.Encode(prompt)
	if err != nil {
		return Result{}, fmt.Errorf("encode prompt: %w", err)
	}
	if bos := tok.BosToken(); bos >= 0 {
		ids = append([]int32{bos}, ids...)
	}
	if len(ids) == 0 {
		return Result{}, ErrEmptyPrompt
	}
	if len(ids) >= opts.MaxSeqLen {
		return Result{}, fmt.Errorf("prompt of %d tokens leaves no room in a context of %d", len(ids), opts.MaxSeqLen)
	}

	res := Result{Prompt: ids}
	sampler := NewSampler(opts.Sampling)
	eos := tok.EosToken()
	seq := append([]int32(nil), ids...)

	for len(res.Tokens) < opts.MaxNewTokens {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if len(seq) >= opts.MaxSeqLen {
			res.Reason = StopContext
			break
		}

		logits, err := m.Logits(seq)
		if err != nil {
			return res, fmt.Errorf("forward: %w", err)
		}
		next := sampler.Sample(logits, seq)
		seq = append(seq, next)
		res.Tokens = append(res.Tokens, next)

		if next == eos {
			res.Reason = StopEOS
			break
		}
		if opts.OnToken != nil {
			text, err := tok.Decode([]int32{next})
			if err != nil {
				return res, fmt.Errorf("decode: %w", err)
			}
			opts.OnToken(next, text)
		}
	}
	if res.Reason == "" {
		res.Reason = StopMaxTokens
	}

	body := res.Tokens
	if res.Reason == StopEOS {
		body = body[:len(body)-1]
	}
	res.Text, err = tok.Decode(body)
	if err != nil {
		return res, fmt.Errorf("decode: %w", err)
	}
	return res, nil
}
