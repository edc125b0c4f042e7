// Package nn implements the Llama-style decoder trained by tinyllama.
//
// The package provides:
//   - Parameter: float32 weights with an accumulated gradient
//   - RMSNorm, RotaryEmbedding, Attention (GQA), SwiGLUFFN, Embedding
//   - Transformer: the full model with Forward and a hand-written Backward
//
// There is no autodiff: every layer implements its own backward pass for
// the one architecture trained here. Matrix products go through gonum
// BLAS; per-row and per-head work fans out with internal/parallel.
package nn

import (
	"github.com/born-ml/tinyllama/internal/tensor"
)

// Module is the interface shared by trainable models.
//
// Parameters returns each trainable tensor once (tied weights appear once),
// in a stable order. StateDict maps canonical names to tensors; tied
// weights appear under every name they are known by.
type Module interface {
	Parameters() []*Parameter
	StateDict() map[string]*tensor.RawTensor
	LoadStateDict(stateDict map[string]*tensor.RawTensor) error
}
