package nn

import (
	"math"

	"github.com/born-ml/tinyllama/internal/parallel"
	"github.com/born-ml/tinyllama/internal/tensor"
)

// SwiGLUFFN is the Llama feed-forward block:
//
//	FFN(x) = w2( silu(w1 x) ⊙ w3 x )
//
// with w1, w3 [hidden, dim] and w2 [dim, hidden].
type SwiGLUFFN struct {
	W1, W2, W3 *Parameter

	dim    int
	hidden int
}

type ffnCache struct {
	x    []float32 // normalized input [n, dim]
	gate []float32 // w1 x, pre-activation [n, hidden]
	up   []float32 // w3 x [n, hidden]
	h    []float32 // silu(gate) ⊙ up [n, hidden]
}

// NewSwiGLUFFN creates the block under prefix (e.g. "layers.0.feed_forward").
func NewSwiGLUFFN(prefix string, dim, hidden int) *SwiGLUFFN {
	return &SwiGLUFFN{
		W1:     NewParameter(prefix+".w1.weight", tensor.Shape{hidden, dim}),
		W2:     NewParameter(prefix+".w2.weight", tensor.Shape{dim, hidden}),
		W3:     NewParameter(prefix+".w3.weight", tensor.Shape{hidden, dim}),
		dim:    dim,
		hidden: hidden,
	}
}

// Parameters returns the projections in canonical order.
func (f *SwiGLUFFN) Parameters() []*Parameter {
	return []*Parameter{f.W1, f.W2, f.W3}
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

// Forward computes y [n, dim].
func (f *SwiGLUFFN) Forward(y, x []float32, n int, cfg parallel.Config) *ffnCache {
	c := &ffnCache{
		x:    x,
		gate: make([]float32, n*f.hidden),
		up:   make([]float32, n*f.hidden),
		h:    make([]float32, n*f.hidden),
	}
	linearForward(c.gate, x, f.W1.Data(), n, f.dim, f.hidden)
	linearForward(c.up, x, f.W3.Data(), n, f.dim, f.hidden)

	parallel.For(n, func(i int) {
		lo, hi := i*f.hidden, (i+1)*f.hidden
		for j := lo; j < hi; j++ {
			a := c.gate[j]
			c.h[j] = a * sigmoid(a) * c.up[j]
		}
	}, cfg)

	linearForward(y, c.h, f.W2.Data(), n, f.hidden, f.dim)
	return c
}

// Backward accumulates parameter gradients and dx += ∂L/∂x given dy.
//
//	silu'(a) = σ(a)·(1 + a·(1 - σ(a)))
func (f *SwiGLUFFN) Backward(dx, dy []float32, c *ffnCache, n int, cfg parallel.Config) {
	dh := make([]float32, n*f.hidden)
	linearBackward(dh, f.W2.GradData(), dy, c.h, f.W2.Data(), n, f.hidden, f.dim)

	dgate := make([]float32, n*f.hidden)
	dup := make([]float32, n*f.hidden)
	parallel.For(n, func(i int) {
		lo, hi := i*f.hidden, (i+1)*f.hidden
		for j := lo; j < hi; j++ {
			a := c.gate[j]
			s := sigmoid(a)
			dup[j] = dh[j] * a * s
			dgate[j] = dh[j] * c.up[j] * s * (1 + a*(1-s))
		}
	}, cfg)

	linearBackward(dx, f.W1.GradData(), dgate, c.x, f.W1.Data(), n, f.dim, f.hidden)
	linearBackward(dx, f.W3.GradData(), dup, c.x, f.W3.Data(), n, f.dim, f.hidden)
}
