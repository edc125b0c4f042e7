package nn

import (
	"math"

	"github.com/born-ml/tinyllama/internal/parallel"
	"github.com/born-ml/tinyllama/internal/tensor"
)

// Attention is causal multi-head self-attention with grouped-query support:
// nHeads query heads share nKVHeads key/value heads, nHeads/nKVHeads each.
//
// Weights (no bias):
//   - wq [nHeads*headDim, dim]
//   - wk, wv [nKVHeads*headDim, dim]
//   - wo [dim, nHeads*headDim]
type Attention struct {
	WQ, WK, WV, WO *Parameter

	dim      int
	nHeads   int
	nKVHeads int
	headDim  int
}

// attentionCache holds the activations Backward needs.
type attentionCache struct {
	x     []float32 // normalized input [n, dim]
	q     []float32 // rotated queries [n, nHeads*headDim]
	k     []float32 // rotated keys [n, nKVHeads*headDim]
	v     []float32 // [n, nKVHeads*headDim]
	probs []float32 // [batch, nHeads, seq, seq], causal
	out   []float32 // concatenated heads [n, nHeads*headDim]
}

// NewAttention creates the four projections under prefix (e.g. "layers.0.attention").
func NewAttention(prefix string, dim, nHeads, nKVHeads int) *Attention {
	hd := dim / nHeads
	return &Attention{
		WQ:       NewParameter(prefix+".wq.weight", tensor.Shape{nHeads * hd, dim}),
		WK:       NewParameter(prefix+".wk.weight", tensor.Shape{nKVHeads * hd, dim}),
		WV:       NewParameter(prefix+".wv.weight", tensor.Shape{nKVHeads * hd, dim}),
		WO:       NewParameter(prefix+".wo.weight", tensor.Shape{dim, nHeads * hd}),
		dim:      dim,
		nHeads:   nHeads,
		nKVHeads: nKVHeads,
		headDim:  hd,
	}
}

// Parameters returns the projections in canonical order.
func (a *Attention) Parameters() []*Parameter {
	return []*Parameter{a.WQ, a.WK, a.WV, a.WO}
}

// Forward computes y [batch*seq, dim] from the normalized input x.
func (a *Attention) Forward(y, x []float32, batch, seq int, rope *RotaryEmbedding, cfg parallel.Config) *attentionCache {
	n := batch * seq
	qd, kvd := a.nHeads*a.headDim, a.nKVHeads*a.headDim

	c := &attentionCache{
		x:     x,
		q:     make([]float32, n*qd),
		k:     make([]float32, n*kvd),
		v:     make([]float32, n*kvd),
		probs: make([]float32, batch*a.nHeads*seq*seq),
		out:   make([]float32, n*qd),
	}

	linearForward(c.q, x, a.WQ.Data(), n, a.dim, qd)
	linearForward(c.k, x, a.WK.Data(), n, a.dim, kvd)
	linearForward(c.v, x, a.WV.Data(), n, a.dim, kvd)
	rope.Apply(c.q, n, seq, a.nHeads, cfg)
	rope.Apply(c.k, n, seq, a.nKVHeads, cfg)

	hd := a.headDim
	group := a.nHeads / a.nKVHeads
	scale := 1 / math.Sqrt(float64(hd))

	parallel.ForBatch(batch, a.nHeads, func(b, h int) {
		kvh := h / group
		probs := c.probs[(b*a.nHeads+h)*seq*seq:]
		for t := 0; t < seq; t++ {
			qt := c.q[(b*seq+t)*qd+h*hd:][:hd]
			row := probs[t*seq : (t+1)*seq]

			maxv := math.Inf(-1)
			scores := make([]float64, t+1)
			for s := 0; s <= t; s++ {
				ks := c.k[(b*seq+s)*kvd+kvh*hd:][:hd]
				var dot float64
				for i := range qt {
					dot += float64(qt[i]) * float64(ks[i])
				}
				scores[s] = dot * scale
				maxv = math.Max(maxv, scores[s])
			}
			var sum float64
			for s := range scores {
				scores[s] = math.Exp(scores[s] - maxv)
				sum += scores[s]
			}

			ot := c.out[(b*seq+t)*qd+h*hd:][:hd]
			for s := 0; s <= t; s++ {
				p := float32(scores[s] / sum)
				row[s] = p
				vs := c.v[(b*seq+s)*kvd+kvh*hd:][:hd]
				for i := range ot {
					ot[i] += p * vs[i]
				}
			}
		}
	}, cfg)

	linearForward(y, c.out, a.WO.Data(), n, qd, a.dim)
	return c
}

// Backward accumulates parameter gradients and dx += ∂L/∂x given dy.
func (a *Attention) Backward(dx, dy []float32, c *attentionCache, batch, seq int, rope *RotaryEmbedding, cfg parallel.Config) {
	n := batch * seq
	qd, kvd := a.nHeads*a.headDim, a.nKVHeads*a.headDim
	hd := a.headDim
	group := a.nHeads / a.nKVHeads
	scale := float32(1 / math.Sqrt(float64(hd)))

	dout := make([]float32, n*qd)
	linearBackward(dout, a.WO.GradData(), dy, c.out, a.WO.Data(), n, qd, a.dim)

	dq := make([]float32, n*qd)
	dk := make([]float32, n*kvd)
	dv := make([]float32, n*kvd)

	// One task per kv head: the query heads of a group all write its dk/dv.
	parallel.ForBatch(batch, a.nKVHeads, func(b, kvh int) {
		dp := make([]float32, seq)
		for h := kvh * group; h < (kvh+1)*group; h++ {
			probs := c.probs[(b*a.nHeads+h)*seq*seq:]
			for t := 0; t < seq; t++ {
				row := probs[t*seq : (t+1)*seq]
				dot := dout[(b*seq+t)*qd+h*hd:][:hd]

				// dP[s] = dout_t · v_s and dv_s += P[t,s] · dout_t
				var sum float32
				for s := 0; s <= t; s++ {
					vs := c.v[(b*seq+s)*kvd+kvh*hd:][:hd]
					dvs := dv[(b*seq+s)*kvd+kvh*hd:][:hd]
					var d float32
					for i := range dot {
						d += dot[i] * vs[i]
						dvs[i] += row[s] * dot[i]
					}
					dp[s] = d
					sum += row[s] * d
				}

				// Softmax backward, then through the scaled dot product.
				qt := c.q[(b*seq+t)*qd+h*hd:][:hd]
				dqt := dq[(b*seq+t)*qd+h*hd:][:hd]
				for s := 0; s <= t; s++ {
					ds := row[s] * (dp[s] - sum) * scale
					ks := c.k[(b*seq+s)*kvd+kvh*hd:][:hd]
					dks := dk[(b*seq+s)*kvd+kvh*hd:][:hd]
					for i := range qt {
						dqt[i] += ds * ks[i]
						dks[i] += ds * qt[i]
					}
				}
			}
		}
	}, cfg)

	rope.Backward(dq, n, seq, a.nHeads, cfg)
	rope.Backward(dk, n, seq, a.nKVHeads, cfg)

	linearBackward(dx, a.WQ.GradData(), dq, c.x, a.WQ.Data(), n, a.dim, qd)
	linearBackward(dx, a.WK.GradData(), dk, c.x, a.WK.Data(), n, a.dim, kvd)
	linearBackward(dx, a.WV.GradData(), dv, c.x, a.WV.Data(), n, a.dim, kvd)
}
