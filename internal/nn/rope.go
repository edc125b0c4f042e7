package nn

import (
	"math"

	"github.com/born-ml/tinyllama/internal/parallel"
)

// ropeTheta is the base of the rotary frequencies.
const ropeTheta = 10000.0

// RotaryEmbedding applies Rotary Position Embedding to interleaved pairs:
// element (2i, 2i+1) of every head is rotated by angle pos·θ^(-2i/headDim).
//
// This pairing differs from the HuggingFace Llama layout (first half /
// second half), which is why q and k weights are permuted on export.
type RotaryEmbedding struct {
	headDim int
	cos     []float32 // [maxSeqLen, headDim/2]
	sin     []float32
}

// NewRotaryEmbedding precomputes rotation tables for maxSeqLen positions.
func NewRotaryEmbedding(headDim, maxSeqLen int) *RotaryEmbedding {
	half := headDim / 2
	r := &RotaryEmbedding{
		headDim: headDim,
		cos:     make([]float32, maxSeqLen*half),
		sin:     make([]float32, maxSeqLen*half),
	}
	for pos := 0; pos < maxSeqLen; pos++ {
		for i := 0; i < half; i++ {
			freq := 1.0 / math.Pow(ropeTheta, float64(2*i)/float64(headDim))
			angle := float64(pos) * freq
			r.cos[pos*half+i] = float32(math.Cos(angle))
			r.sin[pos*half+i] = float32(math.Sin(angle))
		}
	}
	return r
}

// Apply rotates x [batch*seqLen, heads*headDim] in place.
func (r *RotaryEmbedding) Apply(x []float32, rows, seqLen, heads int, cfg parallel.Config) {
	r.rotate(x, rows, seqLen, heads, 1, cfg)
}

// Backward rotates the gradient by the inverse angle in place.
func (r *RotaryEmbedding) Backward(dx []float32, rows, seqLen, heads int, cfg parallel.Config) {
	r.rotate(dx, rows, seqLen, heads, -1, cfg)
}

func (r *RotaryEmbedding) rotate(x []float32, rows, seqLen, heads int, sign float32, cfg parallel.Config) {
	hd, half := r.headDim, r.headDim/2
	width := heads * hd

	parallel.For(rows, func(row int) {
		pos := row % seqLen
		c := r.cos[pos*half : (pos+1)*half]
		s := r.sin[pos*half : (pos+1)*half]
		for h := 0; h < heads; h++ {
			v := x[row*width+h*hd : row*width+(h+1)*hd]
			for i := 0; i < half; i++ {
				x0, x1 := v[2*i], v[2*i+1]
				si := sign * s[i]
				v[2*i] = x0*c[i] - x1*si
				v[2*i+1] = x0*si + x1*c[i]
			}
		}
	}, cfg)
}
