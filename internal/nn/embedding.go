package nn

import (
	"fmt"

	"github.com/born-ml/tinyllama/internal/tensor"
)

// Embedding maps token ids to rows of a [vocab, dim] table.
type Embedding struct {
	Weight    *Parameter
	vocabSize int
	dim       int
}

// NewEmbedding creates an embedding table named name.weight.
func NewEmbedding(name string, vocabSize, dim int) *Embedding {
	return &Embedding{
		Weight:    NewParameter(name+".weight", tensor.Shape{vocabSize, dim}),
		vocabSize: vocabSize,
		dim:       dim,
	}
}

// Forward gathers rows for tokens into out [len(tokens), dim].
func (e *Embedding) Forward(out []float32, tokens []int32) error {
	w := e.Weight.Data()
	d := e.dim
	for i, tok := range tokens {
		if tok < 0 || int(tok) >= e.vocabSize {
			return fmt.Errorf("token id %d out of range [0, %d)", tok, e.vocabSize)
		}
		copy(out[i*d:(i+1)*d], w[int(tok)*d:(int(tok)+1)*d])
	}
	return nil
}

// Backward scatter-adds dy rows into the table gradient.
func (e *Embedding) Backward(dy []float32, tokens []int32) {
	g := e.Weight.GradData()
	d := e.dim
	for i, tok := range tokens {
		row := g[int(tok)*d : (int(tok)+1)*d]
		for j, v := range dy[i*d : (i+1)*d] {
			row[j] += v
		}
	}
}
