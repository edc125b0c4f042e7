package nn

import (
	"math"

	"github.com/born-ml/tinyllama/internal/parallel"
)

// IgnoreIndex marks target positions excluded from the loss.
const IgnoreIndex = -1

// crossEntropy computes the mean softmax cross-entropy of logits [n, vocab]
// against targets. Logits are overwritten in place with the softmax
// probabilities for the backward pass. Targets equal to IgnoreIndex are
// skipped; count is the number of scored rows.
func crossEntropy(logits []float32, targets []int32, n, vocab int, cfg parallel.Config) (loss float64, count int) {
	losses := make([]float64, n)

	parallel.For(n, func(i int) {
		row := logits[i*vocab : (i+1)*vocab]
		maxv := row[0]
		for _, v := range row[1:] {
			if v > maxv {
				maxv = v
			}
		}
		var sum float64
		for j, v := range row {
			e := math.Exp(float64(v - maxv))
			row[j] = float32(e)
			sum += e
		}
		inv := 1 / sum
		for j := range row {
			row[j] = float32(float64(row[j]) * inv)
		}

		if t := targets[i]; t != IgnoreIndex {
			p := math.Max(float64(row[t]), 1e-30)
			losses[i] = -math.Log(p)
		}
	}, cfg)

	for i, t := range targets[:n] {
		if t != IgnoreIndex {
			loss += losses[i]
			count++
		}
	}
	if count == 0 {
		return 0, 0
	}
	return loss / float64(count), count
}

// crossEntropyBackward turns probs into dlogits = scale·(p - onehot)/count,
// in place. Ignored rows get a zero gradient.
func crossEntropyBackward(probs []float32, targets []int32, n, vocab, count int, scale float32) {
	if count == 0 {
		for i := range probs[:n*vocab] {
			probs[i] = 0
		}
		return
	}
	k := scale / float32(count)
	for i := 0; i < n; i++ {
		row := probs[i*vocab : (i+1)*vocab]
		t := targets[i]
		if t == IgnoreIndex {
			for j := range row {
				row[j] = 0
			}
			continue
		}
		for j := range row {
			row[j] *= k
		}
		row[t] -= k
	}
}
