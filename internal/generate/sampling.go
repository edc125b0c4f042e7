// Package generate samples text from a trained model.
package generate

import (
	"math"
	"math/rand"
	"sort"
)

// SamplingConfig selects how the next token is drawn from the logits.
type SamplingConfig struct {
	// Temperature divides the logits. 0 picks the argmax.
	Temperature float32

	// TopK keeps the K most likely tokens. 0 keeps all.
	TopK int

	// TopP keeps the smallest set of tokens whose mass exceeds P. 1 keeps all.
	TopP float32

	// MinP drops tokens less likely than MinP times the most likely one.
	MinP float32

	RepeatPenalty float32 // 1 disables
	RepeatWindow  int     // recent tokens the penalty looks at, 0 = all

	// Seed fixes the draw. Negative seeds from the clock.
	Seed int64
}

// DefaultSamplingConfig matches the llama2.c sampler: temperature 1 and
// top-p 0.9.
func DefaultSamplingConfig() SamplingConfig {
	return SamplingConfig{
		Temperature:   1.0,
		TopP:          0.9,
		RepeatPenalty: 1.0,
		RepeatWindow:  64,
		Seed:          -1,
	}
}

// Sampler draws token ids from logits. It is not safe for concurrent use.
type Sampler struct {
	config SamplingConfig
	rng    *rand.Rand
}

// NewSampler returns a sampler for config.
func NewSampler(config SamplingConfig) *Sampler {
	seed := config.Seed
	if seed < 0 {
		seed = rand.Int63() //nolint:gosec // sampling, not security
	}
	return &Sampler{
		config: config,
		rng:    rand.New(rand.NewSource(seed)), //nolint:gosec // reproducible sampling
	}
}

// Sample returns the next token. logits is left untouched; prev feeds the
// repetition penalty.
//
// The filters run in order: repetition penalty, temperature, top-k,
// top-p, min-p.
func (s *Sampler) Sample(logits []float32, prev []int32) int32 {
	logits = append([]float32(nil), logits...)
	c := s.config

	if c.RepeatPenalty != 0 && c.RepeatPenalty != 1 && len(prev) > 0 {
		penalize(logits, window(prev, c.RepeatWindow), c.RepeatPenalty)
	}
	if c.Temperature <= 0 {
		return argmax(logits)
	}
	if c.Temperature != 1 {
		for i := range logits {
			logits[i] /= c.Temperature
		}
	}
	if c.TopK > 0 && c.TopK < len(logits) {
		topK(logits, c.TopK)
	}
	if c.TopP > 0 && c.TopP < 1 {
		topP(logits, c.TopP)
	}
	if c.MinP > 0 {
		minP(logits, c.MinP)
	}
	return s.draw(softmax(logits))
}

func window(prev []int32, n int) []int32 {
	if n > 0 && len(prev) > n {
		return prev[len(prev)-n:]
	}
	return prev
}

// penalize divides positive logits of seen tokens by p and multiplies
// negative ones, so a repeated token always loses mass.
func penalize(logits []float32, seen []int32, p float32) {
	done := make(map[int32]struct{}, len(seen))
	for _, tok := range seen {
		if _, ok := done[tok]; ok || tok < 0 || int(tok) >= len(logits) {
			continue
		}
		done[tok] = struct{}{}
		if logits[tok] > 0 {
			logits[tok] /= p
		} else {
			logits[tok] *= p
		}
	}
}

func argmax(logits []float32) int32 {
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}
	return int32(best) //nolint:gosec // bounded by vocab size
}

var negInf = float32(math.Inf(-1))

// topK masks everything below the k-th largest logit. Ties at the
// threshold survive.
func topK(logits []float32, k int) {
	sorted := append([]float32(nil), logits...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })
	threshold := sorted[k-1]
	for i, v := range logits {
		if v < threshold {
			logits[i] = negInf
		}
	}
}

// topP keeps the most likely tokens up to and including the one that
// pushes the cumulative probability past p.
func topP(logits []float32, p float32) {
	probs := softmax(logits)
	order := make([]int, len(probs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return probs[order[a]] > probs[order[b]] })

	var cum float32
	cut := len(order)
	for i, idx := range order {
		cum += probs[idx]
		if cum > p {
			cut = i + 1
			break
		}
	}
	for _, idx := range order[cut:] {
		logits[idx] = negInf
	}
}

func minP(logits []float32, p float32) {
	probs := softmax(logits)
	var top float32
	for _, v := range probs {
		top = max(top, v)
	}
	threshold := top * p
	for i, v := range probs {
		if v < threshold {
			logits[i] = negInf
		}
	}
}

// draw samples an index from a categorical distribution.
func (s *Sampler) draw(probs []float32) int32 {
	r := s.rng.Float32()
	var cum float32
	last := 0
	for i, p := range probs {
		if p == 0 {
			continue
		}
		cum += p
		last = i
		if r < cum {
			return int32(i) //nolint:gosec // bounded by vocab size
		}
	}
	// Rounding left r above the total mass.
	return int32(last) //nolint:gosec // bounded by vocab size
}

// softmax returns normalized probabilities. Masked (-Inf) logits get 0.
func softmax(logits []float32) []float32 {
	hi := negInf
	for _, v := range logits {
		hi = max(hi, v)
	}
	probs := make([]float32, len(logits))
	if math.IsInf(float64(hi), -1) {
		return probs
	}
	var sum float64
	for i, v := range logits {
		if math.IsInf(float64(v), -1) {
			continue
		}
		e := math.Exp(float64(v - hi))
		probs[i] = float32(e)
		sum += e
	}
	for i := range probs {
		probs[i] = float32(float64(probs[i]) / sum)
	}
	return probs
}
