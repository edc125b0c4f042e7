package optim

import (
	"math"

	"github.com/born-ml/tinyllama/internal/nn"
)

// GradNorm returns the global L2 norm of all gradients. The result is +Inf
// or NaN when any gradient is non-finite.
func GradNorm(params []*nn.Parameter) float64 {
	var ss float64
	for _, p := range params {
		for _, g := range p.GradData() {
			ss += float64(g) * float64(g)
		}
	}
	return math.Sqrt(ss)
}

// ClipGradNorm rescales gradients in place so their global L2 norm is at
// most maxNorm, and returns the norm before clipping. maxNorm <= 0 only
// measures.
func ClipGradNorm(params []*nn.Parameter, maxNorm float64) float64 {
	norm := GradNorm(params)
	if maxNorm <= 0 || norm <= maxNorm || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return norm
	}

	coef := float32(maxNorm / (norm + 1e-6))
	for _, p := range params {
		g := p.GradData()
		for i := range g {
			g[i] *= coef
		}
	}
	return norm
}
