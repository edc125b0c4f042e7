package nn

import (
	"math"

	"github.com/born-ml/tinyllama/internal/parallel"
	"github.com/born-ml/tinyllama/internal/tensor"
)

// RMSNorm applies Root Mean Square Normalization along the last dimension.
//
// Formula: y = x / sqrt(mean(x²) + eps) * gamma
//
// The forward pass keeps 1/rms per row for the backward pass.
type RMSNorm struct {
	Weight  *Parameter // gamma [d_model], initialized to ones
	Epsilon float32
	dim     int
}

// NewRMSNorm creates a new RMSNorm layer named name.weight.
func NewRMSNorm(name string, dim int, eps float32) *RMSNorm {
	w := NewParameter(name+".weight", tensor.Shape{dim})
	initOnes(w)
	return &RMSNorm{Weight: w, Epsilon: eps, dim: dim}
}

// Forward normalizes rows of x [n, dim] into y and returns 1/rms per row.
func (r *RMSNorm) Forward(y, x []float32, n int, cfg parallel.Config) []float32 {
	d := r.dim
	g := r.Weight.Data()
	rinv := make([]float32, n)

	parallel.For(n, func(i int) {
		row := x[i*d : (i+1)*d]
		var ss float64
		for _, v := range row {
			ss += float64(v) * float64(v)
		}
		ri := float32(1 / math.Sqrt(ss/float64(d)+float64(r.Epsilon)))
		rinv[i] = ri

		out := y[i*d : (i+1)*d]
		for j, v := range row {
			out[j] = v * ri * g[j]
		}
	}, cfg)

	return rinv
}

// Backward accumulates dx += ∂L/∂x and the gamma gradient.
//
//	dx_j = r·g_j·dy_j - x_j·r³/D · Σ_k dy_k·g_k·x_k
//	dg_j = Σ_rows dy_j·x_j·r
func (r *RMSNorm) Backward(dx, dy, x, rinv []float32, n int, cfg parallel.Config) {
	d := r.dim
	g := r.Weight.Data()

	parallel.For(n, func(i int) {
		xr := x[i*d : (i+1)*d]
		dyr := dy[i*d : (i+1)*d]
		ri := float64(rinv[i])

		var dot float64
		for j := range xr {
			dot += float64(dyr[j]) * float64(g[j]) * float64(xr[j])
		}
		coef := dot * ri * ri * ri / float64(d)

		dxr := dx[i*d : (i+1)*d]
		for j := range xr {
			dxr[j] += float32(ri*float64(g[j])*float64(dyr[j]) - float64(xr[j])*coef)
		}
	}, cfg)

	dg := r.Weight.GradData()
	for i := 0; i < n; i++ {
		ri := rinv[i]
		xr := x[i*d : (i+1)*d]
		dyr := dy[i*d : (i+1)*d]
		for j := range xr {
			dg[j] += dyr[j] * xr[j] * ri
		}
	}
}
