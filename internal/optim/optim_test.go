package optim_test

import (
	"math"
	"testing"

	"github.com/born-ml/tinyllama/internal/nn"
	"github.com/born-ml/tinyllama/internal/optim"
	"github.com/born-ml/tinyllama/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Helper to check float equality with tolerance.
func floatEqual(a, b, eps float32) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff < eps
}

func newParam(name string, shape tensor.Shape, values, grads []float32) *nn.Parameter {
	p := nn.NewParameter(name, shape)
	copy(p.Data(), values)
	copy(p.GradData(), grads)
	return p
}

func TestSGD_SimpleUpdate(t *testing.T) {
	x := newParam("x", tensor.Shape{1}, []float32{2}, []float32{1})
	opt := optim.NewSGD([]*nn.Parameter{x}, optim.SGDConfig{LR: 0.1})

	opt.Step()

	// x_new = 2.0 - 0.1 * 1.0
	if got := x.Data()[0]; !floatEqual(got, 1.9, 1e-6) {
		t.Errorf("SGD update: got %f, want %f", got, 1.9)
	}
	assert.Empty(t, opt.StateDict())
}

func TestSGD_WithMomentum(t *testing.T) {
	x := newParam("x", tensor.Shape{1}, []float32{1}, []float32{1})
	opt := optim.NewSGD([]*nn.Parameter{x}, optim.SGDConfig{LR: 0.1, Momentum: 0.9})

	opt.Step() // v = 1, x = 0.9
	opt.Step() // v = 1.9, x = 0.71

	if got := x.Data()[0]; !floatEqual(got, 0.71, 1e-6) {
		t.Errorf("after two momentum steps: got %f, want 0.71", got)
	}

	state := opt.StateDict()
	require.Contains(t, state, "velocity.x")
	assert.InDelta(t, 1.9, state["velocity.x"].AsFloat32()[0], 1e-6)

	fresh := optim.NewSGD([]*nn.Parameter{x}, optim.SGDConfig{LR: 0.1, Momentum: 0.9})
	require.NoError(t, fresh.LoadStateDict(state))
	assert.Equal(t, state["velocity.x"].AsFloat32(), fresh.StateDict()["velocity.x"].AsFloat32())
}

func TestAdamW_FirstStep(t *testing.T) {
	// The first bias-corrected step moves each weight by lr·sign(g).
	x := newParam("x", tensor.Shape{3}, []float32{1, 1, 1}, []float32{0.5, -2, 1e-3})
	opt := optim.NewAdamW([]*nn.Parameter{x}, optim.AdamWConfig{LR: 0.01})

	opt.Step()

	want := []float32{0.99, 1.01, 0.99}
	for i, w := range want {
		if !floatEqual(x.Data()[i], w, 1e-4) {
			t.Errorf("x[%d] = %f, want %f", i, x.Data()[i], w)
		}
	}
	assert.Equal(t, int64(1), opt.GetTimestep())
}

func TestAdamW_WeightDecayOnlyOnMatrices(t *testing.T) {
	matrix := newParam("w", tensor.Shape{1, 2}, []float32{2, 2}, nil)
	gain := newParam("norm.weight", tensor.Shape{2}, []float32{2, 2}, nil)
	opt := optim.NewAdamW([]*nn.Parameter{matrix, gain}, optim.AdamWConfig{LR: 0.1, WeightDecay: 0.5})

	// Zero gradients: only decay moves the weights.
	opt.Step()

	assert.InDeltaSlice(t, []float32{1.9, 1.9}, matrix.Data(), 1e-6)
	assert.Equal(t, []float32{2, 2}, gain.Data())
}

func TestAdamW_Minimizes(t *testing.T) {
	// f(x) = Σ (x - 3)²
	x := newParam("x", tensor.Shape{4}, []float32{0, 1, 5, -2}, nil)
	opt := optim.NewAdamW([]*nn.Parameter{x}, optim.AdamWConfig{LR: 0.1})

	const steps = 500
	for k := range steps {
		opt.SetLR(0.1 * float32(steps-k) / steps)
		for i, v := range x.Data() {
			x.GradData()[i] = 2 * (v - 3)
		}
		opt.Step()
		opt.ZeroGrad()
	}

	for i, v := range x.Data() {
		assert.InDelta(t, 3, v, 0.05, "x[%d]", i)
	}
}

func TestAdamW_StateDictRoundTrip(t *testing.T) {
	mk := func() (*nn.Parameter, *nn.Parameter) {
		return newParam("a", tensor.Shape{2, 2}, []float32{1, 2, 3, 4}, nil),
			newParam("b", tensor.Shape{2}, []float32{-1, 1}, nil)
	}
	a1, b1 := mk()
	opt1 := optim.NewAdamW([]*nn.Parameter{a1, b1}, optim.AdamWConfig{LR: 0.05, WeightDecay: 0.1})

	grads := func(a, b *nn.Parameter, k float32) {
		copy(a.GradData(), []float32{k, -k, 2 * k, 0.5})
		copy(b.GradData(), []float32{k, 3})
	}
	for k := range 3 {
		grads(a1, b1, float32(k+1))
		opt1.Step()
	}

	state := opt1.StateDict()
	assert.Len(t, state, 5)
	for _, key := range []string{"step", "exp_avg.a", "exp_avg_sq.a", "exp_avg.b", "exp_avg_sq.b"} {
		assert.Contains(t, state, key)
	}

	// Continue both from identical weights: updates must match exactly.
	a2, b2 := mk()
	copy(a2.Data(), a1.Data())
	copy(b2.Data(), b1.Data())
	opt2 := optim.NewAdamW([]*nn.Parameter{a2, b2}, optim.AdamWConfig{LR: 0.05, WeightDecay: 0.1})
	require.NoError(t, opt2.LoadStateDict(state))
	assert.Equal(t, int64(3), opt2.GetTimestep())

	grads(a1, b1, 7)
	grads(a2, b2, 7)
	opt1.Step()
	opt2.Step()
	assert.Equal(t, a1.Data(), a2.Data())
	assert.Equal(t, b1.Data(), b2.Data())
}

func TestAdamW_LoadStateDictErrors(t *testing.T) {
	p := newParam("a", tensor.Shape{2}, nil, nil)
	opt := optim.NewAdamW([]*nn.Parameter{p}, optim.AdamWConfig{})
	good := opt.StateDict()

	tests := []struct {
		name   string
		mutate func(map[string]*tensor.RawTensor)
		errMsg string
	}{
		{"missing step", func(s map[string]*tensor.RawTensor) { delete(s, "step") }, `missing "step"`},
		{"missing moment", func(s map[string]*tensor.RawTensor) { delete(s, "exp_avg_sq.a") }, `missing "exp_avg_sq.a"`},
		{"bad shape", func(s map[string]*tensor.RawTensor) {
			s["exp_avg.a"] = tensor.MustRaw(tensor.Shape{3}, tensor.Float32)
		}, "want float32"},
		{"bad step dtype", func(s map[string]*tensor.RawTensor) {
			s["step"] = tensor.MustRaw(tensor.Shape{1}, tensor.Float32)
		}, "single int64"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := make(map[string]*tensor.RawTensor)
			for k, v := range good {
				state[k] = v
			}
			tt.mutate(state)
			assert.ErrorContains(t, opt.LoadStateDict(state), tt.errMsg)
		})
	}
}

func TestOptimizer_LR(t *testing.T) {
	p := newParam("a", tensor.Shape{1}, nil, nil)
	for _, typ := range []string{optim.TypeAdamW, optim.TypeSGD} {
		opt, err := optim.New(typ, []*nn.Parameter{p}, optim.AdamWConfig{LR: 0.3})
		require.NoError(t, err)
		assert.Equal(t, float32(0.3), opt.GetLR(), typ)
		opt.SetLR(0.01)
		assert.Equal(t, float32(0.01), opt.GetLR(), typ)
	}

	_, err := optim.New("lion", nil, optim.AdamWConfig{})
	assert.ErrorContains(t, err, "unknown optimizer")
}

func TestClipGradNorm(t *testing.T) {
	a := newParam("a", tensor.Shape{2}, nil, []float32{3, 0})
	b := newParam("b", tensor.Shape{1}, nil, []float32{4})
	params := []*nn.Parameter{a, b}

	norm := optim.ClipGradNorm(params, 10)
	assert.InDelta(t, 5, norm, 1e-9)
	assert.Equal(t, []float32{3, 0}, a.GradData(), "below the limit nothing changes")

	norm = optim.ClipGradNorm(params, 1)
	assert.InDelta(t, 5, norm, 1e-9)
	assert.InDelta(t, 1, optim.GradNorm(params), 1e-5)
	assert.InDelta(t, 0.6, a.GradData()[0], 1e-5)
	assert.InDelta(t, 0.8, b.GradData()[0], 1e-5)

	b.GradData()[0] = float32(math.Inf(1))
	assert.True(t, math.IsInf(optim.ClipGradNorm(params, 1), 1))
}

func TestGradScaler(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		s := optim.NewGradScaler(false)
		assert.Equal(t, float32(1), s.Scale())
		p := newParam("a", tensor.Shape{1}, nil, []float32{2})
		assert.True(t, s.Unscale([]*nn.Parameter{p}))
		assert.Equal(t, float32(2), p.GradData()[0])
		s.Update(true)
		assert.Equal(t, float32(1), s.Scale())
	})

	t.Run("unscale", func(t *testing.T) {
		s := optim.NewGradScaler(true)
		assert.Equal(t, float32(65536), s.Scale())
		p := newParam("a", tensor.Shape{2}, nil, []float32{65536, -131072})
		assert.True(t, s.Unscale([]*nn.Parameter{p}))
		assert.Equal(t, []float32{1, -2}, p.GradData())

		p.GradData()[1] = float32(math.NaN())
		assert.False(t, s.Unscale([]*nn.Parameter{p}))
	})

	t.Run("backoff and growth", func(t *testing.T) {
		s := optim.NewGradScaler(true)
		s.Update(true)
		assert.Equal(t, float32(32768), s.Scale())

		for range optim.DefaultGrowthInterval - 1 {
			s.Update(false)
		}
		assert.Equal(t, float32(32768), s.Scale())
		s.Update(false)
		assert.Equal(t, float32(65536), s.Scale())

		// An overflow resets the growth counter.
		for range optim.DefaultGrowthInterval - 1 {
			s.Update(false)
		}
		s.Update(true)
		s.Update(false)
		assert.Equal(t, float32(32768), s.Scale())
	})
}
