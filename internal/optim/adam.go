package optim

import (
	"math"

	"github.com/born-ml/tinyllama/internal/nn"
	"github.com/born-ml/tinyllama/internal/tensor"
)

// AdamW implements Adam with decoupled weight decay (Loshchilov & Hutter).
//
// Update rule for each parameter p with gradient g at step t:
//
//	p   = p - lr * wd * p                      // only for rank >= 2
//	m_t = beta1 * m_{t-1} + (1-beta1) * g
//	v_t = beta2 * v_{t-1} + (1-beta2) * g²
//	p   = p - lr * m_hat / (sqrt(v_hat) + eps)
//
// Weight decay applies to matrices (embeddings, projections) and never to
// norm gains.
type AdamW struct {
	params []*nn.Parameter
	lr     float32
	beta1  float32
	beta2  float32
	eps    float32
	decay  float32
	t      int64
	m      []*tensor.RawTensor // First moment estimates
	v      []*tensor.RawTensor // Second moment estimates
}

// AdamWConfig holds configuration for AdamW.
type AdamWConfig struct {
	LR          float32    // Learning rate (default: 6e-4)
	Betas       [2]float32 // Running average coefficients (default: [0.9, 0.95])
	Eps         float32    // Numerical stability term (default: 1e-8)
	WeightDecay float32    // Decoupled weight decay for rank >= 2 parameters
}

// NewAdamW creates an AdamW optimizer over params. Moments are allocated
// up front so StateDict is complete from the first call.
func NewAdamW(params []*nn.Parameter, config AdamWConfig) *AdamW {
	if config.LR == 0 {
		config.LR = 6e-4
	}
	if config.Betas[0] == 0 {
		config.Betas[0] = 0.9
	}
	if config.Betas[1] == 0 {
		config.Betas[1] = 0.95
	}
	if config.Eps == 0 {
		config.Eps = 1e-8
	}

	a := &AdamW{
		params: params,
		lr:     config.LR,
		beta1:  config.Betas[0],
		beta2:  config.Betas[1],
		eps:    config.Eps,
		decay:  config.WeightDecay,
		m:      make([]*tensor.RawTensor, len(params)),
		v:      make([]*tensor.RawTensor, len(params)),
	}
	for i, p := range params {
		a.m[i] = tensor.MustRaw(p.Shape(), tensor.Float32)
		a.v[i] = tensor.MustRaw(p.Shape(), tensor.Float32)
	}
	return a
}

// Config returns the hyperparameters for checkpoint metadata.
func (a *AdamW) Config() map[string]any {
	return map[string]any{
		"lr":           a.lr,
		"beta1":        a.beta1,
		"beta2":        a.beta2,
		"eps":          a.eps,
		"weight_decay": a.decay,
	}
}

// Step performs a single AdamW update.
func (a *AdamW) Step() {
	a.t++

	biasCorrection1 := float32(1.0 - math.Pow(float64(a.beta1), float64(a.t)))
	biasCorrection2 := float32(1.0 - math.Pow(float64(a.beta2), float64(a.t)))

	for i, p := range a.params {
		decay := float32(0)
		if len(p.Shape()) >= 2 {
			decay = a.decay
		}
		a.updateParameter(p, a.m[i].AsFloat32(), a.v[i].AsFloat32(), decay, biasCorrection1, biasCorrection2)
	}
}

func (a *AdamW) updateParameter(p *nn.Parameter, m, v []float32, decay, biasCorrection1, biasCorrection2 float32) {
	data := p.Data()
	grad := p.GradData()
	shrink := 1 - a.lr*decay

	for i := range data {
		g := grad[i]
		m[i] = a.beta1*m[i] + (1-a.beta1)*g
		v[i] = a.beta2*v[i] + (1-a.beta2)*g*g

		mHat := m[i] / biasCorrection1
		vHat := v[i] / biasCorrection2

		data[i] = data[i]*shrink - a.lr*mHat/(float32(math.Sqrt(float64(vHat)))+a.eps)
	}
}

// ZeroGrad clears gradients for all parameters.
func (a *AdamW) ZeroGrad() {
	zeroGrads(a.params)
}

// GetLR returns the current learning rate.
func (a *AdamW) GetLR() float32 {
	return a.lr
}

// SetLR updates the learning rate.
func (a *AdamW) SetLR(lr float32) {
	a.lr = lr
}

// GetTimestep returns the number of steps taken.
func (a *AdamW) GetTimestep() int64 {
	return a.t
}

// StateDict exports "step", "exp_avg.<name>" and "exp_avg_sq.<name>".
// The moment tensors are copies.
func (a *AdamW) StateDict() map[string]*tensor.RawTensor {
	state := make(map[string]*tensor.RawTensor, 2*len(a.params)+1)
	state[stepKey] = stepTensor(a.t)
	for i, p := range a.params {
		state["exp_avg."+p.Name()] = a.m[i].Clone()
		state["exp_avg_sq."+p.Name()] = a.v[i].Clone()
	}
	return state
}

// LoadStateDict restores moments and the step counter. Every parameter
// must have both moments.
func (a *AdamW) LoadStateDict(state map[string]*tensor.RawTensor) error {
	step, err := readStep(state)
	if err != nil {
		return err
	}

	m := make([]*tensor.RawTensor, len(a.params))
	v := make([]*tensor.RawTensor, len(a.params))
	for i, p := range a.params {
		m[i] = tensor.MustRaw(p.Shape(), tensor.Float32)
		v[i] = tensor.MustRaw(p.Shape(), tensor.Float32)
		if err := loadBuffer(state, "exp_avg."+p.Name(), m[i]); err != nil {
			return err
		}
		if err := loadBuffer(state, "exp_avg_sq."+p.Name(), v[i]); err != nil {
			return err
		}
	}

	a.t, a.m, a.v = step, m, v
	return nil
}

var _ Optimizer = (*AdamW)(nil)

