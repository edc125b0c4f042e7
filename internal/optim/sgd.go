package optim

import (
	"github.com/born-ml/tinyllama/internal/nn"
	"github.com/born-ml/tinyllama/internal/tensor"
)

// SGD implements Stochastic Gradient Descent with optional momentum.
//
// Update rule without momentum:
//
//	param = param - lr * gradient
//
// Update rule with momentum:
//
//	velocity = momentum * velocity + gradient
//	param = param - lr * velocity
type SGD struct {
	params     []*nn.Parameter
	lr         float32
	momentum   float32
	velocities []*tensor.RawTensor
}

// SGDConfig holds configuration for SGD optimizer.
type SGDConfig struct {
	LR       float32 // Learning rate (default: 0.01)
	Momentum float32 // Momentum factor (default: 0.0, range: [0, 1))
}

// NewSGD creates a new SGD optimizer.
func NewSGD(params []*nn.Parameter, config SGDConfig) *SGD {
	if config.LR == 0 {
		config.LR = 0.01
	}

	s := &SGD{
		params:   params,
		lr:       config.LR,
		momentum: config.Momentum,
	}
	if s.momentum != 0 {
		s.velocities = make([]*tensor.RawTensor, len(params))
		for i, p := range params {
			s.velocities[i] = tensor.MustRaw(p.Shape(), tensor.Float32)
		}
	}
	return s
}

// Config returns the hyperparameters for checkpoint metadata.
func (s *SGD) Config() map[string]any {
	return map[string]any{"lr": s.lr, "momentum": s.momentum}
}

// Step performs a single optimization step.
func (s *SGD) Step() {
	for i, p := range s.params {
		data, grad := p.Data(), p.GradData()
		if s.momentum == 0 {
			for j := range data {
				data[j] -= s.lr * grad[j]
			}
			continue
		}

		vel := s.velocities[i].AsFloat32()
		for j := range data {
			vel[j] = s.momentum*vel[j] + grad[j]
			data[j] -= s.lr * vel[j]
		}
	}
}

// ZeroGrad clears gradients for all parameters.
func (s *SGD) ZeroGrad() {
	zeroGrads(s.params)
}

// GetLR returns the current learning rate.
func (s *SGD) GetLR() float32 {
	return s.lr
}

// SetLR updates the learning rate.
func (s *SGD) SetLR(lr float32) {
	s.lr = lr
}

// StateDict exports "velocity.<name>" buffers. Without momentum it
// returns an empty map.
func (s *SGD) StateDict() map[string]*tensor.RawTensor {
	state := make(map[string]*tensor.RawTensor)
	for i, v := range s.velocities {
		state["velocity."+s.params[i].Name()] = v.Clone()
	}
	return state
}

// LoadStateDict restores velocity buffers.
func (s *SGD) LoadStateDict(state map[string]*tensor.RawTensor) error {
	for i, v := range s.velocities {
		if err := loadBuffer(state, "velocity."+s.params[i].Name(), v); err != nil {
			return err
		}
	}
	return nil
}

var _ Optimizer = (*SGD)(nil)
