// Package optim implements the optimizers and gradient utilities of the
// training loop.
//
// This package provides:
//   - Optimizer interface: Step, ZeroGrad, learning-rate access, state dicts
//   - AdamW: Adam with decoupled weight decay on matrix parameters
//   - SGD: stochastic gradient descent with optional momentum
//   - ClipGradNorm: global L2 norm clipping
//   - GradScaler: dynamic loss scaling for reduced-precision training
//
// Optimizers read gradients accumulated in nn.Parameter and update the
// values in place.
//
// Example usage:
//
//	opt := optim.NewAdamW(model.Parameters(), optim.AdamWConfig{
//	    LR:          6e-4,
//	    WeightDecay: 0.1,
//	})
//
//	loss, _ := model.Forward(x, y, batch, seq, true)
//	_ = model.Backward(1)
//	optim.ClipGradNorm(model.Parameters(), 1.0)
//	opt.Step()
//	opt.ZeroGrad()
package optim

import (
	"encoding/binary"
	"fmt"

	"github.com/born-ml/tinyllama/internal/nn"
	"github.com/born-ml/tinyllama/internal/tensor"
)

// Optimizer type names stored in checkpoints.
const (
	TypeAdamW = "adamw"
	TypeSGD   = "sgd"
)

// Optimizer is the base interface for all optimization algorithms.
type Optimizer interface {
	// Step applies one update from the accumulated gradients.
	Step()

	// ZeroGrad clears all parameter gradients.
	ZeroGrad()

	// GetLR returns the current learning rate.
	GetLR() float32

	// SetLR sets the learning rate used by the next Step.
	SetLR(lr float32)

	// StateDict exports the optimizer state keyed by parameter name.
	StateDict() map[string]*tensor.RawTensor

	// LoadStateDict restores state exported by StateDict.
	LoadStateDict(state map[string]*tensor.RawTensor) error

	// Config returns the hyperparameters recorded in checkpoints.
	Config() map[string]any
}

// New builds an optimizer by type name. SGD takes beta1 as its momentum.
func New(typ string, params []*nn.Parameter, cfg AdamWConfig) (Optimizer, error) {
	switch typ {
	case TypeAdamW, "":
		return NewAdamW(params, cfg), nil
	case TypeSGD:
		return NewSGD(params, SGDConfig{LR: cfg.LR, Momentum: cfg.Betas[0]}), nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q", typ)
	}
}

const stepKey = "step"

func stepTensor(step int64) *tensor.RawTensor {
	t := tensor.MustRaw(tensor.Shape{1}, tensor.Int64)
	binary.LittleEndian.PutUint64(t.Data(), uint64(step)) //nolint:gosec // G115: step is non-negative
	return t
}

func readStep(state map[string]*tensor.RawTensor) (int64, error) {
	t, ok := state[stepKey]
	if !ok {
		return 0, fmt.Errorf("optimizer state missing %q", stepKey)
	}
	if t.DType() != tensor.Int64 || t.NumElements() != 1 {
		return 0, fmt.Errorf("optimizer %q must be a single int64, got %s %v", stepKey, t.DType(), t.Shape())
	}
	return int64(binary.LittleEndian.Uint64(t.Data())), nil //nolint:gosec // G115: written by stepTensor
}

// loadBuffer copies state[key] into dst after checking its shape.
func loadBuffer(state map[string]*tensor.RawTensor, key string, dst *tensor.RawTensor) error {
	src, ok := state[key]
	if !ok {
		return fmt.Errorf("optimizer state missing %q", key)
	}
	if !src.Shape().Equal(dst.Shape()) || src.DType() != tensor.Float32 {
		return fmt.Errorf("optimizer state %q: got %s %v, want float32 %v", key, src.DType(), src.Shape(), dst.Shape())
	}
	copy(dst.AsFloat32(), src.AsFloat32())
	return nil
}

func zeroGrads(params []*nn.Parameter) {
	for _, p := range params {
		p.ZeroGrad()
	}
}
