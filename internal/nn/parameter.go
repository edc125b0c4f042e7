package nn

import (
	"github.com/born-ml/tinyllama/internal/tensor"
)

// Parameter represents a trainable float32 tensor and its gradient.
//
// The gradient has the parameter's shape and is allocated with it.
// Backward passes accumulate into it; ZeroGrad clears it.
//
// Example:
//
//	w := nn.NewParameter("layers.0.attention.wq.weight", tensor.Shape{dim, dim})
//	values := w.Data()     // []float32 view
//	grads := w.GradData()  // []float32 view
type Parameter struct {
	name  string
	value *tensor.RawTensor
	grad  *tensor.RawTensor
}

// NewParameter allocates a zero parameter and its gradient.
func NewParameter(name string, shape tensor.Shape) *Parameter {
	return &Parameter{
		name:  name,
		value: tensor.MustRaw(shape, tensor.Float32),
		grad:  tensor.MustRaw(shape, tensor.Float32),
	}
}

// Name returns the canonical parameter name.
func (p *Parameter) Name() string {
	return p.name
}

// Shape returns the parameter shape.
func (p *Parameter) Shape() tensor.Shape {
	return p.value.Shape()
}

// Tensor returns the parameter tensor.
func (p *Parameter) Tensor() *tensor.RawTensor {
	return p.value
}

// Grad returns the gradient tensor.
func (p *Parameter) Grad() *tensor.RawTensor {
	return p.grad
}

// Data returns a float32 view of the values.
func (p *Parameter) Data() []float32 {
	return p.value.AsFloat32()
}

// GradData returns a float32 view of the gradient.
func (p *Parameter) GradData() []float32 {
	return p.grad.AsFloat32()
}

// ZeroGrad clears the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	p.grad.Zero()
}
