package nn

import (
	"github.com/born-ml/airbench/internal/tensor"
)

// Parameter represents a trainable parameter in a neural network.
//
// The optimizer looks up a parameter's gradient in the map returned by
// autodiff.Backward using the parameter's raw tensor as the key, so a parameter's
// tensor is only ever updated in place.
//
// Example:
//
//	weight := nn.NewParameter("weight", weightTensor)
//	grad := grads[weight.Tensor().Raw()]
type Parameter[B tensor.Backend] struct {
	name   string                     // Parameter name (e.g., "weight", "shift")
	tensor *tensor.Tensor[float32, B] // The parameter tensor
	grad   *tensor.Tensor[float32, B] // Gradient tensor (set after backward pass)
}

// NewParameter creates a new trainable parameter.
func NewParameter[B tensor.Backend](name string, t *tensor.Tensor[float32, B]) *Parameter[B] {
	return &Parameter[B]{
		name:   name,
		tensor: t,
	}
}

// Name returns the parameter name.
func (p *Parameter[B]) Name() string {
	return p.name
}

// Tensor returns the parameter tensor.
func (p *Parameter[B]) Tensor() *tensor.Tensor[float32, B] {
	return p.tensor
}

// Shape returns the parameter shape.
func (p *Parameter[B]) Shape() tensor.Shape {
	return p.tensor.Shape()
}

// Grad returns the gradient tensor, or nil before a backward pass.
func (p *Parameter[B]) Grad() *tensor.Tensor[float32, B] {
	return p.grad
}

// SetGrad sets the gradient tensor.
func (p *Parameter[B]) SetGrad(grad *tensor.Tensor[float32, B]) {
	p.grad = grad
}

// ZeroGrad clears the gradient tensor.
func (p *Parameter[B]) ZeroGrad() {
	p.grad = nil
}
