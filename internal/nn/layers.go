package nn

import (
	"fmt"

	"github.com/born-ml/airbench/internal/tensor"
)

// GELU applies the exact Gaussian error linear unit element-wise.
type GELU[B tensor.Backend] struct {
	backend B
}

// NewGELU creates a GELU activation.
func NewGELU[B tensor.Backend](backend B) *GELU[B] {
	return &GELU[B]{backend: backend}
}

// Forward applies GELU(x) = x * Φ(x).
func (g *GELU[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return tensor.New[float32, B](g.backend.GELU(input.Raw()), g.backend)
}

// Parameters returns nil.
func (g *GELU[B]) Parameters() []*Parameter[B] { return nil }

// MaxPool2D takes the maximum over kernel×kernel windows. Partial windows at the
// border are dropped.
type MaxPool2D[B tensor.Backend] struct {
	kernelSize int
	stride     int
	backend    B
}

// NewMaxPool2D creates a max pooling layer.
func NewMaxPool2D[B tensor.Backend](kernelSize, stride int, backend B) *MaxPool2D[B] {
	if kernelSize <= 0 || stride <= 0 {
		panic(fmt.Sprintf("maxpool2d: invalid kernel_size=%d, stride=%d", kernelSize, stride))
	}
	return &MaxPool2D[B]{kernelSize: kernelSize, stride: stride, backend: backend}
}

// Forward performs max pooling over [N, C, H, W].
func (m *MaxPool2D[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return tensor.New[float32, B](m.backend.MaxPool2D(input.Raw(), m.kernelSize, m.stride), m.backend)
}

// Parameters returns nil.
func (m *MaxPool2D[B]) Parameters() []*Parameter[B] { return nil }

// KernelSize returns the window size.
func (m *MaxPool2D[B]) KernelSize() int { return m.kernelSize }

// Stride returns the window stride.
func (m *MaxPool2D[B]) Stride() int { return m.stride }

// Flatten reshapes [N, ...] to [N, prod(...)].
type Flatten[B tensor.Backend] struct{}

// NewFlatten creates a Flatten layer.
func NewFlatten[B tensor.Backend]() *Flatten[B] {
	return &Flatten[B]{}
}

// Forward flattens all dimensions but the first.
func (f *Flatten[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := input.Shape()
	if len(shape) == 0 {
		panic("flatten: scalar input")
	}
	return input.Reshape(shape[0], shape[1:].NumElements())
}

// Parameters returns nil.
func (f *Flatten[B]) Parameters() []*Parameter[B] { return nil }

// Scale multiplies its input by a constant factor.
type Scale[B tensor.Backend] struct {
	factor float32
}

// NewScale creates a Scale layer.
func NewScale[B tensor.Backend](factor float32) *Scale[B] {
	return &Scale[B]{factor: factor}
}

// Forward returns factor * input.
func (s *Scale[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return input.MulScalar(s.factor)
}

// Parameters returns nil.
func (s *Scale[B]) Parameters() []*Parameter[B] { return nil }

// Factor returns the scale factor.
func (s *Scale[B]) Factor() float32 { return s.factor }
