package cpu

import (
	"fmt"

	"github.com/born-ml/airbench/internal/tensor"
)

// Reshape returns a copy of t with a different shape and the same element order.
func (cpu *Backend) Reshape(t *tensor.RawTensor, newShape tensor.Shape) *tensor.RawTensor {
	if err := newShape.Validate(); err != nil {
		panic(fmt.Sprintf("reshape: invalid shape: %v", err))
	}
	if t.NumElements() != newShape.NumElements() {
		panic(fmt.Sprintf("reshape: incompatible shapes: %v -> %v (different number of elements)",
			t.Shape(), newShape))
	}

	result, err := t.Clone().WithShape(newShape)
	if err != nil {
		panic(fmt.Sprintf("reshape: %v", err))
	}
	return result
}

// Transpose permutes dimensions. With no axes, the last two dimensions are swapped.
func (cpu *Backend) Transpose(t *tensor.RawTensor, axes ...int) *tensor.RawTensor {
	shape := t.Shape()
	ndim := len(shape)

	if len(axes) == 0 {
		if ndim < 2 {
			panic(fmt.Sprintf("transpose: need at least 2 dimensions, got %dD", ndim))
		}
		axes = make([]int, ndim)
		for i := range axes {
			axes[i] = i
		}
		axes[ndim-2], axes[ndim-1] = axes[ndim-1], axes[ndim-2]
	}

	if len(axes) != ndim {
		panic(fmt.Sprintf("transpose: axes length %d != ndim %d", len(axes), ndim))
	}
	seen := make([]bool, ndim)
	for _, ax := range axes {
		if ax < 0 || ax >= ndim {
			panic(fmt.Sprintf("transpose: invalid axis %d for %dD tensor", ax, ndim))
		}
		if seen[ax] {
			panic(fmt.Sprintf("transpose: duplicate axis %d", ax))
		}
		seen[ax] = true
	}

	newShape := make(tensor.Shape, ndim)
	for i, ax := range axes {
		newShape[i] = shape[ax]
	}

	result, err := tensor.NewRaw(newShape, t.DType(), cpu.device)
	if err != nil {
		panic(fmt.Sprintf("transpose: %v", err))
	}

	elemSize := t.DType().Size()
	src, dst := t.Data(), result.Data()
	srcStrides := shape.ComputeStrides()
	idx := make([]int, ndim)

	for out := 0; out < result.NumElements(); out++ {
		in := 0
		for i, ax := range axes {
			in += idx[i] * srcStrides[ax]
		}
		copy(dst[out*elemSize:(out+1)*elemSize], src[in*elemSize:(in+1)*elemSize])

		for d := ndim - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < newShape[d] {
				break
			}
			idx[d] = 0
		}
	}

	return result
}
