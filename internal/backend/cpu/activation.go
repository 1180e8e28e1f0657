package cpu

import (
	"fmt"
	"math"

	"github.com/born-ml/airbench/internal/parallel"
	"github.com/born-ml/airbench/internal/tensor"
)

const invSqrt2 = 0.7071067811865476

// invSqrt2Pi is 1/sqrt(2π), the peak of the standard normal density.
const invSqrt2Pi = 0.3989422804014327

// GELU applies the exact Gaussian error linear unit: x * Φ(x) = 0.5x(1 + erf(x/√2)).
func (cpu *Backend) GELU(x *tensor.RawTensor) *tensor.RawTensor {
	if x.DType() != tensor.Float32 {
		panic(fmt.Sprintf("gelu: unsupported dtype %s", x.DType()))
	}
	result := cpu.newFloat32(x.Shape(), "gelu")
	src, dst := x.AsFloat32(), result.AsFloat32()

	parallel.ForChunks(len(src), cpu.elementwiseConfig(), func(_ int, c parallel.Chunk) {
		for i := c.Start; i < c.End; i++ {
			v := float64(src[i])
			dst[i] = float32(0.5 * v * (1 + math.Erf(v*invSqrt2)))
		}
	})
	return result
}

// GELUBackward returns grad * d/dx GELU(x) = grad * (Φ(x) + x·φ(x)).
func (cpu *Backend) GELUBackward(x, grad *tensor.RawTensor) *tensor.RawTensor {
	if !x.Shape().Equal(grad.Shape()) {
		panic(fmt.Sprintf("gelu backward: grad shape %v != input shape %v", grad.Shape(), x.Shape()))
	}
	result := cpu.newFloat32(x.Shape(), "gelu backward")
	src, g, dst := x.AsFloat32(), grad.AsFloat32(), result.AsFloat32()

	parallel.ForChunks(len(src), cpu.elementwiseConfig(), func(_ int, c parallel.Chunk) {
		for i := c.Start; i < c.End; i++ {
			v := float64(src[i])
			cdf := 0.5 * (1 + math.Erf(v*invSqrt2))
			pdf := invSqrt2Pi * math.Exp(-0.5*v*v)
			dst[i] = g[i] * float32(cdf+v*pdf)
		}
	})
	return result
}
