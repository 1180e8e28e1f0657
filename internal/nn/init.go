package nn

import (
	"math"
	"math/rand"

	"github.com/born-ml/airbench/internal/tensor"
)

// KaimingUniform fills data with U(-1/√fanIn, 1/√fanIn), the default initialization
// for convolution and linear weights.
func KaimingUniform(data []float32, fanIn int, rng *rand.Rand) {
	bound := float32(1 / math.Sqrt(float64(fanIn)))
	tensor.FillUniform(data, -bound, bound, rng)
}

// Dirac overwrites the first min(out, in) filters of a [out, in, kh, kw] kernel with
// identity filters: filter i is zero except for a 1 at input channel i, spatial
// position (kh/2, kw/2). Remaining filters are left untouched.
func Dirac(data []float32, shape tensor.Shape) {
	out, in, kh, kw := shape[0], shape[1], shape[2], shape[3]
	filter := in * kh * kw
	for o := 0; o < min(out, in); o++ {
		f := data[o*filter : (o+1)*filter]
		clear(f)
		f[o*kh*kw+(kh/2)*kw+kw/2] = 1
	}
}

// Zeros creates a tensor filled with zeros.
func Zeros[B tensor.Backend](shape tensor.Shape, backend B) *tensor.Tensor[float32, B] {
	return tensor.Zeros[float32](shape, backend)
}

// Ones creates a tensor filled with ones.
func Ones[B tensor.Backend](shape tensor.Shape, backend B) *tensor.Tensor[float32, B] {
	return tensor.Ones[float32](shape, backend)
}
