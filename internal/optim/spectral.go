package optim

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/born-ml/airbench/internal/tensor"
)

// DefaultSpectralSteps is the Newton–Schulz iteration count of the reference setup.
const DefaultSpectralSteps = 9

// Spectral orthogonalizes the update of a weight matrix or convolution kernel.
//
// The tensor is viewed as a matrix [shape[0], prod(shape[1:])] and scaled to unit
// Frobenius norm, so every singular value lies in (0, 1]. Steps iterations of the
// cubic Newton–Schulz map
//
//	X ← 1.5·X − 0.5·X·Xᵀ·X
//
// then push every singular value toward 1, approaching the orthogonal polar factor
// of g. The result is finally divided by its largest singular value so its spectral
// norm is exactly 1.
//
// Products are formed on the short side of the matrix, in float64.
type Spectral struct {
	Steps int
}

// Name returns "Spectral".
func (Spectral) Name() string { return "Spectral" }

// Check accepts tensors with at least two non-empty dimensions.
func (s Spectral) Check(shape tensor.Shape) error {
	if len(shape) < 2 || shape.NumElements() == 0 {
		return fmt.Errorf("%w: Spectral needs a matrix or kernel, got %v", ErrShapeMismatch, shape)
	}
	if s.Steps < 0 {
		return fmt.Errorf("%w: Spectral steps %d < 0", ErrInvalidRule, s.Steps)
	}
	return nil
}

// LMO computes the spectrally normalized direction.
func (s Spectral) LMO(dst, g []float32, shape tensor.Shape) {
	rows := shape[0]
	cols := len(g) / rows
	transposed := rows > cols
	short, long := rows, cols
	if transposed {
		short, long = cols, rows
	}

	x := mat.NewDense(short, long, nil)
	for i := range rows {
		for j := range cols {
			v := float64(g[i*cols+j])
			if transposed {
				x.Set(j, i, v)
			} else {
				x.Set(i, j, v)
			}
		}
	}

	fro := mat.Norm(x, 2)
	if fro == 0 {
		clear(dst)
		return
	}
	x.Scale(1/fro, x)

	gram := mat.NewDense(short, short, nil)
	cubic := mat.NewDense(short, long, nil)
	for range s.Steps {
		gram.Mul(x, x.T())
		cubic.Mul(gram, x)
		x.Scale(1.5, x)
		cubic.Scale(0.5, cubic)
		x.Sub(x, cubic)
	}

	sigma := spectralNorm(x)
	if sigma == 0 {
		clear(dst)
		return
	}

	for i := range rows {
		for j := range cols {
			var v float64
			if transposed {
				v = x.At(j, i)
			} else {
				v = x.At(i, j)
			}
			dst[i*cols+j] = float32(v / sigma)
		}
	}
}

// spectralNorm returns the largest singular value of x. If the SVD does not
// converge, the Frobenius norm is used, which bounds it from above.
func spectralNorm(x *mat.Dense) float64 {
	var svd mat.SVD
	if !svd.Factorize(x, mat.SVDNone) {
		return mat.Norm(x, 2)
	}
	return svd.Values(nil)[0]
}
