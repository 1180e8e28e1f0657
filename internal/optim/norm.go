package optim

import (
	"fmt"
	"math"

	"github.com/born-ml/airbench/internal/tensor"
)

// Norm is a normalization rule: the linear minimization oracle of a norm ball.
//
// LMO writes into dst a direction of unit norm (under the rule's metric) aligned with
// g. dst and g have the same length; shape describes both. A zero g yields a zero dst.
// Implementations are pure functions of their inputs and safe for concurrent use.
type Norm interface {
	// Name identifies the rule in logs and errors.
	Name() string

	// Check reports whether a parameter of the given shape can use the rule.
	Check(shape tensor.Shape) error

	// LMO computes the unit-norm update direction.
	LMO(dst, g []float32, shape tensor.Shape)
}

// rmsEps keeps BiasRMS finite for tiny gradients.
const rmsEps = 1e-8

// BiasRMS rescales each tensor to unit root-mean-square: g / (rms(g) + 1e-8).
//
// The RMS is computed per parameter tensor, never pooled across a group.
type BiasRMS struct{}

// Name returns "BiasRMS".
func (BiasRMS) Name() string { return "BiasRMS" }

// Check accepts 1D tensors.
func (BiasRMS) Check(shape tensor.Shape) error {
	if len(shape) != 1 || shape[0] == 0 {
		return fmt.Errorf("%w: BiasRMS needs a non-empty vector, got %v", ErrShapeMismatch, shape)
	}
	return nil
}

// LMO computes g / (rms(g) + eps).
func (BiasRMS) LMO(dst, g []float32, _ tensor.Shape) {
	var sq float64
	for _, v := range g {
		sq += float64(v) * float64(v)
	}
	rms := math.Sqrt(sq / float64(len(g)))
	scale := float32(1 / (rms + rmsEps))
	for i, v := range g {
		dst[i] = v * scale
	}
}

// Sign takes the element-wise sign. Zero maps to zero.
type Sign struct{}

// Name returns "Sign".
func (Sign) Name() string { return "Sign" }

// Check accepts any non-empty tensor.
func (Sign) Check(shape tensor.Shape) error {
	if len(shape) == 0 || shape.NumElements() == 0 {
		return fmt.Errorf("%w: Sign needs a non-empty tensor, got %v", ErrShapeMismatch, shape)
	}
	return nil
}

// LMO computes sign(g).
func (Sign) LMO(dst, g []float32, _ tensor.Shape) {
	for i, v := range g {
		switch {
		case v > 0:
			dst[i] = 1
		case v < 0:
			dst[i] = -1
		default:
			dst[i] = 0
		}
	}
}
