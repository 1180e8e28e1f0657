// Package optim implements the norm-constrained optimizer used to train airbench.
//
// This package provides:
//   - Optimizer interface: Base interface for all optimizers
//   - Scion: momentum followed by a per-group norm rule (Spectral, BiasRMS, Sign)
//   - LinearDecay: learning rate schedule decaying linearly to zero
//
// Example usage:
//
//	opt, err := optim.NewScion(groups, optim.ScionConfig{LR: 0.05, Momentum: 0.6}, backend)
//	sched := optim.NewLinearDecay(opt, totalSteps)
//
//	backend.Tape().StartRecording()
//	loss := criterion.Forward(model.Forward(x), y)
//	grads := autodiff.Backward(loss, backend)
//	backend.Tape().Clear()
//
//	opt.Step(grads)
//	sched.Step()
package optim

import (
	"errors"

	"github.com/born-ml/airbench/internal/nn"
	"github.com/born-ml/airbench/internal/tensor"
)

var (
	// ErrShapeMismatch is returned when a parameter's shape is not supported by its
	// group's norm rule.
	ErrShapeMismatch = errors.New("optim: parameter shape does not fit norm rule")

	// ErrInvalidRule is returned when a norm rule is configured with invalid settings.
	ErrInvalidRule = errors.New("optim: invalid norm rule settings")

	// ErrStateMismatch is returned by LoadStateDict when the state does not match the
	// optimizer's parameter groups.
	ErrStateMismatch = errors.New("optim: optimizer state does not match parameter groups")
)

// Optimizer is the base interface for all optimization algorithms.
type Optimizer interface {
	// Step applies gradient updates to all parameters, in place.
	//
	// Takes a gradient map from Backward(). Parameters without a gradient are skipped.
	Step(grads map[*tensor.RawTensor]*tensor.RawTensor)

	// ZeroGrad clears all parameter gradients.
	ZeroGrad()

	// GetLR returns the current learning rate.
	GetLR() float32
}

// LRSetter is implemented by optimizers whose learning rate a scheduler can drive.
type LRSetter interface {
	SetLR(lr float32)
	BaseLR() float32
}

// getGradient safely retrieves gradient for a parameter.
//
// Returns nil if no gradient is found (parameter wasn't part of computation graph).
func getGradient[B tensor.Backend](param *nn.Parameter[B], grads map[*tensor.RawTensor]*tensor.RawTensor) *tensor.RawTensor {
	if param == nil {
		return nil
	}
	return grads[param.Tensor().Raw()]
}
