// Package nn implements the neural network layers used by the airbench network.
//
// This package provides building blocks for constructing the classifier:
//   - Module interface: Base interface for all NN components
//   - Parameter: Trainable parameters with gradient tracking
//   - Conv2D, BatchNorm2D, Linear: layers with learnable state
//   - GELU, MaxPool2D, Flatten, Scale: stateless layers
//   - Sequential: Container for stacking layers
//
// Optional capabilities are expressed as small interfaces (Resetter, Trainable,
// Container, Stateful) and applied to a whole module tree by ResetAll, SetTraining,
// StateDict and LoadStateDict.
package nn

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"

	"github.com/born-ml/airbench/internal/tensor"
)

var (
	// ErrMissingState is returned when a state dictionary lacks an entry the module owns.
	ErrMissingState = errors.New("nn: missing state entry")

	// ErrUnexpectedState is returned when a state dictionary has an entry the module does not own.
	ErrUnexpectedState = errors.New("nn: unexpected state entry")

	// ErrStateShape is returned when a state entry has the wrong shape.
	ErrStateShape = errors.New("nn: state shape mismatch")
)

// Module is the base interface for all neural network components.
//
// Type parameter B must satisfy the tensor.Backend interface.
type Module[B tensor.Backend] interface {
	// Forward computes the output of the module given an input tensor.
	Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B]

	// Parameters returns the trainable parameters of this module, including those
	// of nested modules. Frozen tensors are not returned.
	Parameters() []*Parameter[B]
}

// Resetter is implemented by modules whose state is re-initialized at the start of
// every run.
type Resetter interface {
	Reset(rng *rand.Rand)
}

// Trainable is implemented by modules that behave differently in training and
// evaluation mode.
type Trainable interface {
	SetTraining(training bool)
}

// Container is implemented by modules composed of sub-modules.
type Container[B tensor.Backend] interface {
	Children() []Module[B]
}

// Stateful is implemented by modules that own tensors worth transferring between
// models: parameters (trainable or frozen) and buffers such as running statistics.
//
// The returned map holds the live tensors, not copies.
type Stateful interface {
	StateDict() map[string]*tensor.RawTensor
}

// Walk calls fn for m and every nested module, parents before children.
func Walk[B tensor.Backend](m Module[B], fn func(Module[B])) {
	fn(m)
	if c, ok := m.(Container[B]); ok {
		for _, child := range c.Children() {
			Walk(child, fn)
		}
	}
}

// ResetAll resets every Resetter in the module tree, in tree order, drawing from rng.
func ResetAll[B tensor.Backend](m Module[B], rng *rand.Rand) {
	Walk(m, func(mod Module[B]) {
		if r, ok := mod.(Resetter); ok {
			r.Reset(rng)
		}
	})
}

// SetTraining switches every Trainable in the module tree to training or evaluation mode.
func SetTraining[B tensor.Backend](m Module[B], training bool) {
	Walk(m, func(mod Module[B]) {
		if t, ok := mod.(Trainable); ok {
			t.SetTraining(training)
		}
	})
}

// StateDict collects the state of the module tree. Entries of nested modules are
// prefixed with their child index ("2.0.weight").
func StateDict[B tensor.Backend](m Module[B]) map[string]*tensor.RawTensor {
	state := make(map[string]*tensor.RawTensor)
	collectState(m, "", state)
	return state
}

func collectState[B tensor.Backend](m Module[B], prefix string, state map[string]*tensor.RawTensor) {
	if s, ok := m.(Stateful); ok {
		for name, raw := range s.StateDict() {
			state[prefix+name] = raw
		}
	}
	if c, ok := m.(Container[B]); ok {
		for i, child := range c.Children() {
			collectState(child, fmt.Sprintf("%s%d.", prefix, i), state)
		}
	}
}

// LoadStateDict copies every entry of state into the matching tensor of the module
// tree. Tensors are updated in place so parameter identity is preserved.
//
// The key sets must match exactly and every shape must agree; on error nothing is
// copied.
func LoadStateDict[B tensor.Backend](m Module[B], state map[string]*tensor.RawTensor) error {
	own := StateDict(m)

	names := make([]string, 0, len(own))
	for name := range own {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		src, ok := state[name]
		if !ok {
			return fmt.Errorf("%w: %q", ErrMissingState, name)
		}
		dst := own[name]
		if !src.Shape().Equal(dst.Shape()) || src.DType() != dst.DType() {
			return fmt.Errorf("%w: %q has %v %s, want %v %s",
				ErrStateShape, name, src.Shape(), src.DType(), dst.Shape(), dst.DType())
		}
	}
	for name := range state {
		if _, ok := own[name]; !ok {
			return fmt.Errorf("%w: %q", ErrUnexpectedState, name)
		}
	}

	for _, name := range names {
		if err := own[name].CopyFrom(state[name]); err != nil {
			return fmt.Errorf("load %q: %w", name, err)
		}
	}
	return nil
}
