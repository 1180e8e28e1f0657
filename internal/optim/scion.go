package optim

import (
	"fmt"

	"github.com/born-ml/airbench/internal/nn"
	"github.com/born-ml/airbench/internal/parallel"
	"github.com/born-ml/airbench/internal/tensor"
)

// Group is a set of parameters sharing a norm rule and a radius.
type Group[B tensor.Backend] struct {
	Name   string
	Norm   Norm
	Radius float32
	Params []*nn.Parameter[B]
}

// ScionConfig holds configuration for the Scion optimizer.
type ScionConfig struct {
	LR       float32 // Learning rate
	Momentum float32 // Weight of the new gradient in the momentum buffer, in (0, 1]

	// Parallel controls how parameters are updated concurrently. The zero value
	// uses parallel.DefaultConfig().
	Parallel *parallel.Config
}

// Scion is a norm-constrained optimizer.
//
// For every parameter with a gradient g:
//
//	buf = (1-momentum)·buf + momentum·g
//	u   = Norm.LMO(buf)
//	p  -= lr · radius · u
//
// Every update therefore has norm lr·radius under its group's rule, whatever the
// gradient's magnitude. There is no weight decay.
//
// Momentum buffers are allocated at construction, zero-initialized, and exported by
// StateDict under "momentum.{group}.{param}".
type Scion[B tensor.Backend] struct {
	groups   []Group[B]
	lr       float32
	baseLR   float32
	momentum float32

	buffers [][]*tensor.RawTensor // [group][param]
	updates [][][]float32         // LMO scratch, [group][param]

	par     parallel.Config
	backend B
}

// NewScion creates a new Scion optimizer.
//
// Every parameter is checked against its group's rule; a mismatch is reported as
// ErrShapeMismatch before any step runs.
func NewScion[B tensor.Backend](groups []Group[B], config ScionConfig, backend B) (*Scion[B], error) {
	if config.LR <= 0 {
		return nil, fmt.Errorf("scion: learning rate %v must be positive", config.LR)
	}
	if config.Momentum <= 0 || config.Momentum > 1 {
		return nil, fmt.Errorf("scion: momentum %v outside (0, 1]", config.Momentum)
	}

	s := &Scion[B]{
		groups:   groups,
		lr:       config.LR,
		baseLR:   config.LR,
		momentum: config.Momentum,
		buffers:  make([][]*tensor.RawTensor, len(groups)),
		updates:  make([][][]float32, len(groups)),
		par:      parallel.DefaultConfig(),
		backend:  backend,
	}
	if config.Parallel != nil {
		s.par = *config.Parallel
	}

	for gi, g := range groups {
		if g.Norm == nil {
			return nil, fmt.Errorf("scion: group %q has no norm rule", g.Name)
		}
		s.buffers[gi] = make([]*tensor.RawTensor, len(g.Params))
		s.updates[gi] = make([][]float32, len(g.Params))
		for pi, p := range g.Params {
			if err := g.Norm.Check(p.Shape()); err != nil {
				return nil, fmt.Errorf("scion: group %q param %d (%s): %w", g.Name, pi, p.Name(), err)
			}
			s.buffers[gi][pi] = tensor.Zeros[float32](p.Shape(), backend).Raw()
			s.updates[gi][pi] = make([]float32, p.Shape().NumElements())
		}
	}
	return s, nil
}

// Step performs a single optimization step.
//
// Parameters are independent, so they are updated concurrently; each parameter's
// arithmetic is sequential and the result does not depend on the worker count.
func (s *Scion[B]) Step(grads map[*tensor.RawTensor]*tensor.RawTensor) {
	type task struct{ group, param int }
	var tasks []task
	for gi, g := range s.groups {
		for pi := range g.Params {
			if getGradient(g.Params[pi], grads) != nil {
				tasks = append(tasks, task{gi, pi})
			}
		}
	}

	cfg := s.par
	cfg.MinChunkSize = 1
	parallel.For(len(tasks), cfg, func(i int) {
		t := tasks[i]
		g := s.groups[t.group]
		param := g.Params[t.param]
		s.updateParameter(param, getGradient(param, grads), s.buffers[t.group][t.param], s.updates[t.group][t.param], g.Norm, g.Radius)
	})
}

func (s *Scion[B]) updateParameter(param *nn.Parameter[B], grad, buffer *tensor.RawTensor, update []float32, norm Norm, radius float32) {
	if !grad.Shape().Equal(param.Shape()) {
		panic(fmt.Sprintf("scion: gradient shape %v does not match parameter %s %v", grad.Shape(), param.Name(), param.Shape()))
	}

	g, buf := grad.AsFloat32(), buffer.AsFloat32()
	m := s.momentum
	for i, v := range g {
		buf[i] = (1-m)*buf[i] + m*v
	}

	norm.LMO(update, buf, param.Shape())

	step := s.lr * radius
	p := param.Tensor().Raw().AsFloat32()
	for i, u := range update {
		p[i] -= step * u
	}
}

// ZeroGrad clears gradients for all parameters.
func (s *Scion[B]) ZeroGrad() {
	for _, g := range s.groups {
		for _, p := range g.Params {
			p.ZeroGrad()
		}
	}
}

// Reset zeroes every momentum buffer and restores the base learning rate.
func (s *Scion[B]) Reset() {
	for _, bufs := range s.buffers {
		for _, b := range bufs {
			b.Zero()
		}
	}
	s.lr = s.baseLR
}

// GetLR returns the current learning rate.
func (s *Scion[B]) GetLR() float32 {
	return s.lr
}

// SetLR updates the learning rate.
func (s *Scion[B]) SetLR(lr float32) {
	s.lr = lr
}

// BaseLR returns the learning rate the optimizer was created with.
func (s *Scion[B]) BaseLR() float32 {
	return s.baseLR
}

// Groups returns the parameter groups.
func (s *Scion[B]) Groups() []Group[B] {
	return s.groups
}

// StateDict returns the live momentum buffers keyed "momentum.{group}.{param}".
func (s *Scion[B]) StateDict() map[string]*tensor.RawTensor {
	state := make(map[string]*tensor.RawTensor)
	for gi, bufs := range s.buffers {
		for pi, b := range bufs {
			state[momentumKey(gi, pi)] = b
		}
	}
	return state
}

// LoadStateDict copies momentum buffers into this optimizer. Groups and parameters
// are matched by position, so the source must have the same group layout. Entries
// for groups this optimizer does not have are an error; nothing is copied on error.
func (s *Scion[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	own := s.StateDict()
	for key, dst := range own {
		src, ok := stateDict[key]
		if !ok {
			return fmt.Errorf("%w: missing %q", ErrStateMismatch, key)
		}
		if !src.Shape().Equal(dst.Shape()) {
			return fmt.Errorf("%w: %q has shape %v, want %v", ErrStateMismatch, key, src.Shape(), dst.Shape())
		}
	}
	for key := range stateDict {
		if _, ok := own[key]; !ok {
			return fmt.Errorf("%w: unexpected %q", ErrStateMismatch, key)
		}
	}

	for key, dst := range own {
		if err := dst.CopyFrom(stateDict[key]); err != nil {
			return fmt.Errorf("load %q: %w", key, err)
		}
	}
	return nil
}

func momentumKey(group, param int) string {
	return fmt.Sprintf("momentum.%d.%d", group, param)
}
