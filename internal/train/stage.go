package train

import (
	"fmt"

	"github.com/born-ml/airbench/internal/autodiff"
	"github.com/born-ml/airbench/internal/model"
	"github.com/born-ml/airbench/internal/optim"
	"github.com/born-ml/airbench/internal/tensor"
)

// Phase is the lifecycle state of a run.
type Phase int

// Phases in the order a session visits them.
const (
	Warmup Phase = iota
	TrainableBias
	FrozenBias
	TTAEval
)

func (p Phase) String() string {
	switch p {
	case Warmup:
		return "warmup"
	case TrainableBias:
		return "trainable-bias"
	case FrozenBias:
		return "frozen-bias"
	case TTAEval:
		return "tta-eval"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Stage is a network with the optimizers and schedules that train it.
type Stage[B tensor.Backend] struct {
	Phase      Phase
	Net        *model.Network[*autodiff.Backend[B]]
	Optimizers []*optim.Scion[*autodiff.Backend[B]]
	Schedules  []*optim.LinearDecay

	trainable []*tensor.RawTensor
}

// StageConfig holds the optimizer settings of a stage.
type StageConfig struct {
	LR            float32
	Momentum      float32
	Radius        float32
	HeadRadius    float32
	SpectralSteps int
	TotalSteps    int
}

// NewStage builds the optimizers for net:
//
//	main:        spectral(whitening weight), spectral(conv weights), bias-RMS(norm shifts), sign(head)
//	whiten bias: bias-RMS(whitening bias), only for the trainable-bias variant
//
// Each optimizer gets its own linear decay schedule over TotalSteps.
func NewStage[B tensor.Backend](phase Phase, net *model.Network[*autodiff.Backend[B]], cfg StageConfig, backend *autodiff.Backend[B]) (*Stage[B], error) {
	groups := net.Groups()
	spectral := optim.Spectral{Steps: cfg.SpectralSteps}
	scfg := optim.ScionConfig{LR: cfg.LR, Momentum: cfg.Momentum}

	main, err := optim.NewScion([]optim.Group[*autodiff.Backend[B]]{
		{Name: "whiten", Norm: spectral, Radius: cfg.Radius, Params: groups.Whiten},
		{Name: "conv", Norm: spectral, Radius: cfg.Radius, Params: groups.Conv},
		{Name: "norm", Norm: optim.BiasRMS{}, Radius: cfg.Radius, Params: groups.Norm},
		{Name: "head", Norm: optim.Sign{}, Radius: cfg.HeadRadius, Params: groups.Head},
	}, scfg, backend)
	if err != nil {
		return nil, fmt.Errorf("%s optimizer: %w", phase, err)
	}

	s := &Stage[B]{
		Phase:      phase,
		Net:        net,
		Optimizers: []*optim.Scion[*autodiff.Backend[B]]{main},
		Schedules:  []*optim.LinearDecay{optim.NewLinearDecay(main, cfg.TotalSteps)},
	}
	for _, p := range net.Parameters() {
		s.trainable = append(s.trainable, p.Tensor().Raw())
	}

	if len(groups.WhitenBias) > 0 {
		bias, err := optim.NewScion([]optim.Group[*autodiff.Backend[B]]{
			{Name: "whiten_bias", Norm: optim.BiasRMS{}, Radius: cfg.Radius, Params: groups.WhitenBias},
		}, scfg, backend)
		if err != nil {
			return nil, fmt.Errorf("%s whiten bias optimizer: %w", phase, err)
		}
		s.Optimizers = append(s.Optimizers, bias)
		s.Schedules = append(s.Schedules, optim.NewLinearDecay(bias, cfg.TotalSteps))
	}
	return s, nil
}

// Step applies every optimizer and advances its schedule. Gradients of frozen
// tensors (the tape differentiates every input) are ignored, so the whitening
// weight in the first group never moves.
func (s *Stage[B]) Step(grads map[*tensor.RawTensor]*tensor.RawTensor) {
	own := make(map[*tensor.RawTensor]*tensor.RawTensor, len(s.trainable))
	for _, raw := range s.trainable {
		if g, ok := grads[raw]; ok {
			own[raw] = g
		}
	}
	for i, opt := range s.Optimizers {
		opt.Step(own)
		s.Schedules[i].Step()
	}
}

// TakeOver copies the network state from prev, then the momentum buffers and
// schedule positions of the optimizers both stages have in common, matched by
// position. Optimizers only prev has are dropped with their state.
func (s *Stage[B]) TakeOver(prev *Stage[B]) error {
	if err := s.Net.LoadState(prev.Net.State()); err != nil {
		return fmt.Errorf("%s -> %s: network: %w", prev.Phase, s.Phase, err)
	}
	for i := range min(len(s.Optimizers), len(prev.Optimizers)) {
		if err := s.Optimizers[i].LoadStateDict(prev.Optimizers[i].StateDict()); err != nil {
			return fmt.Errorf("%s -> %s: optimizer %d: %w", prev.Phase, s.Phase, i, err)
		}
		s.Schedules[i].LoadState(prev.Schedules[i].State())
	}
	return nil
}
