package train

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/born-ml/airbench/internal/autodiff"
	"github.com/born-ml/airbench/internal/config"
	"github.com/born-ml/airbench/internal/dataset"
	"github.com/born-ml/airbench/internal/tensor"
)

// WarmupRunID names the warmup run in the report.
const WarmupRunID = "warmup"

// Options configure a Session.
type Options struct {
	Out    io.Writer   // report output; nil discards
	Logger *log.Logger // diagnostics; nil discards
	ID     uuid.UUID   // session identifier; uuid.Nil draws a new one
}

// Summary aggregates the TTA accuracies of the measured runs.
type Summary struct {
	SessionID   uuid.UUID
	LR          float32
	WidthFactor float64
	Accuracies  []float64
	Mean        float64
	Std         float64 // sample standard deviation; NaN for a single run
	Results     []*RunResult
}

// Session runs the optional warmup run followed by cfg.Meta.Runs measured runs.
type Session[B tensor.Backend] struct {
	cfg      *config.Config
	id       uuid.UUID
	trainer  *Trainer[B]
	reporter *Reporter
	logger   *log.Logger
}

// NewSession creates a session training on train and evaluating on test.
func NewSession[B tensor.Backend](cfg *config.Config, backend *autodiff.Backend[B], train, test *dataset.Dataset, opts Options) (*Session[B], error) {
	out := opts.Out
	if out == nil {
		out = io.Discard
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	id := opts.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	reporter := NewReporter(out)
	trainer, err := NewTrainer(cfg, backend, train, test, reporter, logger)
	if err != nil {
		return nil, err
	}
	return &Session[B]{cfg: cfg, id: id, trainer: trainer, reporter: reporter, logger: logger}, nil
}

// ID returns the session identifier.
func (s *Session[B]) ID() uuid.UUID {
	return s.id
}

// Trainer returns the session's trainer.
func (s *Session[B]) Trainer() *Trainer[B] {
	return s.trainer
}

// Run prints the header, runs warmup and the measured runs, and prints the summary.
func (s *Session[B]) Run(ctx context.Context) (*Summary, error) {
	s.logger.Printf("session %s: backend %s, %d runs", s.id, s.trainer.backend.Name(), s.cfg.Meta.Runs)
	s.reporter.Header()

	if s.cfg.Meta.Warmup {
		_, err := s.trainer.Run(ctx, WarmupRunID, RunOptions{
			LR:           s.cfg.Opt.WarmupLR,
			Momentum:     s.cfg.Opt.WarmupMomentum,
			Seed:         s.cfg.Meta.Seed - 1,
			RandomLabels: true,
		})
		if err != nil {
			return nil, fmt.Errorf("warmup: %w", err)
		}
	}

	sum := &Summary{SessionID: s.id, LR: s.cfg.Opt.LR, WidthFactor: s.cfg.Net.WidthFactor}
	for i := range s.cfg.Meta.Runs {
		res, err := s.trainer.Run(ctx, fmt.Sprint(i), RunOptions{
			LR:       s.cfg.Opt.LR,
			Momentum: s.cfg.Opt.Momentum,
			Seed:     s.cfg.Meta.Seed + int64(i),
		})
		if err != nil {
			return nil, fmt.Errorf("run %d: %w", i, err)
		}
		sum.Results = append(sum.Results, res)
		sum.Accuracies = append(sum.Accuracies, res.TTAValAcc)
	}

	sum.Mean, sum.Std = stat.MeanStdDev(sum.Accuracies, nil)
	s.reporter.Summary(sum)
	return sum, nil
}
