// Package train runs airbench training sessions: repeated independent runs of
// whitening init, two-stage training and test-time-augmented evaluation, reported
// as a fixed-width console table.
package train

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"

	"github.com/born-ml/airbench/internal/autodiff"
	"github.com/born-ml/airbench/internal/config"
	"github.com/born-ml/airbench/internal/dataset"
	"github.com/born-ml/airbench/internal/model"
	"github.com/born-ml/airbench/internal/nn"
	"github.com/born-ml/airbench/internal/tensor"
)

// RunOptions are the per-run settings that differ between the warmup run and the
// measured runs.
type RunOptions struct {
	LR           float32
	Momentum     float32
	Seed         int64
	RandomLabels bool // train on uniformly random labels
}

// RunResult summarizes a finished run.
type RunResult struct {
	RunID     string
	Steps     int
	TrainLoss float64 // last batch, per example
	TrainAcc  float64 // last batch
	ValAcc    float64 // without TTA, after the last epoch
	TTAValAcc float64
	Seconds   float64 // timed device work: whitening, training and TTA evaluation
}

// Trainer owns the two network variants and the datasets. The networks are
// reused across runs and reinitialized at the start of each.
type Trainer[B tensor.Backend] struct {
	cfg     *config.Config
	backend *autodiff.Backend[B]

	trainable *model.Network[*autodiff.Backend[B]]
	frozen    *model.Network[*autodiff.Backend[B]]

	train      *dataset.Dataset
	testImages *tensor.RawTensor // normalized once
	testLabels []int32

	reporter *Reporter
	logger   *log.Logger
}

// NewTrainer builds both network variants. reporter and logger may be nil.
func NewTrainer[B tensor.Backend](cfg *config.Config, backend *autodiff.Backend[B], train, test *dataset.Dataset, reporter *Reporter, logger *log.Logger) (*Trainer[B], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	trainable, err := model.NewNetwork(cfg.Model(), backend)
	if err != nil {
		return nil, err
	}
	frozen, err := model.NewNetwork(cfg.Model(), backend, model.WithFrozenWhitenBias())
	if err != nil {
		return nil, err
	}
	if reporter == nil {
		reporter = NewReporter(io.Discard)
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	return &Trainer[B]{
		cfg:        cfg,
		backend:    backend,
		trainable:  trainable,
		frozen:     frozen,
		train:      train,
		testImages: dataset.Normalize(test.Images()),
		testLabels: test.Labels(),
		reporter:   reporter,
		logger:     logger,
	}, nil
}

// TotalSteps returns the step budget of a run: ⌈batches per epoch · epochs⌉.
func TotalSteps(batchesPerEpoch int, epochs float64) int {
	return int(math.Ceil(float64(batchesPerEpoch) * epochs))
}

// Run performs one complete run and prints its rows.
func (t *Trainer[B]) Run(ctx context.Context, runID string, opts RunOptions) (*RunResult, error) {
	rng := rand.New(rand.NewSource(opts.Seed))
	opt := t.cfg.Opt

	data := t.train
	if opts.RandomLabels {
		data = data.WithRandomLabels(rng)
	}
	loader, err := dataset.NewLoader(data, dataset.TrainConfig(opt.BatchSize, t.cfg.Augmentations()), rng)
	if err != nil {
		return nil, err
	}
	total := TotalSteps(loader.Len(), opt.TrainEpochs)
	if total == 0 {
		return nil, fmt.Errorf("train: %d images give no full batch of %d", data.Len(), opt.BatchSize)
	}

	t.trainable.Reinit(rng)
	stageCfg := StageConfig{
		LR:            opts.LR,
		Momentum:      opts.Momentum,
		Radius:        opt.Radius,
		HeadRadius:    opt.HeadRadius,
		SpectralSteps: opt.SpectralSteps,
		TotalSteps:    total,
	}
	trainBias, err := NewStage(TrainableBias, t.trainable, stageCfg, t.backend)
	if err != nil {
		return nil, err
	}
	frozenBias, err := NewStage(FrozenBias, t.frozen, stageCfg, t.backend)
	if err != nil {
		return nil, err
	}

	timer := NewTimer(t.backend)
	timer.Start()
	eigen, err := model.InitWhitening(t.trainable.Whiten(), dataset.Normalize(data.Head(model.WhitenSamples).Images()), model.DefaultWhitenEps)
	timer.Stop()
	if err != nil {
		return nil, err
	}
	t.logger.Printf("run %s: whitening eigenvalues %.4g to %.4g", runID, eigen[0], eigen[len(eigen)-1])

	criterion := nn.NewCrossEntropyLoss(opt.LabelSmoothing, t.backend)
	tape := t.backend.Tape()
	res := &RunResult{RunID: runID}
	row := Row{Run: runID}
	stage := trainBias

	epochs := int(math.Ceil(opt.TrainEpochs))
	for epoch := range epochs {
		if epoch == opt.WhitenBiasEpochs {
			if err := frozenBias.TakeOver(trainBias); err != nil {
				return nil, err
			}
			stage = frozenBias
			t.logger.Printf("run %s: epoch %d: %s -> %s", runID, epoch, trainBias.Phase, frozenBias.Phase)
		}

		timer.Start()
		stage.Net.SetTraining(true)
		var last lastBatch[B]
		err := loader.Epoch(ctx, func(b dataset.Batch) bool {
			tape.Clear()
			tape.StartRecording()
			out := stage.Net.Forward(tensor.New[float32](b.Images, t.backend))
			loss := criterion.Forward(out, tensor.New[int32](b.Labels, t.backend))
			grads := autodiff.Backward(loss, t.backend)
			tape.StopRecording()
			tape.Clear()

			stage.Step(grads)
			res.Steps++

			last = lastBatch[B]{out: out, loss: loss, labels: b.Labels}
			return res.Steps < total
		})
		timer.Stop()
		if err != nil {
			tape.StopRecording()
			tape.Clear()
			return nil, fmt.Errorf("run %s epoch %d: %w", runID, epoch, err)
		}

		// Metrics of the last batch are read outside the timed bracket.
		res.TrainLoss, res.TrainAcc = last.metrics(opt.BatchSize)
		if res.ValAcc, err = Evaluate(stage.Net, t.backend, t.testImages, t.testLabels, 0); err != nil {
			return nil, err
		}

		row.Epoch = fmt.Sprint(epoch)
		row.TrainLoss, row.TrainAcc, row.ValAcc = Some(res.TrainLoss), Some(res.TrainAcc), Some(res.ValAcc)
		row.TotalTime = Some(timer.Seconds())
		t.reporter.Row(row, false)
		row.Run = ""
	}

	timer.Start()
	res.TTAValAcc, err = Evaluate(stage.Net, t.backend, t.testImages, t.testLabels, t.cfg.Net.TTALevel)
	timer.Stop()
	if err != nil {
		return nil, err
	}
	res.Seconds = timer.Seconds()

	row.Epoch = EvalEpoch
	row.TTAValAcc = Some(res.TTAValAcc)
	row.TotalTime = Some(res.Seconds)
	t.reporter.Row(row, true)
	return res, nil
}

// lastBatch keeps the outputs of the most recent training step so its metrics
// can be extracted after the timer stops.
type lastBatch[B tensor.Backend] struct {
	out, loss *tensor.Tensor[float32, *autodiff.Backend[B]]
	labels    *tensor.RawTensor
}

// metrics returns the per-example loss and the accuracy of the batch, or zeros
// when no step ran.
func (l lastBatch[B]) metrics(batchSize int) (loss, acc float64) {
	if l.out == nil {
		return 0, 0
	}
	return float64(l.loss.Item()) / float64(batchSize), nn.Accuracy(l.out.Raw(), l.labels.AsInt32())
}

// Networks returns the trainable-bias and frozen-bias networks.
func (t *Trainer[B]) Networks() (trainable, frozen *model.Network[*autodiff.Backend[B]]) {
	return t.trainable, t.frozen
}
