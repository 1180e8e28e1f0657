package train

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"io/fs"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/born-ml/airbench/internal/autodiff"
	"github.com/born-ml/airbench/internal/backend/cpu"
	"github.com/born-ml/airbench/internal/config"
	"github.com/born-ml/airbench/internal/dataset"
	"github.com/born-ml/airbench/internal/model"
	"github.com/born-ml/airbench/internal/nn"
	"github.com/born-ml/airbench/internal/tensor"
)

type Backend = *autodiff.Backend[*cpu.Backend]

var updateBaseline = flag.Bool("update", false, "rewrite testdata/session_baseline.yaml from the current run")

func newBackend() Backend {
	return autodiff.New(cpu.New())
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Meta.Runs = 1
	cfg.Meta.Warmup = false
	cfg.Meta.Seed = 11
	cfg.Opt.TrainEpochs = 1
	cfg.Opt.BatchSize = 32
	cfg.Net.Widths = config.Widths{Block1: 8, Block2: 8, Block3: 8}
	cfg.Data.Synthetic = 64
	return cfg
}

func testNetwork(t *testing.T, backend Backend, opts ...model.Option) *model.Network[Backend] {
	t.Helper()
	net, err := model.NewNetwork(testConfig().Model(), backend, opts...)
	require.NoError(t, err)
	return net
}

func TestReporter(t *testing.T) {
	var buf bytes.Buffer
	r := NewReporter(&buf)
	r.Header()
	header := "|  run     |  epoch  |  train_loss  |  train_acc  |  val_acc  |  tta_val_acc  |  total_time_seconds  |"
	rule := strings.Repeat("-", len(header))
	assert.Equal(t, rule+"\n"+header+"\n"+rule+"\n", buf.String())

	buf.Reset()
	r.Row(Row{Run: "0", Epoch: "1", TrainLoss: Some(1.23449), TrainAcc: Some(0.5), ValAcc: Some(0.25), TotalTime: Some(math.Pi)}, false)
	want := "|       0  |      1  |      1.2345  |     0.5000  |   0.2500  |" + strings.Repeat(" ", 15) + "|" + strings.Repeat(" ", 14) + "3.1416  |\n"
	assert.Equal(t, want, buf.String())
	assert.Len(t, strings.TrimSuffix(buf.String(), "\n"), len(header), "rows align with the header")

	buf.Reset()
	r.Row(Row{Epoch: EvalEpoch, TTAValAcc: Some(0.9)}, true)
	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "|   eval  |")
	assert.Contains(t, lines[0], "|       0.9000  |")
	assert.Equal(t, rule, lines[1])

	buf.Reset()
	r.Summary(&Summary{LR: 0.05, WidthFactor: 1, Mean: 0.94123, Std: 0.00121})
	assert.Equal(t, "lr=0.0500 width_factor=1.0 - Mean: 0.9412    Std: 0.0012\n", buf.String())
}

type countingSync struct{ calls int }

func (s *countingSync) Synchronize() { s.calls++ }

func TestTimer(t *testing.T) {
	sync := &countingSync{}
	timer := NewTimer(sync)
	clock := time.Unix(0, 0)
	timer.now = func() time.Time { return clock }

	timer.Start()
	clock = clock.Add(1500 * time.Millisecond)
	assert.Equal(t, 1500*time.Millisecond, timer.Stop())

	clock = clock.Add(time.Hour) // outside a bracket
	timer.Start()
	clock = clock.Add(500 * time.Millisecond)
	timer.Stop()

	assert.Equal(t, 2.0, timer.Seconds())
	assert.Equal(t, 4, sync.calls)
	assert.Panics(t, func() { timer.Stop() })
}

func TestTotalSteps(t *testing.T) {
	assert.Equal(t, 200, TotalSteps(25, 8))
	assert.Equal(t, 248, TotalSteps(25, 9.9))
	assert.Equal(t, 0, TotalSteps(0, 8))
}

func testImages(n int, seed int64) *tensor.RawTensor {
	return dataset.Normalize(dataset.Synthetic(n, seed).Images())
}

func TestInfer_Levels(t *testing.T) {
	backend := newBackend()
	net := testNetwork(t, backend)
	net.Reinit(rand.New(rand.NewSource(1)))
	x := testImages(3, 2)

	plain, err := Infer(net, backend, x, 0)
	require.NoError(t, err)
	mirrored, err := Infer(net, backend, dataset.FlipLR(x), 0)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{3, model.NumClasses}, plain.Shape())
	assert.NotEqual(t, plain.AsFloat32(), mirrored.AsFloat32(), "the network is not mirror invariant")

	level1, err := Infer(net, backend, x, 1)
	require.NoError(t, err)
	for i, v := range level1.AsFloat32() {
		assert.InDelta(t, 0.5*plain.AsFloat32()[i]+0.5*mirrored.AsFloat32()[i], v, 1e-5)
	}

	padded := dataset.ReflectPad(x, 1)
	crop := func(d int) *tensor.RawTensor {
		off := []int{d, d, d}
		return dataset.BatchCrop(padded, off, off, dataset.ImageSize)
	}
	upLeft, err := Infer(net, backend, crop(-1), 1)
	require.NoError(t, err)
	downRight, err := Infer(net, backend, crop(1), 1)
	require.NoError(t, err)

	level2, err := Infer(net, backend, x, 2)
	require.NoError(t, err)
	for i, v := range level2.AsFloat32() {
		want := 0.5*level1.AsFloat32()[i] + 0.25*upLeft.AsFloat32()[i] + 0.25*downRight.AsFloat32()[i]
		assert.InDelta(t, want, v, 1e-5)
	}

	_, err = Infer(net, backend, x, 3)
	assert.ErrorIs(t, err, ErrInvalidTTALevel)
	assert.False(t, backend.Tape().IsRecording())
}

func TestInfer_KeepsTapeState(t *testing.T) {
	backend := newBackend()
	net := testNetwork(t, backend)
	net.Reinit(rand.New(rand.NewSource(1)))

	backend.Tape().StartRecording()
	_, err := Infer(net, backend, testImages(2, 1), 0)
	require.NoError(t, err)
	assert.True(t, backend.Tape().IsRecording())
	assert.Zero(t, backend.Tape().NumOps(), "inference must not record")
	backend.Tape().StopRecording()
}

func TestEvaluate(t *testing.T) {
	backend := newBackend()
	net := testNetwork(t, backend)
	net.Reinit(rand.New(rand.NewSource(4)))
	x := testImages(4, 3)

	out, err := Infer(net, backend, x, 0)
	require.NoError(t, err)
	labels := make([]int32, 4)
	for i := range labels {
		row := out.AsFloat32()[i*model.NumClasses : (i+1)*model.NumClasses]
		best := 0
		for j, v := range row {
			if v > row[best] {
				best = j
			}
		}
		labels[i] = int32(best)
	}
	labels[3] = (labels[3] + 1) % model.NumClasses

	acc, err := Evaluate(net, backend, x, labels, 0)
	require.NoError(t, err)
	assert.Equal(t, 0.75, acc)
}

// step runs one real training step of s on a fixed batch.
func step(t *testing.T, backend Backend, s *Stage[*cpu.Backend], images *tensor.RawTensor, labels []int32) {
	t.Helper()
	y := tensor.MustRaw(tensor.Shape{len(labels)}, tensor.Int32, tensor.CPU)
	copy(y.AsInt32(), labels)

	tape := backend.Tape()
	tape.Clear()
	tape.StartRecording()
	out := s.Net.Forward(tensor.New[float32](images, backend))
	loss := nn.NewCrossEntropyLoss(0.2, backend).Forward(out, tensor.New[int32](y, backend))
	grads := autodiff.Backward(loss, backend)
	tape.StopRecording()
	tape.Clear()
	s.Step(grads)
}

func TestStage_TakeOver(t *testing.T) {
	backend := newBackend()
	trainable := testNetwork(t, backend)
	frozen := testNetwork(t, backend, model.WithFrozenWhitenBias())
	trainable.Reinit(rand.New(rand.NewSource(1)))
	frozen.Reinit(rand.New(rand.NewSource(2)))

	cfg := StageConfig{LR: 0.05, Momentum: 0.6, Radius: 8, HeadRadius: 128, SpectralSteps: 9, TotalSteps: 10}
	from, err := NewStage(TrainableBias, trainable, cfg, backend)
	require.NoError(t, err)
	to, err := NewStage(FrozenBias, frozen, cfg, backend)
	require.NoError(t, err)
	require.Len(t, from.Optimizers, 2)
	require.Len(t, to.Optimizers, 1)

	ds := dataset.Synthetic(8, 5)
	images := dataset.Normalize(ds.Images())
	step(t, backend, from, images, ds.Labels())
	step(t, backend, from, images, ds.Labels())
	assert.NotZero(t, trainable.Whiten().Bias().Tensor().Data()[0], "the whitening bias trains in the first stage")

	require.NoError(t, to.TakeOver(from))

	want, got := trainable.State(), frozen.State()
	require.Equal(t, len(want), len(got))
	for name, w := range want {
		assert.Equal(t, w.Data(), got[name].Data(), name)
	}

	wantMom, gotMom := from.Optimizers[0].StateDict(), to.Optimizers[0].StateDict()
	nonZero := false
	for key, w := range wantMom {
		assert.Equal(t, w.Data(), gotMom[key].Data(), key)
		for _, v := range w.AsFloat32() {
			nonZero = nonZero || v != 0
		}
	}
	assert.True(t, nonZero, "momentum must have been accumulated")

	assert.Equal(t, 2, to.Schedules[0].State())
	assert.Equal(t, from.Optimizers[0].GetLR(), to.Optimizers[0].GetLR())
	assert.InDelta(t, 0.05*0.8, to.Optimizers[0].GetLR(), 1e-7)

	trainable.SetTraining(false)
	frozen.SetTraining(false)
	a := trainable.Forward(tensor.New[float32](images, backend))
	b := frozen.Forward(tensor.New[float32](images, backend))
	assert.Equal(t, a.Data(), b.Data())

	// The whitening weight is frozen: it has no gradient and never moves.
	whiten := append([]float32(nil), frozen.Whiten().Weight().Tensor().Data()...)
	frozen.SetTraining(true)
	step(t, backend, to, images, ds.Labels())
	assert.Equal(t, whiten, frozen.Whiten().Weight().Tensor().Data())
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "warmup", Warmup.String())
	assert.Equal(t, "frozen-bias", FrozenBias.String())
	assert.Equal(t, "Phase(9)", Phase(9).String())
}

func runSession(t *testing.T, cfg *config.Config) (*Summary, string) {
	t.Helper()
	backend := newBackend()
	train := dataset.Synthetic(cfg.Data.Synthetic, 1)
	test := dataset.Synthetic(40, 2)

	var out bytes.Buffer
	s, err := NewSession(cfg, backend, train, test, Options{Out: &out, ID: uuid.MustParse("6f1c2a1e-9a55-4c8e-8b1c-0f6a1f3d2b7a")})
	require.NoError(t, err)
	sum, err := s.Run(context.Background())
	require.NoError(t, err)
	return sum, out.String()
}

func TestSession_Deterministic(t *testing.T) {
	cfg := testConfig()
	first, out := runSession(t, cfg)
	second, _ := runSession(t, cfg)

	require.Len(t, first.Results, 1)
	assert.Equal(t, 2, first.Results[0].Steps)
	assert.Equal(t, first.Accuracies, second.Accuracies)
	assert.Equal(t, first.Results[0].TrainLoss, second.Results[0].TrainLoss)
	assert.Equal(t, first.Results[0].ValAcc, second.Results[0].ValAcc)
	assert.True(t, math.IsNaN(first.Std), "a single run has no sample deviation")

	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	// rule, header, rule, epoch 0, eval, rule, summary
	require.Len(t, lines, 7)
	assert.True(t, strings.HasPrefix(lines[3], "|       0  |      0  |"))
	assert.True(t, strings.HasPrefix(lines[4], "|          |   eval  |"))
	assert.True(t, strings.HasPrefix(lines[6], "lr=0.0500 width_factor=1.0 - Mean: "))
}

// sessionBaseline holds the metrics of the fixed-seed synthetic run in testConfig.
type sessionBaseline struct {
	TrainLoss float64 `yaml:"train_loss"`
	TrainAcc  float64 `yaml:"train_acc"`
	ValAcc    float64 `yaml:"val_acc"`
	TTAValAcc float64 `yaml:"tta_val_acc"`
}

func TestSession_Baseline(t *testing.T) {
	sum, _ := runSession(t, testConfig())
	require.Len(t, sum.Results, 1)
	r := sum.Results[0]
	got := sessionBaseline{TrainLoss: r.TrainLoss, TrainAcc: r.TrainAcc, ValAcc: r.ValAcc, TTAValAcc: r.TTAValAcc}

	path := filepath.Join("testdata", "session_baseline.yaml")
	if *updateBaseline {
		data, err := yaml.Marshal(got)
		require.NoError(t, err)
		require.NoError(t, os.MkdirAll("testdata", 0o755))
		require.NoError(t, os.WriteFile(path, data, 0o644))
		t.Logf("recorded %+v", got)
		return
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		t.Skipf("no recorded baseline at %s; record it with: go test ./internal/train -run TestSession_Baseline -update", path)
	}
	require.NoError(t, err)
	var want sessionBaseline
	require.NoError(t, yaml.Unmarshal(data, &want))

	assert.InDelta(t, want.TrainLoss, got.TrainLoss, 1e-4)
	assert.InDelta(t, want.TrainAcc, got.TrainAcc, 1e-6)
	assert.InDelta(t, want.ValAcc, got.ValAcc, 1e-6)
	assert.InDelta(t, want.TTAValAcc, got.TTAValAcc, 1e-6)
}

func TestLastBatchMetrics(t *testing.T) {
	backend := newBackend()
	net := testNetwork(t, backend)
	net.Reinit(rand.New(rand.NewSource(3)))
	net.SetTraining(false)

	ds := dataset.Synthetic(8, 3)
	y := tensor.MustRaw(tensor.Shape{ds.Len()}, tensor.Int32, tensor.CPU)
	copy(y.AsInt32(), ds.Labels())
	out := net.Forward(tensor.New[float32](dataset.Normalize(ds.Images()), backend))
	loss := nn.NewCrossEntropyLoss(0.2, backend).Forward(out, tensor.New[int32](y, backend))

	gotLoss, gotAcc := lastBatch[*cpu.Backend]{out: out, loss: loss, labels: y}.metrics(ds.Len())
	assert.InDelta(t, float64(loss.Item())/float64(ds.Len()), gotLoss, 1e-12)
	assert.Equal(t, nn.Accuracy(out.Raw(), ds.Labels()), gotAcc)

	gotLoss, gotAcc = lastBatch[*cpu.Backend]{}.metrics(ds.Len())
	assert.Zero(t, gotLoss)
	assert.Zero(t, gotAcc)
}

func TestSession_WarmupAndStages(t *testing.T) {
	cfg := testConfig()
	cfg.Meta.Warmup = true
	cfg.Meta.Runs = 2
	cfg.Opt.TrainEpochs = 2
	cfg.Opt.WhitenBiasEpochs = 1
	cfg.Net.TTALevel = 1

	sum, out := runSession(t, cfg)
	require.Len(t, sum.Accuracies, 2)
	assert.Equal(t, uuid.MustParse("6f1c2a1e-9a55-4c8e-8b1c-0f6a1f3d2b7a"), sum.SessionID)
	for _, r := range sum.Results {
		assert.Equal(t, 4, r.Steps)
		assert.GreaterOrEqual(t, r.TTAValAcc, 0.0)
		assert.LessOrEqual(t, r.TTAValAcc, 1.0)
		assert.Greater(t, r.Seconds, 0.0)
	}
	assert.False(t, math.IsNaN(sum.Std))
	assert.Contains(t, out, "|  warmup  |      0  |")
	assert.Contains(t, out, "|       1  |      0  |")
}

func TestSession_Cancelled(t *testing.T) {
	backend := newBackend()
	cfg := testConfig()
	s, err := NewSession(cfg, backend, dataset.Synthetic(64, 1), dataset.Synthetic(8, 2), Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, backend.Tape().IsRecording())
}
