// Command airbench trains the airbench CIFAR-10 network a number of times and
// reports per-epoch metrics and the mean TTA accuracy.
//
// Usage:
//
//	go run ./cmd/airbench -data ./cifar10 -runs 5
//	go run ./cmd/airbench -synthetic 2048 -epochs 1 -no-warmup
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/born-ml/airbench/internal/autodiff"
	"github.com/born-ml/airbench/internal/backend/cpu"
	"github.com/born-ml/airbench/internal/backend/webgpu"
	"github.com/born-ml/airbench/internal/config"
	"github.com/born-ml/airbench/internal/dataset"
	"github.com/born-ml/airbench/internal/tensor"
	"github.com/born-ml/airbench/internal/train"
)

// syntheticTestSize is the size of the generated test split in synthetic mode.
const syntheticTestSize = 1000

func main() {
	configPath := flag.String("config", "", "YAML config file (defaults are used when empty)")
	var o config.Overrides
	flag.StringVar(&o.DataDir, "data", "", "CIFAR-10 binary directory")
	flag.IntVar(&o.Synthetic, "synthetic", 0, "train on N generated images instead of CIFAR-10")
	flag.IntVar(&o.Runs, "runs", 0, "number of measured runs")
	flag.Float64Var(&o.Epochs, "epochs", 0, "training epochs (fractional allowed)")
	flag.IntVar(&o.BatchSize, "batch", 0, "batch size")
	lr := flag.Float64("lr", 0, "learning rate")
	flag.Int64Var(&o.Seed, "seed", 0, "base seed")
	flag.IntVar(&o.TTALevel, "tta", -1, "test-time augmentation level 0-2")
	flag.StringVar(&o.Backend, "backend", "", "compute backend: cpu or webgpu")
	flag.BoolVar(&o.NoWarmup, "no-warmup", false, "skip the warmup run")
	flag.Parse()

	logger := log.New(os.Stderr, "airbench: ", log.LstdFlags)

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			logger.Fatalf("config: %v", err)
		}
	}
	o.LR = float32(*lr)
	cfg.ApplyOverrides(o)
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("config: %v", err)
	}

	id := uuid.New()
	trainSet, testSet, err := loadData(cfg, id, logger)
	if err != nil {
		logger.Fatalf("data: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := train.Options{Out: os.Stdout, Logger: logger, ID: id}
	if cfg.Backend == config.BackendWebGPU {
		gpu, err := webgpu.New()
		switch {
		case errors.Is(err, webgpu.ErrUnavailable):
			logger.Printf("%v; falling back to cpu", err)
		case err != nil:
			logger.Fatalf("backend: %v", err)
		default:
			defer gpu.Release()
			if err := runSession(ctx, cfg, gpu, trainSet, testSet, opts); err != nil {
				logger.Fatal(err)
			}
			return
		}
	}
	if err := runSession(ctx, cfg, cpu.New(), trainSet, testSet, opts); err != nil {
		logger.Fatal(err)
	}
}

func runSession[B tensor.Backend](ctx context.Context, cfg *config.Config, inner B, trainSet, testSet *dataset.Dataset, opts train.Options) error {
	session, err := train.NewSession(cfg, autodiff.New(inner), trainSet, testSet, opts)
	if err != nil {
		return err
	}
	_, err = session.Run(ctx)
	return err
}

func loadData(cfg *config.Config, id uuid.UUID, logger *log.Logger) (trainSet, testSet *dataset.Dataset, err error) {
	if n := cfg.Data.Synthetic; n > 0 {
		logger.Printf("using %d synthetic training images", n)
		return dataset.Synthetic(n, cfg.Meta.Seed), dataset.Synthetic(syntheticTestSize, cfg.Meta.Seed+1), nil
	}

	store := &dataset.Store{Dir: cfg.Data.Dir, CacheDir: cfg.Data.CacheDir, Logger: logger, Tag: id.String()}
	if trainSet, err = store.Load(true); err != nil {
		return nil, nil, err
	}
	if testSet, err = store.Load(false); err != nil {
		return nil, nil, err
	}
	return trainSet, testSet, nil
}
