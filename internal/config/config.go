// Package config holds the run parameters of the trainer.
//
// A Config starts from Default, is optionally overlaid with a YAML file and CLI
// overrides, and is validated once. After validation it is treated as immutable
// and passed by pointer.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/born-ml/airbench/internal/dataset"
	"github.com/born-ml/airbench/internal/model"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Backend names accepted in Config.Backend.
const (
	BackendCPU    = "cpu"
	BackendWebGPU = "webgpu"
)

// Config is the full set of run parameters.
type Config struct {
	Meta    Meta   `yaml:"meta"`
	Opt     Opt    `yaml:"opt"`
	Aug     Aug    `yaml:"aug"`
	Net     Net    `yaml:"net"`
	Data    Data   `yaml:"data"`
	Backend string `yaml:"backend"`
}

// Meta controls the session.
type Meta struct {
	Runs   int   `yaml:"runs"`
	Seed   int64 `yaml:"seed"`
	Warmup bool  `yaml:"warmup"`
}

// Opt holds the optimization settings.
type Opt struct {
	TrainEpochs      float64 `yaml:"train_epochs"`
	BatchSize        int     `yaml:"batch_size"`
	LR               float32 `yaml:"lr"`
	Momentum         float32 `yaml:"momentum"`
	LabelSmoothing   float32 `yaml:"label_smoothing"`
	WhitenBiasEpochs int     `yaml:"whiten_bias_epochs"`
	Radius           float32 `yaml:"radius"`
	HeadRadius       float32 `yaml:"head_radius"`
	SpectralSteps    int     `yaml:"spectral_steps"`
	WarmupLR         float32 `yaml:"warmup_lr"`
	WarmupMomentum   float32 `yaml:"warmup_momentum"`
}

// Aug selects the training augmentations.
type Aug struct {
	Flip      bool `yaml:"flip"`
	Translate int  `yaml:"translate"`
}

// Widths are the output channels of the three conv groups.
type Widths struct {
	Block1 int `yaml:"block1"`
	Block2 int `yaml:"block2"`
	Block3 int `yaml:"block3"`
}

// Net holds the architecture and evaluation settings.
type Net struct {
	Widths            Widths  `yaml:"widths"`
	WidthFactor       float64 `yaml:"width_factor"`
	BatchNormMomentum float32 `yaml:"batchnorm_momentum"`
	ScalingFactor     float32 `yaml:"scaling_factor"`
	TTALevel          int     `yaml:"tta_level"`
}

// Data locates the dataset.
type Data struct {
	Dir       string `yaml:"dir"`
	CacheDir  string `yaml:"cache_dir"`
	Synthetic int    `yaml:"synthetic"` // > 0 trains on that many synthetic images instead
}

// Default returns the reference configuration.
func Default() *Config {
	return &Config{
		Meta: Meta{Runs: 5, Warmup: true},
		Opt: Opt{
			TrainEpochs:    8,
			BatchSize:      2000,
			LR:             0.05,
			Momentum:       0.6,
			LabelSmoothing: 0.2,
			Radius:         8,
			HeadRadius:     128,
			SpectralSteps:  9,
			WarmupLR:       0.05,
			WarmupMomentum: 0.5,
		},
		Aug: Aug{Flip: true, Translate: 2},
		Net: Net{
			Widths:            Widths{Block1: 64, Block2: 256, Block3: 256},
			WidthFactor:       1,
			BatchNormMomentum: 0.6,
			ScalingFactor:     1.0 / 9,
			TTALevel:          2,
		},
		Data:    Data{Dir: "cifar10"},
		Backend: BackendCPU,
	}
}

// Load reads a YAML file over the defaults and validates the result. Keys that do
// not map to a field are errors.
func Load(path string) (*Config, error) {
	//nolint:gosec // G304: config path is chosen by the user
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer func() { _ = f.Close() }()

	cfg := Default()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Overrides captures CLI supplied values. Zero values leave the config unchanged.
type Overrides struct {
	DataDir   string
	Synthetic int
	Runs      int
	Epochs    float64
	BatchSize int
	LR        float32
	Seed      int64
	TTALevel  int // -1 keeps the configured level
	Backend   string
	NoWarmup  bool
}

// ApplyOverrides updates c using any set override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.DataDir != "" {
		c.Data.Dir = o.DataDir
	}
	if o.Synthetic > 0 {
		c.Data.Synthetic = o.Synthetic
	}
	if o.Runs > 0 {
		c.Meta.Runs = o.Runs
	}
	if o.Epochs > 0 {
		c.Opt.TrainEpochs = o.Epochs
	}
	if o.BatchSize > 0 {
		c.Opt.BatchSize = o.BatchSize
	}
	if o.LR > 0 {
		c.Opt.LR = o.LR
	}
	if o.Seed != 0 {
		c.Meta.Seed = o.Seed
	}
	if o.TTALevel >= 0 {
		c.Net.TTALevel = o.TTALevel
	}
	if o.Backend != "" {
		c.Backend = o.Backend
	}
	if o.NoWarmup {
		c.Meta.Warmup = false
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalidConfig)
	}
	switch {
	case c.Meta.Runs <= 0:
		return fmt.Errorf("%w: runs must be > 0 (got %d)", ErrInvalidConfig, c.Meta.Runs)
	case c.Opt.TrainEpochs <= 0:
		return fmt.Errorf("%w: train_epochs must be > 0 (got %v)", ErrInvalidConfig, c.Opt.TrainEpochs)
	case c.Opt.BatchSize <= 0:
		return fmt.Errorf("%w: batch_size must be > 0 (got %d)", ErrInvalidConfig, c.Opt.BatchSize)
	case c.Opt.LR <= 0 || c.Opt.WarmupLR <= 0:
		return fmt.Errorf("%w: learning rates must be > 0 (got %v, warmup %v)", ErrInvalidConfig, c.Opt.LR, c.Opt.WarmupLR)
	case c.Opt.Momentum <= 0 || c.Opt.Momentum > 1 || c.Opt.WarmupMomentum <= 0 || c.Opt.WarmupMomentum > 1:
		return fmt.Errorf("%w: momentum must be in (0, 1] (got %v, warmup %v)", ErrInvalidConfig, c.Opt.Momentum, c.Opt.WarmupMomentum)
	case c.Opt.LabelSmoothing < 0 || c.Opt.LabelSmoothing >= 1:
		return fmt.Errorf("%w: label_smoothing must be in [0, 1) (got %v)", ErrInvalidConfig, c.Opt.LabelSmoothing)
	case c.Opt.WhitenBiasEpochs < 0:
		return fmt.Errorf("%w: whiten_bias_epochs must be >= 0 (got %d)", ErrInvalidConfig, c.Opt.WhitenBiasEpochs)
	case c.Opt.Radius <= 0 || c.Opt.HeadRadius <= 0:
		return fmt.Errorf("%w: radii must be > 0 (got %v, head %v)", ErrInvalidConfig, c.Opt.Radius, c.Opt.HeadRadius)
	case c.Opt.SpectralSteps <= 0:
		return fmt.Errorf("%w: spectral_steps must be > 0 (got %d)", ErrInvalidConfig, c.Opt.SpectralSteps)
	case c.Aug.Translate < 0 || c.Aug.Translate >= 32:
		return fmt.Errorf("%w: translate must be in [0, 32) (got %d)", ErrInvalidConfig, c.Aug.Translate)
	case c.Net.TTALevel < 0 || c.Net.TTALevel > 2:
		return fmt.Errorf("%w: tta_level must be 0, 1 or 2 (got %d)", ErrInvalidConfig, c.Net.TTALevel)
	case c.Net.WidthFactor <= 0:
		return fmt.Errorf("%w: width_factor must be > 0 (got %v)", ErrInvalidConfig, c.Net.WidthFactor)
	case c.Data.Synthetic < 0:
		return fmt.Errorf("%w: synthetic must be >= 0 (got %d)", ErrInvalidConfig, c.Data.Synthetic)
	case c.Data.Synthetic == 0 && c.Data.Dir == "":
		return fmt.Errorf("%w: data dir is required without synthetic data", ErrInvalidConfig)
	case c.Backend != BackendCPU && c.Backend != BackendWebGPU:
		return fmt.Errorf("%w: backend must be %q or %q (got %q)", ErrInvalidConfig, BackendCPU, BackendWebGPU, c.Backend)
	}

	widths := c.Model().Widths
	for i, w := range widths {
		if w <= 0 {
			return fmt.Errorf("%w: block%d width must be > 0 after width_factor (got %d)", ErrInvalidConfig, i+1, w)
		}
	}
	if c.Net.BatchNormMomentum < 0 || c.Net.BatchNormMomentum >= 1 {
		return fmt.Errorf("%w: batchnorm_momentum must be in [0, 1) (got %v)", ErrInvalidConfig, c.Net.BatchNormMomentum)
	}
	if c.Net.ScalingFactor <= 0 {
		return fmt.Errorf("%w: scaling_factor must be > 0 (got %v)", ErrInvalidConfig, c.Net.ScalingFactor)
	}
	return nil
}

// Model returns the network architecture, with the widths scaled by WidthFactor
// and rounded half to even.
func (c *Config) Model() model.Config {
	scale := func(w int) int { return int(math.RoundToEven(float64(w) * c.Net.WidthFactor)) }
	return model.Config{
		Widths:            [3]int{scale(c.Net.Widths.Block1), scale(c.Net.Widths.Block2), scale(c.Net.Widths.Block3)},
		BatchNormMomentum: c.Net.BatchNormMomentum,
		ScalingFactor:     c.Net.ScalingFactor,
	}
}

// Augmentations returns the loader augmentation map.
func (c *Config) Augmentations() map[string]int {
	aug := map[string]int{}
	if c.Aug.Flip {
		aug[dataset.AugFlip] = 1
	}
	if c.Aug.Translate > 0 {
		aug[dataset.AugTranslate] = c.Aug.Translate
	}
	return aug
}
