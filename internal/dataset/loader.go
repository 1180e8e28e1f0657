package dataset

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"

	"github.com/born-ml/airbench/internal/tensor"
)

// Augmentation keys accepted in LoaderConfig.Aug.
const (
	AugFlip      = "flip"      // non-zero enables flipping
	AugTranslate = "translate" // reflect-pad margin in pixels for random translation
)

// ErrUnknownAugmentation is returned by NewLoader for an unrecognized augmentation key.
var ErrUnknownAugmentation = errors.New("dataset: unknown augmentation")

// LoaderConfig configures a Loader.
type LoaderConfig struct {
	BatchSize int
	Aug       map[string]int
	DropLast  bool
	Shuffle   bool
}

// TrainConfig returns the training defaults: shuffled, last partial batch dropped.
func TrainConfig(batchSize int, aug map[string]int) LoaderConfig {
	return LoaderConfig{BatchSize: batchSize, Aug: aug, DropLast: true, Shuffle: true}
}

// TestConfig returns the evaluation defaults: ordered, no augmentation, last
// partial batch kept.
func TestConfig(batchSize int) LoaderConfig {
	return LoaderConfig{BatchSize: batchSize}
}

// Batch is one mini-batch of normalized images and labels.
type Batch struct {
	Images *tensor.RawTensor // [B, 3, 32, 32] float32
	Labels *tensor.RawTensor // [B] int32
}

// Loader produces augmented batches from a Dataset.
//
// Normalization, the per-image pre-flip and reflect padding run once, on the first
// epoch, and are cached. Every epoch then draws fresh translation offsets, mirrors
// the whole set when the epoch index is odd and visits the images in a fresh random
// order (or in order when shuffling is off).
type Loader struct {
	ds        *Dataset
	cfg       LoaderConfig
	flip      bool
	translate int
	rng       *rand.Rand
	epoch     int
	proc      map[string]*tensor.RawTensor
}

// NewLoader creates a loader. Unknown augmentation keys fail here, before any
// epoch runs.
func NewLoader(ds *Dataset, cfg LoaderConfig, rng *rand.Rand) (*Loader, error) {
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("dataset: batch size %d must be positive", cfg.BatchSize)
	}
	keys := make([]string, 0, len(cfg.Aug))
	for k := range cfg.Aug {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k != AugFlip && k != AugTranslate {
			return nil, fmt.Errorf("%w: %q", ErrUnknownAugmentation, k)
		}
	}
	translate := cfg.Aug[AugTranslate]
	if translate < 0 || translate >= ImageSize {
		return nil, fmt.Errorf("dataset: translate %d outside [0, %d)", translate, ImageSize)
	}

	return &Loader{
		ds:        ds,
		cfg:       cfg,
		flip:      cfg.Aug[AugFlip] != 0,
		translate: translate,
		rng:       rng,
		proc:      make(map[string]*tensor.RawTensor),
	}, nil
}

// Len returns the number of batches per epoch.
func (l *Loader) Len() int {
	n := l.ds.Len()
	if l.cfg.DropLast {
		return n / l.cfg.BatchSize
	}
	return (n + l.cfg.BatchSize - 1) / l.cfg.BatchSize
}

// Dataset returns the underlying dataset.
func (l *Loader) Dataset() *Dataset {
	return l.ds
}

// BatchSize returns the configured batch size.
func (l *Loader) BatchSize() int {
	return l.cfg.BatchSize
}

// EpochIndex returns the index of the next epoch.
func (l *Loader) EpochIndex() int {
	return l.epoch
}

// FlipsEpoch reports whether the whole set is mirrored in the given epoch.
func (l *Loader) FlipsEpoch(epoch int) bool {
	return l.flip && epoch%2 == 1
}

// Cached returns a cached processing stage ("norm", "flip" or "pad"), or nil before
// the first epoch.
func (l *Loader) Cached(name string) *tensor.RawTensor {
	return l.proc[name]
}

// Epoch runs one epoch, calling fn for each batch in order until fn returns false.
// The epoch counter advances even when fn stops early. The context is checked
// between batches.
func (l *Loader) Epoch(ctx context.Context, fn func(Batch) bool) error {
	if l.epoch == 0 {
		l.prepare()
	}

	source := l.proc["norm"]
	var dy, dx []int
	switch {
	case l.translate > 0:
		source = l.proc["pad"]
		dy, dx = RandomOffsets(l.ds.Len(), l.translate, l.rng)
	case l.flip:
		source = l.proc["flip"]
	}
	mirror := l.FlipsEpoch(l.epoch)
	l.epoch++

	var order []int
	if l.cfg.Shuffle {
		order = l.rng.Perm(l.ds.Len())
	} else {
		order = make([]int, l.ds.Len())
		for i := range order {
			order[i] = i
		}
	}

	labels := l.ds.Labels()
	for b := range l.Len() {
		if err := ctx.Err(); err != nil {
			return err
		}
		idx := order[b*l.cfg.BatchSize : min((b+1)*l.cfg.BatchSize, len(order))]

		images := Gather(source, idx)
		if dy != nil {
			by, bx := make([]int, len(idx)), make([]int, len(idx))
			for i, j := range idx {
				by[i], bx[i] = dy[j], dx[j]
			}
			images = BatchCrop(images, by, bx, ImageSize)
		}
		if mirror {
			images = FlipLR(images)
		}

		y := tensor.MustRaw(tensor.Shape{len(idx)}, tensor.Int32, images.Device())
		for i, j := range idx {
			y.AsInt32()[i] = labels[j]
		}

		if !fn(Batch{Images: images, Labels: y}) {
			break
		}
	}
	return nil
}

// prepare fills the first-epoch cache.
func (l *Loader) prepare() {
	images := Normalize(l.ds.Images())
	l.proc["norm"] = images
	if l.flip {
		images = RandomFlip(images, l.rng)
		l.proc["flip"] = images
	}
	if l.translate > 0 {
		l.proc["pad"] = ReflectPad(images, l.translate)
	}
}
