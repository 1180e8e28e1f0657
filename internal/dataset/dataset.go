// Package dataset provides the CIFAR-10 image store and the augmenting batch loader.
//
// A Dataset holds images as uint8 [N, 3, 32, 32] and int32 labels. A Loader turns
// it into shuffled, normalized, augmented float32 batches:
//
//	train, err := dataset.LoadCIFAR10("cifar10", true)
//	loader, err := dataset.NewLoader(train, dataset.TrainConfig(2000, map[string]int{"flip": 1, "translate": 2}), rng)
//	err = loader.Epoch(ctx, func(b dataset.Batch) bool {
//	    // b.Images: [2000, 3, 32, 32] float32, b.Labels: [2000] int32
//	    return true
//	})
package dataset

import (
	"fmt"
	"math/rand"

	"github.com/born-ml/airbench/internal/tensor"
)

// Image geometry shared by every dataset.
const (
	Channels   = 3
	ImageSize  = 32
	NumClasses = 10
)

// CIFAR10Classes are the class names in label order.
var CIFAR10Classes = []string{
	"airplane", "automobile", "bird", "cat", "deer",
	"dog", "frog", "horse", "ship", "truck",
}

// Dataset is an immutable set of labeled images.
type Dataset struct {
	images  *tensor.RawTensor // [N, 3, 32, 32] uint8
	labels  []int32
	classes []string
}

// New creates a dataset from uint8 images [N, 3, 32, 32] and labels in [0, 10).
func New(images *tensor.RawTensor, labels []int32, classes []string) (*Dataset, error) {
	shape := images.Shape()
	if images.DType() != tensor.Uint8 || len(shape) != 4 || shape[1] != Channels || shape[2] != ImageSize || shape[3] != ImageSize {
		return nil, fmt.Errorf("dataset: images must be uint8 [N,%d,%d,%d], got %s %v",
			Channels, ImageSize, ImageSize, images.DType(), shape)
	}
	if shape[0] != len(labels) {
		return nil, fmt.Errorf("dataset: %d images but %d labels", shape[0], len(labels))
	}
	for i, l := range labels {
		if l < 0 || l >= NumClasses {
			return nil, fmt.Errorf("dataset: label %d of image %d outside [0, %d)", l, i, NumClasses)
		}
	}
	return &Dataset{images: images, labels: labels, classes: classes}, nil
}

// Len returns the number of images.
func (d *Dataset) Len() int {
	return len(d.labels)
}

// Images returns the uint8 image tensor. Callers must not modify it.
func (d *Dataset) Images() *tensor.RawTensor {
	return d.images
}

// Labels returns the labels. Callers must not modify them.
func (d *Dataset) Labels() []int32 {
	return d.labels
}

// Classes returns the class names.
func (d *Dataset) Classes() []string {
	return d.classes
}

// Head returns a dataset holding a copy of the first n images, n clamped to
// [1, Len()].
func (d *Dataset) Head(n int) *Dataset {
	n = min(max(n, 1), d.Len())
	per := Channels * ImageSize * ImageSize
	images, err := tensor.NewRaw(tensor.Shape{n, Channels, ImageSize, ImageSize}, tensor.Uint8, d.images.Device())
	if err != nil {
		panic(err)
	}
	copy(images.AsUint8(), d.images.AsUint8()[:n*per])
	return &Dataset{images: images, labels: d.labels[:n], classes: d.classes}
}

// WithRandomLabels returns a dataset sharing the images with labels drawn uniformly
// from rng. Used by the warmup run, whose only purpose is exercising the code path.
func (d *Dataset) WithRandomLabels(rng *rand.Rand) *Dataset {
	labels := make([]int32, d.Len())
	for i := range labels {
		labels[i] = int32(rng.Intn(NumClasses))
	}
	return &Dataset{images: d.images, labels: labels, classes: d.classes}
}

// Synthetic returns n deterministic, learnable images: every class has a fixed random
// template and each image is its class template blended with per-image noise.
func Synthetic(n int, seed int64) *Dataset {
	rng := rand.New(rand.NewSource(seed))
	per := Channels * ImageSize * ImageSize

	templates := make([][]float64, NumClasses)
	for c := range templates {
		templates[c] = make([]float64, per)
		for i := range templates[c] {
			templates[c][i] = rng.Float64() * 255
		}
	}

	images := tensor.MustRaw(tensor.Shape{n, Channels, ImageSize, ImageSize}, tensor.Uint8, tensor.CPU)
	pixels := images.AsUint8()
	labels := make([]int32, n)
	for i := range n {
		label := rng.Intn(NumClasses)
		labels[i] = int32(label)
		img := pixels[i*per : (i+1)*per]
		for j := range img {
			img[j] = uint8(0.6*templates[label][j] + 0.4*rng.Float64()*255)
		}
	}

	ds, err := New(images, labels, CIFAR10Classes)
	if err != nil {
		panic(err)
	}
	return ds
}
