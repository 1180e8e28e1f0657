package train

import (
	"errors"
	"fmt"

	"github.com/born-ml/airbench/internal/autodiff"
	"github.com/born-ml/airbench/internal/dataset"
	"github.com/born-ml/airbench/internal/model"
	"github.com/born-ml/airbench/internal/nn"
	"github.com/born-ml/airbench/internal/tensor"
)

// EvalChunk is the number of images evaluated per forward pass.
const EvalChunk = 2000

// MaxTTALevel is the strongest test-time augmentation.
const MaxTTALevel = 2

// ErrInvalidTTALevel is returned for a level outside [0, MaxTTALevel].
var ErrInvalidTTALevel = errors.New("train: invalid TTA level")

// Infer returns the logits [N, 10] of normalized images under test-time
// augmentation:
//
//	level 0: f(x)
//	level 1: ½·f(x) + ½·f(mirror x)
//	level 2: ½·level1(x) + ¼·level1(x shifted up-left) + ¼·level1(x shifted down-right)
//
// The shifts take 32x32 crops at offsets (0,0) and (2,2) of the one-pixel
// reflect-padded image. The network is switched to evaluation mode and the tape
// does not record.
func Infer[B tensor.Backend](net *model.Network[*autodiff.Backend[B]], backend *autodiff.Backend[B], images *tensor.RawTensor, level int) (*tensor.RawTensor, error) {
	if level < 0 || level > MaxTTALevel {
		return nil, fmt.Errorf("%w: %d", ErrInvalidTTALevel, level)
	}
	shape := images.Shape()
	if len(shape) != 4 || images.DType() != tensor.Float32 {
		return nil, fmt.Errorf("train: expected float32 [N,3,H,W] images, got %s %v", images.DType(), shape)
	}

	tape := backend.Tape()
	if tape.IsRecording() {
		tape.StopRecording()
		defer tape.StartRecording()
	}
	net.SetTraining(false)

	n := shape[0]
	per := shape[1:].NumElements()
	var out *tensor.RawTensor
	for start := 0; start < n; start += EvalChunk {
		end := min(start+EvalChunk, n)
		chunk := tensor.MustRaw(append(tensor.Shape{end - start}, shape[1:]...), tensor.Float32, images.Device())
		copy(chunk.AsFloat32(), images.AsFloat32()[start*per:end*per])

		y := inferChunk(net, backend, chunk, level)
		if out == nil {
			out = tensor.MustRaw(tensor.Shape{n, y.Shape()[1]}, tensor.Float32, y.Raw().Device())
		}
		classes := y.Shape()[1]
		copy(out.AsFloat32()[start*classes:end*classes], y.Data())
	}
	return out, nil
}

func inferChunk[B tensor.Backend](net *model.Network[*autodiff.Backend[B]], backend *autodiff.Backend[B], x *tensor.RawTensor, level int) *tensor.Tensor[float32, *autodiff.Backend[B]] {
	forward := func(raw *tensor.RawTensor) *tensor.Tensor[float32, *autodiff.Backend[B]] {
		return net.Forward(tensor.New[float32](raw, backend))
	}
	mirror := func(raw *tensor.RawTensor) *tensor.Tensor[float32, *autodiff.Backend[B]] {
		return forward(raw).MulScalar(0.5).Add(forward(dataset.FlipLR(raw)).MulScalar(0.5))
	}

	switch level {
	case 0:
		return forward(x)
	case 1:
		return mirror(x)
	}

	n := x.Shape()[0]
	size := x.Shape()[2]
	padded := dataset.ReflectPad(x, 1)
	shift := func(d int) *tensor.RawTensor {
		off := make([]int, n)
		for i := range off {
			off[i] = d
		}
		return dataset.BatchCrop(padded, off, off, size)
	}
	translated := mirror(shift(-1)).Add(mirror(shift(1))).MulScalar(0.25)
	return mirror(x).MulScalar(0.5).Add(translated)
}

// Evaluate returns the accuracy of net on normalized images at the given TTA level.
func Evaluate[B tensor.Backend](net *model.Network[*autodiff.Backend[B]], backend *autodiff.Backend[B], images *tensor.RawTensor, labels []int32, level int) (float64, error) {
	out, err := Infer(net, backend, images, level)
	if err != nil {
		return 0, err
	}
	return nn.Accuracy(out, labels), nil
}
