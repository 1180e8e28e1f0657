package cpu

import (
	"fmt"
	"math"

	"github.com/born-ml/airbench/internal/parallel"
	"github.com/born-ml/airbench/internal/tensor"
)

// BatchNorm normalizes each channel of an NCHW tensor over (N, H, W) with the batch
// statistics and adds a per-channel shift. The scale is fixed at 1.
//
//	out = (x - mean_c) / sqrt(var_c + eps) + shift_c
//
// Returns the output, the per-channel mean and the biased per-channel variance.
// Statistics accumulate in float64.
func (cpu *Backend) BatchNorm(input, shift *tensor.RawTensor, eps float32) (out, mean, variance *tensor.RawTensor) {
	n, c, hw := bnGeom("batchnorm", input, shift)
	out = cpu.newFloat32(input.Shape(), "batchnorm")
	mean = cpu.newFloat32(tensor.Shape{c}, "batchnorm")
	variance = cpu.newFloat32(tensor.Shape{c}, "batchnorm")

	x, y, b := input.AsFloat32(), out.AsFloat32(), shift.AsFloat32()
	mu, v := mean.AsFloat32(), variance.AsFloat32()
	count := float64(n * hw)

	parallel.For(c, cpu.par, func(ch int) {
		var sum float64
		forChannel(x, n, c, hw, ch, func(plane []float32) {
			for _, val := range plane {
				sum += float64(val)
			}
		})
		m := sum / count

		var sq float64
		forChannel(x, n, c, hw, ch, func(plane []float32) {
			for _, val := range plane {
				d := float64(val) - m
				sq += d * d
			}
		})
		vr := sq / count

		mu[ch], v[ch] = float32(m), float32(vr)
		invStd := 1 / math.Sqrt(vr+float64(eps))
		normalizeChannel(x, y, n, c, hw, ch, m, invStd, b[ch])
	})

	return out, mean, variance
}

// BatchNormInference normalizes with the provided per-channel statistics.
func (cpu *Backend) BatchNormInference(input, shift, mean, variance *tensor.RawTensor, eps float32) *tensor.RawTensor {
	n, c, hw := bnGeom("batchnorm inference", input, shift)
	if mean.NumElements() != c || variance.NumElements() != c {
		panic(fmt.Sprintf("batchnorm inference: statistics %v/%v do not match %d channels", mean.Shape(), variance.Shape(), c))
	}
	out := cpu.newFloat32(input.Shape(), "batchnorm inference")

	x, y, b := input.AsFloat32(), out.AsFloat32(), shift.AsFloat32()
	mu, v := mean.AsFloat32(), variance.AsFloat32()

	parallel.For(c, cpu.par, func(ch int) {
		invStd := 1 / math.Sqrt(float64(v[ch])+float64(eps))
		normalizeChannel(x, y, n, c, hw, ch, float64(mu[ch]), invStd, b[ch])
	})
	return out
}

// BatchNormBackward returns the gradients of BatchNorm w.r.t. input and shift.
//
// With x̂ = (x - mean) * invStd and M = N*H*W elements per channel:
//
//	dshift = Σ g
//	dx     = invStd / M * (M*g - Σ g - x̂ * Σ(g*x̂))
func (cpu *Backend) BatchNormBackward(input, mean, variance, grad *tensor.RawTensor, eps float32) (inputGrad, shiftGrad *tensor.RawTensor) {
	n, c, hw := bnGeom("batchnorm backward", input, mean)
	if !grad.Shape().Equal(input.Shape()) {
		panic(fmt.Sprintf("batchnorm backward: grad shape %v != input shape %v", grad.Shape(), input.Shape()))
	}
	inputGrad = cpu.newFloat32(input.Shape(), "batchnorm backward")
	shiftGrad = cpu.newFloat32(tensor.Shape{c}, "batchnorm backward")

	x, g, dx := input.AsFloat32(), grad.AsFloat32(), inputGrad.AsFloat32()
	mu, v, db := mean.AsFloat32(), variance.AsFloat32(), shiftGrad.AsFloat32()
	count := float64(n * hw)

	parallel.For(c, cpu.par, func(ch int) {
		m := float64(mu[ch])
		invStd := 1 / math.Sqrt(float64(v[ch])+float64(eps))

		var sumG, sumGX float64
		for i := 0; i < n; i++ {
			off := (i*c + ch) * hw
			for j := off; j < off+hw; j++ {
				gv := float64(g[j])
				sumG += gv
				sumGX += gv * (float64(x[j]) - m) * invStd
			}
		}
		db[ch] = float32(sumG)

		scale := invStd / count
		for i := 0; i < n; i++ {
			off := (i*c + ch) * hw
			for j := off; j < off+hw; j++ {
				xhat := (float64(x[j]) - m) * invStd
				dx[j] = float32(scale * (count*float64(g[j]) - sumG - xhat*sumGX))
			}
		}
	})

	return inputGrad, shiftGrad
}

func bnGeom(op string, input, perChannel *tensor.RawTensor) (n, c, hw int) {
	shape := input.Shape()
	if len(shape) != 4 {
		panic(fmt.Sprintf("%s: expected 4D input [N,C,H,W], got %v", op, shape))
	}
	n, c, hw = shape[0], shape[1], shape[2]*shape[3]
	if perChannel.NumElements() != c {
		panic(fmt.Sprintf("%s: per-channel tensor %v does not match %d channels", op, perChannel.Shape(), c))
	}
	return n, c, hw
}

// forChannel calls f with every [H*W] plane of channel ch in data.
func forChannel(data []float32, n, c, hw, ch int, f func(plane []float32)) {
	for i := 0; i < n; i++ {
		off := (i*c + ch) * hw
		f(data[off : off+hw])
	}
}

func normalizeChannel(x, y []float32, n, c, hw, ch int, mean, invStd float64, shift float32) {
	for i := 0; i < n; i++ {
		off := (i*c + ch) * hw
		for j := off; j < off+hw; j++ {
			y[j] = float32((float64(x[j])-mean)*invStd) + shift
		}
	}
}
