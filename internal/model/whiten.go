package model

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/born-ml/airbench/internal/nn"
	"github.com/born-ml/airbench/internal/parallel"
	"github.com/born-ml/airbench/internal/tensor"
)

// Whitening defaults.
const (
	DefaultWhitenEps = 5e-4
	WhitenSamples    = 5000 // training images used to estimate the patch covariance
)

// ErrWhitening is returned when the patch covariance cannot be decomposed.
var ErrWhitening = errors.New("model: whitening failed")

// Patches extracts every overlapping k×k patch (stride 1) of float32 images
// [N, C, H, W] as the rows of an [N·(H-k+1)·(W-k+1), C·k·k] matrix. Each row is
// laid out as (channel, row, column), matching a convolution filter.
func Patches(images *tensor.RawTensor, k int) *mat.Dense {
	n, c, h, w := patchGeom(images, k)
	oh, ow := h-k+1, w-k+1
	d := c * k * k
	out := mat.NewDense(n*oh*ow, d, nil)
	x := images.AsFloat32()
	row := make([]float64, d)
	for i := range n {
		for y := range oh {
			for z := range ow {
				fillPatch(row, x[i*c*h*w:(i+1)*c*h*w], c, h, w, k, y, z)
				out.SetRow((i*oh+y)*ow+z, row)
			}
		}
	}
	return out
}

// PatchCovariance returns PᵀP / rows(P) for P = Patches(images, k) without
// materializing P.
func PatchCovariance(images *tensor.RawTensor, k int) *mat.SymDense {
	n, c, h, w := patchGeom(images, k)
	oh, ow := h-k+1, w-k+1
	d := c * k * k
	x := images.AsFloat32()

	chunks := parallel.Chunks(n, parallel.DefaultConfig())
	partial := make([][]float64, len(chunks))
	parallel.ForChunks(n, parallel.DefaultConfig(), func(idx int, ch parallel.Chunk) {
		acc := make([]float64, d*d)
		row := make([]float64, d)
		for i := ch.Start; i < ch.End; i++ {
			img := x[i*c*h*w : (i+1)*c*h*w]
			for y := range oh {
				for z := range ow {
					fillPatch(row, img, c, h, w, k, y, z)
					for a := range d {
						ra := row[a]
						for b := a; b < d; b++ {
							acc[a*d+b] += ra * row[b]
						}
					}
				}
			}
		}
		partial[idx] = acc
	})

	total := float64(n * oh * ow)
	cov := mat.NewSymDense(d, nil)
	for a := range d {
		for b := a; b < d; b++ {
			var s float64
			for _, acc := range partial {
				s += acc[a*d+b]
			}
			cov.SetSym(a, b, s/total)
		}
	}
	return cov
}

func patchGeom(images *tensor.RawTensor, k int) (n, c, h, w int) {
	shape := images.Shape()
	if images.DType() != tensor.Float32 || len(shape) != 4 {
		panic(fmt.Sprintf("patches: expected float32 [N,C,H,W] images, got %s %v", images.DType(), shape))
	}
	n, c, h, w = shape[0], shape[1], shape[2], shape[3]
	if k <= 0 || k > h || k > w {
		panic(fmt.Sprintf("patches: kernel %d does not fit %dx%d images", k, h, w))
	}
	return n, c, h, w
}

func fillPatch(dst []float64, img []float32, c, h, w, k, y, z int) {
	j := 0
	for ch := range c {
		for dy := range k {
			base := ch*h*w + (y+dy)*w + z
			for dx := range k {
				dst[j] = float64(img[base+dx])
				j++
			}
		}
	}
}

// Whitening holds the eigendecomposition of a patch covariance, largest eigenvalue
// first. Vectors has one eigenvector per row.
type Whitening struct {
	Values  []float64
	Vectors *mat.Dense
}

// ComputeWhitening decomposes the patch covariance of images.
func ComputeWhitening(images *tensor.RawTensor, k int) (*Whitening, error) {
	cov := PatchCovariance(images, k)
	d := cov.SymmetricDim()

	var eig mat.EigenSym
	if !eig.Factorize(cov, true) {
		return nil, fmt.Errorf("%w: eigendecomposition of %dx%d covariance did not converge", ErrWhitening, d, d)
	}
	ascending := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	wh := &Whitening{Values: make([]float64, d), Vectors: mat.NewDense(d, d, nil)}
	for i := range d {
		src := d - 1 - i
		wh.Values[i] = ascending[src]
		for j := range d {
			wh.Vectors.Set(i, j, vecs.At(j, src))
		}
	}
	return wh, nil
}

// InitWhitening sets the frozen weight of layer to whitening filters estimated from
// normalized images: each eigenvector v of the patch covariance becomes the filter
// v/√(λ+eps), followed by the negations of all filters. The layer must have
// 2·C·k² output channels. The eigenvalues are returned largest first.
func InitWhitening[B tensor.Backend](layer *nn.Conv2D[B], images *tensor.RawTensor, eps float64) ([]float64, error) {
	k := layer.KernelSize()
	c := layer.InChannels()
	d := c * k * k
	if layer.OutChannels() != 2*d {
		return nil, fmt.Errorf("%w: layer has %d filters, need %d", ErrWhitening, layer.OutChannels(), 2*d)
	}
	if shape := images.Shape(); len(shape) != 4 || shape[1] != c {
		return nil, fmt.Errorf("%w: images %v do not have %d channels", ErrWhitening, shape, c)
	}

	wh, err := ComputeWhitening(images, k)
	if err != nil {
		return nil, err
	}

	weight := layer.Weight().Tensor().Data()
	for i := range d {
		scale := 1 / math.Sqrt(wh.Values[i]+eps)
		for j := range d {
			v := float32(wh.Vectors.At(i, j) * scale)
			weight[i*d+j] = v
			weight[(d+i)*d+j] = -v
		}
	}
	return wh.Values, nil
}
