package dataset

import (
	"fmt"
	"math/rand"

	"github.com/born-ml/airbench/internal/parallel"
	"github.com/born-ml/airbench/internal/tensor"
)

// Per-channel CIFAR-10 statistics used for normalization.
var (
	Mean = [Channels]float32{0.4914, 0.4822, 0.4465}
	Std  = [Channels]float32{0.2470, 0.2435, 0.2616}
)

// imageGeom returns the [N, C, H, W] dimensions of a float32 image batch.
func imageGeom(op string, images *tensor.RawTensor) (n, c, h, w int) {
	shape := images.Shape()
	if len(shape) != 4 || images.DType() != tensor.Float32 {
		panic(fmt.Sprintf("%s: expected float32 [N,C,H,W] images, got %s %v", op, images.DType(), shape))
	}
	return shape[0], shape[1], shape[2], shape[3]
}

// Normalize converts uint8 images [N, 3, H, W] to float32 (x/255 - mean) / std.
func Normalize(images *tensor.RawTensor) *tensor.RawTensor {
	shape := images.Shape()
	if images.DType() != tensor.Uint8 || len(shape) != 4 || shape[1] != Channels {
		panic(fmt.Sprintf("normalize: expected uint8 [N,3,H,W] images, got %s %v", images.DType(), shape))
	}
	out := tensor.MustRaw(shape, tensor.Float32, images.Device())
	src, dst := images.AsUint8(), out.AsFloat32()
	plane := shape[2] * shape[3]

	parallel.For(shape[0]*Channels, parallel.DefaultConfig(), func(p int) {
		c := p % Channels
		scale, shift := 1/(255*Std[c]), Mean[c]/Std[c]
		for i := p * plane; i < (p+1)*plane; i++ {
			dst[i] = float32(src[i])*scale - shift
		}
	})
	return out
}

// FlipLR mirrors every image horizontally.
func FlipLR(images *tensor.RawTensor) *tensor.RawTensor {
	n, c, h, w := imageGeom("flip", images)
	out := tensor.MustRaw(images.Shape(), tensor.Float32, images.Device())
	src, dst := images.AsFloat32(), out.AsFloat32()
	parallel.For(n*c*h, parallel.DefaultConfig(), func(row int) {
		mirrorRow(dst[row*w:(row+1)*w], src[row*w:(row+1)*w])
	})
	return out
}

// RandomFlip mirrors each image independently with probability 1/2. The coins are
// drawn from rng in image order.
func RandomFlip(images *tensor.RawTensor, rng *rand.Rand) *tensor.RawTensor {
	n, c, h, w := imageGeom("random flip", images)
	flip := make([]bool, n)
	for i := range flip {
		flip[i] = rng.Float64() < 0.5
	}

	out := tensor.MustRaw(images.Shape(), tensor.Float32, images.Device())
	src, dst := images.AsFloat32(), out.AsFloat32()
	per := c * h * w
	parallel.For(n, parallel.DefaultConfig(), func(i int) {
		s, d := src[i*per:(i+1)*per], dst[i*per:(i+1)*per]
		if !flip[i] {
			copy(d, s)
			return
		}
		for row := 0; row < c*h; row++ {
			mirrorRow(d[row*w:(row+1)*w], s[row*w:(row+1)*w])
		}
	})
	return out
}

func mirrorRow(dst, src []float32) {
	w := len(src)
	for x := range w {
		dst[x] = src[w-1-x]
	}
}

// ReflectPad pads the spatial dimensions by pad pixels on every side, mirroring
// about the edge pixel (the edge itself is not repeated).
func ReflectPad(images *tensor.RawTensor, pad int) *tensor.RawTensor {
	n, c, h, w := imageGeom("reflect pad", images)
	if pad < 0 || pad >= h || pad >= w {
		panic(fmt.Sprintf("reflect pad: pad %d must be in [0, %d)", pad, min(h, w)))
	}
	ph, pw := h+2*pad, w+2*pad
	out := tensor.MustRaw(tensor.Shape{n, c, ph, pw}, tensor.Float32, images.Device())
	src, dst := images.AsFloat32(), out.AsFloat32()

	parallel.For(n*c, parallel.DefaultConfig(), func(p int) {
		s, d := src[p*h*w:(p+1)*h*w], dst[p*ph*pw:(p+1)*ph*pw]
		for y := range ph {
			sy := reflect(y-pad, h)
			for x := range pw {
				d[y*pw+x] = s[sy*w+reflect(x-pad, w)]
			}
		}
	})
	return out
}

func reflect(i, n int) int {
	if i < 0 {
		return -i
	}
	if i >= n {
		return 2*(n-1) - i
	}
	return i
}

// RandomOffsets draws one (dy, dx) translation in [-r, r]² per image, dy before dx.
func RandomOffsets(n, r int, rng *rand.Rand) (dy, dx []int) {
	dy, dx = make([]int, n), make([]int, n)
	for i := range n {
		dy[i] = rng.Intn(2*r+1) - r
		dx[i] = rng.Intn(2*r+1) - r
	}
	return dy, dx
}

// cropGeom validates a crop of padded [N, C, size+2r, size+2r] images.
func cropGeom(op string, padded *tensor.RawTensor, dy, dx []int, size int) (n, c, r int) {
	n, c, h, w := imageGeom(op, padded)
	if h != w || (h-size)%2 != 0 || h < size {
		panic(fmt.Sprintf("%s: cannot crop %dx%d images to %d with a centered margin", op, h, w, size))
	}
	if len(dy) != n || len(dx) != n {
		panic(fmt.Sprintf("%s: %d images but %d/%d offsets", op, n, len(dy), len(dx)))
	}
	r = (h - size) / 2
	for i := range n {
		if dy[i] < -r || dy[i] > r || dx[i] < -r || dx[i] > r {
			panic(fmt.Sprintf("%s: offset (%d, %d) of image %d outside [-%d, %d]", op, dy[i], dx[i], i, r, r))
		}
	}
	return n, c, r
}

// CropMasked crops each padded image to size×size at (r+dy, r+dx) by visiting every
// offset pair once and copying the images that drew it.
func CropMasked(padded *tensor.RawTensor, dy, dx []int, size int) *tensor.RawTensor {
	n, c, r := cropGeom("crop", padded, dy, dx, size)
	pw := size + 2*r
	out := tensor.MustRaw(tensor.Shape{n, c, size, size}, tensor.Float32, padded.Device())
	src, dst := padded.AsFloat32(), out.AsFloat32()

	for sy := -r; sy <= r; sy++ {
		for sx := -r; sx <= r; sx++ {
			parallel.For(n, parallel.DefaultConfig(), func(i int) {
				if dy[i] != sy || dx[i] != sx {
					return
				}
				for ch := range c {
					s := src[(i*c+ch)*pw*pw:]
					d := dst[(i*c+ch)*size*size:]
					for y := range size {
						copy(d[y*size:(y+1)*size], s[(r+sy+y)*pw+r+sx:])
					}
				}
			})
		}
	}
	return out
}

// CropSeparable produces the same crops as CropMasked in two passes: rows are
// selected first by dy into a [N, C, size, size+2r] buffer, then columns by dx.
func CropSeparable(padded *tensor.RawTensor, dy, dx []int, size int) *tensor.RawTensor {
	n, c, r := cropGeom("crop", padded, dy, dx, size)
	pw := size + 2*r
	tmp := make([]float32, n*c*size*pw)
	out := tensor.MustRaw(tensor.Shape{n, c, size, size}, tensor.Float32, padded.Device())
	src, dst := padded.AsFloat32(), out.AsFloat32()

	for s := -r; s <= r; s++ {
		parallel.For(n, parallel.DefaultConfig(), func(i int) {
			if dy[i] != s {
				return
			}
			for ch := range c {
				base := (i*c + ch) * pw * pw
				copy(tmp[(i*c+ch)*size*pw:(i*c+ch+1)*size*pw], src[base+(r+s)*pw:base+(r+s+size)*pw])
			}
		})
	}
	for s := -r; s <= r; s++ {
		parallel.For(n, parallel.DefaultConfig(), func(i int) {
			if dx[i] != s {
				return
			}
			for row := (i * c) * size; row < (i*c+c)*size; row++ {
				copy(dst[row*size:(row+1)*size], tmp[row*pw+r+s:])
			}
		})
	}
	return out
}

// BatchCrop crops padded images with the given offsets, using CropMasked for
// margins up to 2 and CropSeparable beyond.
func BatchCrop(padded *tensor.RawTensor, dy, dx []int, size int) *tensor.RawTensor {
	_, _, h, _ := imageGeom("crop", padded)
	if (h-size)/2 <= 2 {
		return CropMasked(padded, dy, dx, size)
	}
	return CropSeparable(padded, dy, dx, size)
}

// Gather copies the images at idx into a new [len(idx), ...] tensor.
func Gather(images *tensor.RawTensor, idx []int) *tensor.RawTensor {
	shape := images.Shape()
	if len(idx) == 0 {
		panic("gather: no indices")
	}
	per := shape[1:].NumElements()
	outShape := append(tensor.Shape{len(idx)}, shape[1:]...)
	out := tensor.MustRaw(outShape, images.DType(), images.Device())
	size := per * images.DType().Size()
	src, dst := images.Data(), out.Data()
	parallel.For(len(idx), parallel.DefaultConfig(), func(i int) {
		copy(dst[i*size:(i+1)*size], src[idx[i]*size:(idx[i]+1)*size])
	})
	return out
}
