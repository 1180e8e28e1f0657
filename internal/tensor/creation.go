package tensor

import (
	"math"
	"math/rand"
)

// Zeros creates a tensor filled with zeros.
//
// Example:
//
//	backend := cpu.New()
//	t := tensor.Zeros[float32](Shape{3, 4}, backend)
func Zeros[T DType, B Backend](shape Shape, b B) *Tensor[T, B] {
	var dummy T
	raw, err := NewRaw(shape, inferDataType(dummy), b.Device())
	if err != nil {
		panic(err)
	}
	return New[T, B](raw, b)
}

// Full creates a tensor filled with a specific value.
func Full[T DType, B Backend](shape Shape, value T, b B) *Tensor[T, B] {
	t := Zeros[T, B](shape, b)
	data := t.Data()
	for i := range data {
		data[i] = value
	}
	return t
}

// Ones creates a tensor filled with ones.
func Ones[T DType, B Backend](shape Shape, b B) *Tensor[T, B] {
	return Full[T, B](shape, T(1), b)
}

// Randn creates a float32 tensor with standard normal values drawn from rng.
// Uses the Box-Muller transform so a given seed reproduces the same tensor.
func Randn[B Backend](shape Shape, rng *rand.Rand, b B) *Tensor[float32, B] {
	t := Zeros[float32, B](shape, b)
	data := t.Data()
	for i := 0; i < len(data); i += 2 {
		u1 := 1 - rng.Float64()
		u2 := rng.Float64()
		r := math.Sqrt(-2.0 * math.Log(u1))
		data[i] = float32(r * math.Cos(2.0*math.Pi*u2))
		if i+1 < len(data) {
			data[i+1] = float32(r * math.Sin(2.0*math.Pi*u2))
		}
	}
	return t
}

// Uniform creates a float32 tensor with values uniformly distributed in [low, high).
func Uniform[B Backend](shape Shape, low, high float32, rng *rand.Rand, b B) *Tensor[float32, B] {
	t := Zeros[float32, B](shape, b)
	FillUniform(t.Data(), low, high, rng)
	return t
}

// FillUniform overwrites data with values uniformly distributed in [low, high).
func FillUniform(data []float32, low, high float32, rng *rand.Rand) {
	span := high - low
	for i := range data {
		data[i] = low + span*rng.Float32()
	}
}
