package dsp

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// PowerInto writes |x|^2 of every sample into dst, growing it when needed,
// and returns the filled slice.
func PowerInto(dst []float64, src []complex128) []float64 {
	if cap(dst) < len(src) {
		dst = make([]float64, len(src))
	}
	dst = dst[:len(src)]
	for i, v := range src {
		re, im := real(v), imag(v)
		dst[i] = re*re + im*im
	}
	return dst
}

// MaxMagnitude returns max |x| over src. scratch is reused for the
// intermediate power vector; pass nil to allocate.
func MaxMagnitude(src []complex128, scratch []float64) float64 {
	if len(src) == 0 {
		return 0
	}
	p := PowerInto(scratch, src)
	return math.Sqrt(floats.Max(p))
}

// MeanPower returns mean |x|^2 over src.
func MeanPower(src []complex128, scratch []float64) float64 {
	if len(src) == 0 {
		return 0
	}
	p := PowerInto(scratch, src)
	return floats.Sum(p) / float64(len(p))
}

// MeanPower64 is MeanPower for float32 samples as they travel on the wire.
func MeanPower64(src []complex64) float64 {
	if len(src) == 0 {
		return 0
	}
	var sum float64
	for _, v := range src {
		re, im := float64(real(v)), float64(imag(v))
		sum += re*re + im*im
	}
	return sum / float64(len(src))
}

// Scale multiplies every sample by the real factor c in place.
func Scale(dst []complex128, c float64) {
	for i, v := range dst {
		dst[i] = complex(real(v)*c, imag(v)*c)
	}
}
