// Package quant implements the 4-bit affine codec used for cache storage.
//
// A group is a run of values sharing one (scale, zero) pair. Codes occupy
// [0, 15] and are packed two per byte: value 2j in the low nibble of byte j,
// value 2j+1 in the high nibble. The affine convention is
//
//	value = code*scale + zero
//
// with zero = min(group) and scale = (max-min)/15. Scale and zero are rounded
// through IEEE half precision before encoding so that packing and unpacking
// agree with the half-precision parameter buffer exactly, and saturated at the
// half-precision finite range so extreme groups clip rather than decode to
// NaN.
package quant

import (
	"github.com/x448/float16"
)

// MaxCode is the largest representable 4-bit code.
const MaxCode = 15

// maxParam is the largest finite half-precision value. Scale and zero are
// saturated here so a pathological group clips instead of rounding to Inf,
// which would decode every code as NaN.
const maxParam = 65504

// CodesPerByte is the nibble packing density of the raw buffer.
const CodesPerByte = 2

// PackedLen returns the number of bytes needed to store n codes.
func PackedLen(n int) int {
	return (n + CodesPerByte - 1) / CodesPerByte
}

// PackGroup quantizes values into codes and returns the group's scale and
// zero point. len(values) must be even and codes must hold at least
// PackedLen(len(values)) bytes. A constant group encodes with scale 1 and
// all-zero codes so the round trip is exact.
func PackGroup(values []float32, codes []byte) (scale, zero float32) {
	if len(values) == 0 {
		return 1, 0
	}

	min, max := values[0], values[0]
	for _, v := range values[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}

	scale = (max - min) / MaxCode
	zero = min
	if scale == 0 {
		scale = 1
	}
	if scale > maxParam {
		scale = maxParam
	}
	if zero > maxParam {
		zero = maxParam
	} else if zero < -maxParam {
		zero = -maxParam
	}

	// Round parameters to half precision up front; codes are chosen against
	// the rounded values so decode error stays within one quantization step.
	scale = float16.Fromfloat32(scale).Float32()
	zero = float16.Fromfloat32(zero).Float32()

	inv := 1.0 / scale
	for j := 0; j < len(values); j += 2 {
		lo := encode(values[j], zero, inv)
		hi := encode(values[j+1], zero, inv)
		codes[j/2] = lo | hi<<4
	}
	return scale, zero
}

// UnpackGroup decodes codes into out using the group's scale and zero point.
// len(out) determines how many values are decoded and must be even.
func UnpackGroup(codes []byte, scale, zero float32, out []float32) {
	for j := 0; j < len(out); j += 2 {
		b := codes[j/2]
		out[j] = float32(b&0xF)*scale + zero
		out[j+1] = float32(b>>4)*scale + zero
	}
}

func encode(v, zero, invScale float32) byte {
	q := (v - zero) * invScale
	if q <= 0 {
		return 0
	}
	if q >= MaxCode {
		return MaxCode
	}
	return byte(q + 0.5)
}
