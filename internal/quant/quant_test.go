package quant

import (
	"math"
	"math/rand"
	"testing"
)

func TestPackedLen(t *testing.T) {
	cases := []struct{ n, want int }{
		{0, 0}, {1, 1}, {2, 1}, {3, 2}, {128, 64},
	}
	for _, c := range cases {
		if got := PackedLen(c.n); got != c.want {
			t.Errorf("PackedLen(%d) = %d, want %d", c.n, got, c.want)
		}
	}
}

func TestRoundTripWithinOneStep(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 50; trial++ {
		n := 128
		values := make([]float32, n)
		for i := range values {
			values[i] = float32(rng.NormFloat64() * 3)
		}

		codes := make([]byte, PackedLen(n))
		scale, zero := PackGroup(values, codes)

		out := make([]float32, n)
		UnpackGroup(codes, scale, zero, out)

		// Half a quantization step from rounding, plus the half-precision
		// rounding of scale and zero propagated over 15 steps.
		tol := 0.5*scale + (15*scale+absf(zero))/2048 + 1e-6
		for i := range values {
			if diff := absf(out[i] - values[i]); diff > tol {
				t.Fatalf("trial %d idx %d: |%f - %f| = %f exceeds %f (scale %f)",
					trial, i, out[i], values[i], diff, tol, scale)
			}
		}
	}
}

func TestConstantGroupExact(t *testing.T) {
	values := []float32{2.5, 2.5, 2.5, 2.5}
	codes := make([]byte, PackedLen(len(values)))
	scale, zero := PackGroup(values, codes)

	if scale != 1 {
		t.Errorf("constant group scale = %f, want 1", scale)
	}
	for _, c := range codes {
		if c != 0 {
			t.Errorf("constant group codes should be zero, got %x", codes)
			break
		}
	}

	out := make([]float32, len(values))
	UnpackGroup(codes, scale, zero, out)
	for i := range out {
		if absf(out[i]-values[i]) > 0.002 {
			t.Errorf("constant round trip: got %f, want %f", out[i], values[i])
		}
	}
}

func TestExtremesUseFullCodeRange(t *testing.T) {
	values := []float32{-4, 4, 0, 1}
	codes := make([]byte, PackedLen(len(values)))
	PackGroup(values, codes)

	if lo := codes[0] & 0xF; lo != 0 {
		t.Errorf("group minimum encoded as %d, want 0", lo)
	}
	if hi := codes[0] >> 4; hi != MaxCode {
		t.Errorf("group maximum encoded as %d, want %d", hi, MaxCode)
	}
}

func TestNibbleOrdering(t *testing.T) {
	// Even index in the low nibble, odd in the high nibble.
	values := []float32{0, 15}
	codes := make([]byte, 1)
	scale, zero := PackGroup(values, codes)

	out := make([]float32, 2)
	UnpackGroup(codes, scale, zero, out)
	if out[0] > out[1] {
		t.Errorf("ordering flipped: %v -> %v", values, out)
	}
}

func TestHugeRangeSaturatesFinite(t *testing.T) {
	// A range beyond 15x the half-precision maximum would round scale (or a
	// far-out zero point) to Inf; parameters must clip instead so decoded
	// values stay finite.
	cases := [][]float32{
		{0, 2e6},
		{-2e6, 0},
		{-2e6, 2e6},
		{-3e38, 3e38},
	}
	for _, values := range cases {
		codes := make([]byte, PackedLen(len(values)))
		scale, zero := PackGroup(values, codes)
		if math.IsInf(float64(scale), 0) || math.IsInf(float64(zero), 0) {
			t.Fatalf("params overflowed for %v: scale=%f zero=%f", values, scale, zero)
		}

		out := make([]float32, len(values))
		UnpackGroup(codes, scale, zero, out)
		for i, v := range out {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				t.Errorf("values %v idx %d decoded to %f", values, i, v)
			}
		}
		// Ordering survives clipping even when magnitudes do not.
		if out[0] > out[1] {
			t.Errorf("values %v: min decoded above max (%f > %f)", values, out[0], out[1])
		}
	}
}

func absf(x float32) float32 {
	return float32(math.Abs(float64(x)))
}
