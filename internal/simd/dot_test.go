package simd

import (
	"math"
	"testing"
)

func TestDot(t *testing.T) {
	testCases := []struct {
		name string
		a, b []float32
		want float32
	}{
		{"basic", []float32{1, 2, 3}, []float32{4, 5, 6}, 32},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"negative", []float32{-1, 2}, []float32{3, -4}, -11},
		{"empty", nil, nil, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Dot(tc.a, tc.b); math.Abs(float64(got-tc.want)) > 1e-6 {
				t.Errorf("Dot = %f, want %f", got, tc.want)
			}
		})
	}
}
