package simd

var dotImpl func(a, b []float32) float32

// Dot returns the inner product of a and b. Lengths must match.
func Dot(a, b []float32) float32 {
	return dotImpl(a, b)
}

func init() {
	dotImpl = dotFallback
}

func dotFallback(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
