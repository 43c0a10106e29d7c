package decode

import (
	"math"
	"sync"
)

// ropeTable holds precomputed rotation angles: cos and sin are
// [position, freq] with headDim/2 frequencies per position. Tables are
// grown on demand and shared across calls; rotation at a given position is
// position-dependent only, so reuse never changes results.
type ropeTable struct {
	cos, sin []float32
	half     int
	rows     int
}

type ropeKey struct {
	headDim int
	theta   float32
}

var (
	ropeMu     sync.RWMutex
	ropeTables = map[ropeKey]*ropeTable{}
)

// ropeFor returns a table covering at least rows positions for the given
// head dimension and frequency base.
func ropeFor(headDim int, theta float32, rows int) *ropeTable {
	key := ropeKey{headDim: headDim, theta: theta}

	ropeMu.RLock()
	t := ropeTables[key]
	ropeMu.RUnlock()
	if t != nil && t.rows >= rows {
		return t
	}

	ropeMu.Lock()
	defer ropeMu.Unlock()
	t = ropeTables[key]
	if t != nil && t.rows >= rows {
		return t
	}

	half := headDim / 2
	grown := &ropeTable{
		cos:  make([]float32, rows*half),
		sin:  make([]float32, rows*half),
		half: half,
		rows: rows,
	}
	start := 0
	if t != nil {
		copy(grown.cos, t.cos)
		copy(grown.sin, t.sin)
		start = t.rows
	}
	for p := start; p < rows; p++ {
		for k := 0; k < half; k++ {
			invFreq := 1.0 / math.Pow(float64(theta), float64(2*k)/float64(headDim))
			angle := float64(p) * invFreq
			grown.cos[p*half+k] = float32(math.Cos(angle))
			grown.sin[p*half+k] = float32(math.Sin(angle))
		}
	}
	ropeTables[key] = grown
	return grown
}

// rotate applies the rotate-half rotation for position pos to x in place.
// Dimension k pairs with k+half:
//
//	x'[k]      = x[k]*cos - x[k+half]*sin
//	x'[k+half] = x[k+half]*cos + x[k]*sin
func (t *ropeTable) rotate(x []float32, pos int) {
	cos := t.cos[pos*t.half : (pos+1)*t.half]
	sin := t.sin[pos*t.half : (pos+1)*t.half]
	for k := 0; k < t.half; k++ {
		lo, hi := x[k], x[k+t.half]
		x[k] = lo*cos[k] - hi*sin[k]
		x[k+t.half] = hi*cos[k] + lo*sin[k]
	}
}
