// Package decode implements one batched attention decoding step over the
// quantized block pool. Each call computes, for every (sequence, head) pair
// in the batch, the attention output of the newest position against that
// sequence's full cached history. Sequences are independent: batching never
// changes a sequence's result, which is what allows unaligned lengths in a
// single call without padding.
package decode

import (
	"errors"
	"math"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-bodkin/internal/kvpool"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
	"github.com/23skdu/longbow-bodkin/internal/simd"
)

var (
	// ErrDimensionMismatch reports a query tensor whose shape disagrees
	// with the pool's configured heads and head dimension.
	ErrDimensionMismatch = errors.New("decode: query shape does not match pool configuration")

	// ErrLayerOutOfRange reports a layer index outside the pool's layers.
	ErrLayerOutOfRange = errors.New("decode: layer index out of range")

	// ErrEmptyBatch reports a batch view describing zero sequences.
	ErrEmptyBatch = errors.New("decode: empty batch")
)

// Decode runs one decoding step of attention for layer against the cached
// history addressed by batch.
//
// q holds one query vector per sequence per head, [batch, heads, head_dim]
// row-major, for the newest position of each sequence (already appended to
// its cache). The result has the same shape. The call either completes for
// the whole batch or fails before any output exists.
//
// Per sequence and head: gather and dequantize K/V in block order, apply
// rotary rotation to K (positions 0..seqlen-1) and to the query (position
// seqlen-1), score by scaled dot product, softmax, and reduce over V.
func Decode(q []float32, batch *kvpool.BatchView, layer int) ([]float32, error) {
	if batch == nil || batch.Size() == 0 {
		metrics.RecordDecodeError("empty_batch")
		return nil, ErrEmptyBatch
	}
	pool := batch.Pool()
	cfg := pool.Config()
	if layer < 0 || layer >= cfg.NumLayers {
		metrics.RecordDecodeError("layer_out_of_range")
		return nil, ErrLayerOutOfRange
	}
	batchSize := batch.Size()
	if len(q) != batchSize*cfg.NumHeads*cfg.HeadDim {
		metrics.RecordDecodeError("dimension_mismatch")
		return nil, ErrDimensionMismatch
	}
	if err := batch.Validate(); err != nil {
		metrics.RecordDecodeError("malformed_batch")
		return nil, err
	}

	start := time.Now()

	maxLen := 0
	seqlens := make([]int, batchSize)
	for i := 0; i < batchSize; i++ {
		seqlens[i] = batch.SeqLen(i)
		if seqlens[i] > maxLen {
			maxLen = seqlens[i]
		}
		metrics.RecordContextLength(seqlens[i])
	}
	rope := ropeFor(cfg.HeadDim, cfg.RopeTheta, maxLen)

	out := make([]float32, len(q))
	g := new(errgroup.Group)
	g.SetLimit(runtime.NumCPU())
	for i := 0; i < batchSize; i++ {
		for h := 0; h < cfg.NumHeads; h++ {
			i, h := i, h
			off := (i*cfg.NumHeads + h) * cfg.HeadDim
			g.Go(func() error {
				decodeHead(pool, batch.SeqBlocks(i), seqlens[i], layer, h,
					q[off:off+cfg.HeadDim], out[off:off+cfg.HeadDim], rope)
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	metrics.RecordDecode(batchSize, time.Since(start))
	return out, nil
}

// decodeHead computes the attention output for one (sequence, head) pair.
func decodeHead(pool *kvpool.Pool, blocks []int32, seqlen, layer, head int, q, out []float32, rope *ropeTable) {
	cfg := pool.Config()
	d := cfg.HeadDim

	// Gather and dequantize K and V in block order, truncating the final
	// block to the sequence's fill offset.
	k := make([]float32, seqlen*d)
	v := make([]float32, seqlen*d)
	row := 0
	for _, block := range blocks {
		n := cfg.BlockLen
		if remaining := seqlen - row; n > remaining {
			n = remaining
		}
		for pos := 0; pos < n; pos++ {
			pool.UnpackAt(block, layer, kvpool.Key, head, pos, k[row*d:(row+1)*d])
			pool.UnpackAt(block, layer, kvpool.Value, head, pos, v[row*d:(row+1)*d])
			row++
		}
	}

	for p := 0; p < seqlen; p++ {
		rope.rotate(k[p*d:(p+1)*d], p)
	}
	qr := make([]float32, d)
	copy(qr, q)
	rope.rotate(qr, seqlen-1)

	invSqrtD := float32(1.0 / math.Sqrt(float64(d)))
	scores := make([]float32, seqlen)
	for p := 0; p < seqlen; p++ {
		scores[p] = simd.Dot(qr, k[p*d:(p+1)*d]) * invSqrtD
	}
	simd.Softmax(scores)

	for i := range out {
		out[i] = 0
	}
	for p := 0; p < seqlen; p++ {
		w := scores[p]
		vp := v[p*d : (p+1)*d]
		for i := range out {
			out[i] += w * vp[i]
		}
	}
}
