// Package kvpool implements a block-based pool for quantized attention
// key/value history, inspired by PagedAttention. Storage is a flat arena of
// fixed-size blocks addressed by integer handles; per-sequence block lists
// and a CSR-style batch view give the decode kernel dense, pointer-free
// access to ragged per-sequence histories.
package kvpool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/x448/float16"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
	"github.com/23skdu/longbow-bodkin/internal/quant"
)

// ErrOutOfCapacity is returned when the pool has no free block left.
// Retry and eviction policy belong to the caller.
var ErrOutOfCapacity = errors.New("kvpool: out of capacity")

// KV selects the key or value half of a block's storage.
type KV int

const (
	Key   KV = 0
	Value KV = 1
)

// Pool owns a fixed-capacity region of quantized cache storage organized as
// blocks of BlockLen positions.
//
// The raw buffer is indexed [block, layer, {K,V}, head, pos, dim] with two
// 4-bit codes per byte. The parameter buffer is indexed
// [block, layer, {K,V}, head, pos, {scale,zero}] in half precision: one
// (scale, zero) pair per cached head vector of HeadDim values.
//
// The free list is safe for concurrent Allocate/Release. Storage itself is
// not locked: a block is written only by the sequence that owns it, and the
// decode kernel requires the caller to keep participating sequences stable
// for the duration of the call.
type Pool struct {
	cfg config.Config

	buf    []byte
	params []float16.Float16

	mu   sync.Mutex
	free []int32
}

// NewPool allocates the raw and parameter buffers for the given
// configuration. All blocks start free.
func NewPool(cfg config.Config) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kvpool: %w", err)
	}

	vecBytes := cfg.HeadDim / quant.CodesPerByte
	blockBytes := cfg.NumLayers * 2 * cfg.NumHeads * cfg.BlockLen * vecBytes
	blockParams := cfg.NumLayers * 2 * cfg.NumHeads * cfg.BlockLen * 2

	p := &Pool{
		cfg:    cfg,
		buf:    make([]byte, cfg.Capacity*blockBytes),
		params: make([]float16.Float16, cfg.Capacity*blockParams),
		free:   make([]int32, cfg.Capacity),
	}
	for i := range p.free {
		p.free[i] = int32(cfg.Capacity - 1 - i) // stack order: block 0 handed out first
	}

	totalBytes := int64(len(p.buf)) + int64(len(p.params))*2
	metrics.RecordPoolStats(cfg.Capacity, cfg.Capacity, totalBytes)
	logger.Log.Debug("kv pool created",
		"capacity_blocks", cfg.Capacity,
		"block_len", cfg.BlockLen,
		"layers", cfg.NumLayers,
		"heads", cfg.NumHeads,
		"head_dim", cfg.HeadDim,
		"bytes", totalBytes)

	return p, nil
}

// Config returns the pool's construction parameters.
func (p *Pool) Config() config.Config {
	return p.cfg
}

// Capacity returns the total number of blocks.
func (p *Pool) Capacity() int {
	return p.cfg.Capacity
}

// FreeBlocks returns the number of currently unallocated blocks.
func (p *Pool) FreeBlocks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// UsedBlocks returns the number of currently allocated blocks.
func (p *Pool) UsedBlocks() int {
	return p.cfg.Capacity - p.FreeBlocks()
}

// Allocate pops a free block and returns its index. The only ordering
// guarantee is that the index was previously released or never handed out.
func (p *Pool) Allocate() (int32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		metrics.RecordAllocation(false, 0)
		return -1, ErrOutOfCapacity
	}
	block := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	metrics.RecordAllocation(true, len(p.free))
	return block, nil
}

// Release returns a block to the free set. Releasing a block still
// referenced by a live sequence cache is the caller's bug; release the
// sequence first.
func (p *Pool) Release(block int32) {
	if block < 0 || int(block) >= p.cfg.Capacity {
		logger.Log.Warn("release of out-of-range block ignored", "block", block)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, block)
	metrics.RecordRelease(1, len(p.free))
}

// vecBytes is the packed size of one head vector.
func (p *Pool) vecBytes() int {
	return p.cfg.HeadDim / quant.CodesPerByte
}

// unitIndex flattens (block, layer, kv, head) into a unit ordinal. A unit is
// the per-head run of BlockLen packed positions the kernel reads.
func (p *Pool) unitIndex(block int32, layer int, kv KV, head int) int {
	return ((int(block)*p.cfg.NumLayers+layer)*2+int(kv))*p.cfg.NumHeads + head
}

// Codes returns the packed 4-bit codes for (block, layer, kv, head):
// BlockLen positions of HeadDim/2 bytes each.
func (p *Pool) Codes(block int32, layer int, kv KV, head int) []byte {
	n := p.cfg.BlockLen * p.vecBytes()
	off := p.unitIndex(block, layer, kv, head) * n
	return p.buf[off : off+n]
}

// Params returns the half-precision (scale, zero) pairs for
// (block, layer, kv, head): BlockLen pairs, position-major.
func (p *Pool) Params(block int32, layer int, kv KV, head int) []float16.Float16 {
	n := p.cfg.BlockLen * 2
	off := p.unitIndex(block, layer, kv, head) * n
	return p.params[off : off+n]
}

// UnpackAt decodes the cached head vector at one position into out.
// len(out) must be HeadDim.
func (p *Pool) UnpackAt(block int32, layer int, kv KV, head, pos int, out []float32) {
	nb := p.vecBytes()
	codes := p.Codes(block, layer, kv, head)[pos*nb : (pos+1)*nb]
	params := p.Params(block, layer, kv, head)
	scale := params[pos*2].Float32()
	zero := params[pos*2+1].Float32()
	quant.UnpackGroup(codes, scale, zero, out)
}

// packAt quantizes one head vector into a block position.
func (p *Pool) packAt(block int32, layer int, kv KV, head, pos int, vec []float32) {
	nb := p.vecBytes()
	codes := p.Codes(block, layer, kv, head)[pos*nb : (pos+1)*nb]
	scale, zero := quant.PackGroup(vec, codes)
	params := p.Params(block, layer, kv, head)
	params[pos*2] = float16.Fromfloat32(scale)
	params[pos*2+1] = float16.Fromfloat32(zero)
}

// putPosition writes the key and value vectors for every layer and head of
// one new position. k and v are [layer][head][dim] flattened,
// NumLayers*NumHeads*HeadDim values each.
func (p *Pool) putPosition(block int32, pos int, k, v []float32) {
	d := p.cfg.HeadDim
	for l := 0; l < p.cfg.NumLayers; l++ {
		for h := 0; h < p.cfg.NumHeads; h++ {
			off := (l*p.cfg.NumHeads + h) * d
			p.packAt(block, l, Key, h, pos, k[off:off+d])
			p.packAt(block, l, Value, h, pos, v[off:off+d])
		}
	}
	if pos == 0 {
		p.sampleRoundTripError(block, k[:d])
	}
}

// sampleRoundTripError feeds the dequant error histogram from the first key
// vector of each freshly started block, one round trip per BlockLen appends.
func (p *Pool) sampleRoundTripError(block int32, want []float32) {
	got := make([]float32, len(want))
	p.UnpackAt(block, 0, Key, 0, 0, got)
	var maxAbs float32
	for i := range got {
		diff := got[i] - want[i]
		if diff < 0 {
			diff = -diff
		}
		if diff > maxAbs {
			maxAbs = diff
		}
	}
	metrics.RecordDequantError(maxAbs)
}
