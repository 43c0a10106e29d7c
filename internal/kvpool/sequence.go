package kvpool

import (
	"errors"
	"fmt"
)

// ErrReleased is returned when a released sequence cache is used again.
var ErrReleased = errors.New("kvpool: sequence cache already released")

// SequenceCache tracks one request's accumulated attention history: an
// ordered list of pool blocks (oldest first) plus the fill offset of the
// last block. It never owns storage beyond the block handles.
//
// All blocks except possibly the last are completely filled;
// lastPageOffset is in [1, BlockLen] whenever at least one block exists.
//
// A SequenceCache is not safe for concurrent mutation. Appending to
// different caches on the same pool is fine.
type SequenceCache struct {
	pool           *Pool
	blocks         []int32
	lastPageOffset int
	released       bool
}

// NewSequenceCache creates an empty cache drawing blocks from pool.
func NewSequenceCache(pool *Pool) *SequenceCache {
	return &SequenceCache{pool: pool}
}

// NewSequenceCacheWithLen creates a cache with blocks pre-allocated for n
// positions, for use after an external prefill has produced the storage
// contents. On allocation failure nothing is held and the pool is unchanged.
func NewSequenceCacheWithLen(pool *Pool, n int) (*SequenceCache, error) {
	if n <= 0 {
		return nil, fmt.Errorf("kvpool: invalid initial length %d", n)
	}
	numBlocks := (n + pool.cfg.BlockLen - 1) / pool.cfg.BlockLen
	s := &SequenceCache{pool: pool, blocks: make([]int32, 0, numBlocks)}
	for i := 0; i < numBlocks; i++ {
		block, err := pool.Allocate()
		if err != nil {
			s.Release()
			return nil, err
		}
		s.blocks = append(s.blocks, block)
	}
	s.lastPageOffset = n - (numBlocks-1)*pool.cfg.BlockLen
	return s, nil
}

// Len returns the number of cached positions.
func (s *SequenceCache) Len() int {
	if len(s.blocks) == 0 {
		return 0
	}
	return (len(s.blocks)-1)*s.pool.cfg.BlockLen + s.lastPageOffset
}

// NumBlocks returns the number of pool blocks held.
func (s *SequenceCache) NumBlocks() int {
	return len(s.blocks)
}

// Blocks returns the held block indices, oldest first. The slice is the
// cache's own; callers must not mutate it.
func (s *SequenceCache) Blocks() []int32 {
	return s.blocks
}

// LastPageOffset returns the number of valid positions in the final block.
func (s *SequenceCache) LastPageOffset() int {
	return s.lastPageOffset
}

// Append stores the key and value vectors for one new position across all
// layers and heads. k and v are [layer][head][dim] flattened,
// NumLayers*NumHeads*HeadDim values each.
//
// When the last block is full a fresh block is allocated first; on
// ErrOutOfCapacity the cache and the pool are left in their prior state.
func (s *SequenceCache) Append(k, v []float32) error {
	if s.released {
		return ErrReleased
	}
	cfg := s.pool.cfg
	want := cfg.NumLayers * cfg.NumHeads * cfg.HeadDim
	if len(k) != want || len(v) != want {
		return fmt.Errorf("kvpool: append expects %d values per tensor, got k=%d v=%d", want, len(k), len(v))
	}

	if len(s.blocks) == 0 || s.lastPageOffset == cfg.BlockLen {
		block, err := s.pool.Allocate()
		if err != nil {
			return err
		}
		s.blocks = append(s.blocks, block)
		s.lastPageOffset = 0
	}

	block := s.blocks[len(s.blocks)-1]
	s.pool.putPosition(block, s.lastPageOffset, k, v)
	s.lastPageOffset++
	return nil
}

// Release returns all held blocks to the pool. The cache is invalid for
// further use afterwards; Append and batching will refuse it.
func (s *SequenceCache) Release() {
	if s.released {
		return
	}
	for _, block := range s.blocks {
		s.pool.Release(block)
	}
	s.blocks = nil
	s.lastPageOffset = 0
	s.released = true
}
