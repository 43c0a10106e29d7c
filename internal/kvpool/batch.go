package kvpool

import (
	"errors"
	"fmt"
)

// BatchView is a read-only, CSR-style aggregation of sequence caches for one
// decode call. Indices concatenates each sequence's block list in batch
// order; sequence i owns Indices[Indptr[i]:Indptr[i+1]]. It holds no
// storage, and the referenced sequences must stay alive and structurally
// unmodified while a kernel call reads through it.
type BatchView struct {
	Indices         []int32
	Indptr          []int32
	LastPageOffsets []int32

	pool *Pool
}

// NewBatchView flattens seqs into a batch view. Every sequence must be
// unreleased, non-empty, and drawn from the same pool. Construction is
// linear in the total block count.
func NewBatchView(seqs []*SequenceCache) (*BatchView, error) {
	if len(seqs) == 0 {
		return nil, errors.New("kvpool: batch view over zero sequences")
	}

	total := 0
	for i, s := range seqs {
		if s.released {
			return nil, fmt.Errorf("kvpool: sequence %d in batch is released", i)
		}
		if len(s.blocks) == 0 {
			return nil, fmt.Errorf("kvpool: sequence %d in batch is empty", i)
		}
		if s.pool != seqs[0].pool {
			return nil, fmt.Errorf("kvpool: sequence %d drawn from a different pool", i)
		}
		total += len(s.blocks)
	}

	b := &BatchView{
		Indices:         make([]int32, 0, total),
		Indptr:          make([]int32, len(seqs)+1),
		LastPageOffsets: make([]int32, len(seqs)),
		pool:            seqs[0].pool,
	}
	for i, s := range seqs {
		b.Indices = append(b.Indices, s.blocks...)
		b.Indptr[i+1] = int32(len(b.Indices))
		b.LastPageOffsets[i] = int32(s.lastPageOffset)
	}
	return b, nil
}

// Size returns the number of sequences in the batch.
func (b *BatchView) Size() int {
	return len(b.LastPageOffsets)
}

// Pool returns the pool whose storage the view addresses.
func (b *BatchView) Pool() *Pool {
	return b.pool
}

// SeqBlocks returns sequence i's block indices, oldest first.
func (b *BatchView) SeqBlocks(i int) []int32 {
	return b.Indices[b.Indptr[i]:b.Indptr[i+1]]
}

// SeqLen returns sequence i's total cached length.
func (b *BatchView) SeqLen(i int) int {
	numBlocks := int(b.Indptr[i+1] - b.Indptr[i])
	return (numBlocks-1)*b.pool.cfg.BlockLen + int(b.LastPageOffsets[i])
}

// Validate rejects malformed views before any kernel output is written:
// non-monotonic offsets, dangling indices, or out-of-range fill offsets.
func (b *BatchView) Validate() error {
	if b.pool == nil {
		return errors.New("kvpool: batch view has no pool")
	}
	n := b.Size()
	if len(b.Indptr) != n+1 {
		return fmt.Errorf("kvpool: indptr length %d, want %d", len(b.Indptr), n+1)
	}
	if b.Indptr[0] != 0 {
		return fmt.Errorf("kvpool: indptr[0] = %d, want 0", b.Indptr[0])
	}
	if int(b.Indptr[n]) != len(b.Indices) {
		return fmt.Errorf("kvpool: indptr[%d] = %d, want %d", n, b.Indptr[n], len(b.Indices))
	}
	for i := 0; i < n; i++ {
		if b.Indptr[i+1] <= b.Indptr[i] {
			return fmt.Errorf("kvpool: sequence %d has no blocks (indptr %d..%d)", i, b.Indptr[i], b.Indptr[i+1])
		}
		off := int(b.LastPageOffsets[i])
		if off < 1 || off > b.pool.cfg.BlockLen {
			return fmt.Errorf("kvpool: sequence %d last page offset %d outside [1, %d]", i, off, b.pool.cfg.BlockLen)
		}
	}
	for _, idx := range b.Indices {
		if idx < 0 || int(idx) >= b.pool.cfg.Capacity {
			return fmt.Errorf("kvpool: block index %d outside pool capacity %d", idx, b.pool.cfg.Capacity)
		}
	}
	return nil
}
