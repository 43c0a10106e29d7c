package kvpool

import (
	"errors"
	"sync"
	"testing"

	"github.com/23skdu/longbow-bodkin/internal/config"
)

func testConfig() config.Config {
	c := config.Default()
	c.NumLayers = 2
	c.NumHeads = 2
	c.HeadDim = 8
	c.Capacity = 4
	c.BlockLen = 4
	return c
}

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	p, err := NewPool(testConfig())
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	return p
}

func TestNewPoolRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Capacity = 0
	if _, err := NewPool(cfg); err == nil {
		t.Error("expected error for zero capacity")
	}
}

func TestAllocateExhaustsAtCapacity(t *testing.T) {
	p := newTestPool(t)

	seen := make(map[int32]bool)
	for i := 0; i < p.Capacity(); i++ {
		block, err := p.Allocate()
		if err != nil {
			t.Fatalf("allocation %d failed: %v", i, err)
		}
		if seen[block] {
			t.Fatalf("block %d handed out twice", block)
		}
		seen[block] = true
	}

	if _, err := p.Allocate(); !errors.Is(err, ErrOutOfCapacity) {
		t.Errorf("allocation beyond capacity: got %v, want ErrOutOfCapacity", err)
	}
	if p.FreeBlocks() != 0 {
		t.Errorf("FreeBlocks() = %d, want 0", p.FreeBlocks())
	}
}

func TestReleaseMakesBlockReusable(t *testing.T) {
	p := newTestPool(t)

	blocks := make([]int32, 0, p.Capacity())
	for i := 0; i < p.Capacity(); i++ {
		b, err := p.Allocate()
		if err != nil {
			t.Fatalf("Allocate failed: %v", err)
		}
		blocks = append(blocks, b)
	}

	p.Release(blocks[1])
	got, err := p.Allocate()
	if err != nil {
		t.Fatalf("Allocate after Release failed: %v", err)
	}
	if got != blocks[1] {
		t.Errorf("reallocated block = %d, want released block %d", got, blocks[1])
	}
}

func TestReleaseOutOfRangeIgnored(t *testing.T) {
	p := newTestPool(t)
	p.Release(-1)
	p.Release(int32(p.Capacity()))
	if p.FreeBlocks() != p.Capacity() {
		t.Errorf("FreeBlocks() = %d after bogus releases, want %d", p.FreeBlocks(), p.Capacity())
	}
}

func TestUsedBlocks(t *testing.T) {
	p := newTestPool(t)
	if p.UsedBlocks() != 0 {
		t.Fatalf("fresh pool UsedBlocks() = %d", p.UsedBlocks())
	}
	b, _ := p.Allocate()
	if p.UsedBlocks() != 1 {
		t.Errorf("UsedBlocks() = %d, want 1", p.UsedBlocks())
	}
	p.Release(b)
	if p.UsedBlocks() != 0 {
		t.Errorf("UsedBlocks() = %d after release, want 0", p.UsedBlocks())
	}
}

func TestConcurrentAllocateRelease(t *testing.T) {
	cfg := testConfig()
	cfg.Capacity = 64
	p, err := NewPool(cfg)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}

	// Workers churn the free list from all sides; afterwards no block may be
	// held by two owners and the occupancy count must balance.
	const workers = 8
	held := make([][]int32, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				b, err := p.Allocate()
				if err != nil {
					if n := len(held[w]); n > 0 {
						p.Release(held[w][n-1])
						held[w] = held[w][:n-1]
					}
					continue
				}
				held[w] = append(held[w], b)
				if i%3 == 0 {
					p.Release(held[w][0])
					held[w] = held[w][1:]
				}
			}
		}(w)
	}
	wg.Wait()

	seen := make(map[int32]bool)
	total := 0
	for w, blocks := range held {
		for _, b := range blocks {
			if seen[b] {
				t.Fatalf("block %d held by worker %d and another owner", b, w)
			}
			seen[b] = true
			total++
		}
	}
	if p.UsedBlocks() != total {
		t.Errorf("UsedBlocks() = %d, want %d still held across workers", p.UsedBlocks(), total)
	}
}

func TestPackUnpackAt(t *testing.T) {
	p := newTestPool(t)
	block, err := p.Allocate()
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	vec := []float32{-1, -0.5, 0, 0.25, 0.5, 0.75, 1, 1.5}
	p.packAt(block, 1, Value, 1, 3, vec)

	out := make([]float32, len(vec))
	p.UnpackAt(block, 1, Value, 1, 3, out)

	step := float32((1.5 - (-1)) / 15)
	for i := range vec {
		diff := out[i] - vec[i]
		if diff < 0 {
			diff = -diff
		}
		if diff > step {
			t.Errorf("idx %d: |%f - %f| exceeds one step %f", i, out[i], vec[i], step)
		}
	}
}

func TestStorageUnitsDisjoint(t *testing.T) {
	// Writing one (layer, kv, head, pos) must not disturb a neighbor.
	p := newTestPool(t)
	block, _ := p.Allocate()

	a := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	b := []float32{-8, -7, -6, -5, -4, -3, -2, -1}
	p.packAt(block, 0, Key, 0, 0, a)
	p.packAt(block, 0, Key, 1, 0, b)
	p.packAt(block, 1, Value, 0, 2, a)

	got := make([]float32, len(a))
	p.UnpackAt(block, 0, Key, 0, 0, got)
	if got[0] > 1.5 || got[7] < 7.5 {
		t.Errorf("head 0 unit disturbed: %v", got)
	}
	p.UnpackAt(block, 0, Key, 1, 0, got)
	if got[0] < -8.5 || got[0] > -7.5 {
		t.Errorf("head 1 unit disturbed: %v", got)
	}
}
