package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/decode"
	"github.com/23skdu/longbow-bodkin/internal/kvpool"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/monitoring"
)

var (
	batchSize   = flag.Int("batch", 8, "Number of concurrent sequences")
	seqLen      = flag.Int("seqlen", 512, "History length per sequence")
	numLayers   = flag.Int("layers", 3, "Number of layers")
	numHeads    = flag.Int("heads", 32, "Number of attention heads")
	headDim     = flag.Int("head-dim", 128, "Dimension per head")
	blockLen    = flag.Int("block-len", 16, "Positions per cache block")
	steps       = flag.Int("steps", 16, "Decode steps to time")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormat   = flag.String("log-format", "console", "Log format (console or json)")
	metricsAddr = flag.String("metrics-addr", "", "Serve health and Prometheus metrics on this address (e.g. :9090)")
	seed        = flag.Int64("seed", 1, "RNG seed for synthetic history")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)

	cfg := config.Default()
	cfg.NumLayers = *numLayers
	cfg.NumHeads = *numHeads
	cfg.HeadDim = *headDim
	cfg.BlockLen = *blockLen
	blocksPerSeq := (*seqLen + *steps + cfg.BlockLen - 1) / cfg.BlockLen
	cfg.Capacity = blocksPerSeq * *batchSize

	pool, err := kvpool.NewPool(cfg)
	if err != nil {
		logger.Log.Error("pool creation failed", "error", err)
		os.Exit(1)
	}

	if *metricsAddr != "" {
		hs := monitoring.NewHealthServer(pool)
		go func() {
			if err := hs.Start(*metricsAddr); err != nil {
				logger.Log.Error("health server failed", "error", err)
			}
		}()
	}

	rng := rand.New(rand.NewSource(*seed))
	kvSize := cfg.NumLayers * cfg.NumHeads * cfg.HeadDim

	logger.Log.Info("filling synthetic history",
		"batch", *batchSize, "seqlen", *seqLen, "capacity_blocks", cfg.Capacity)

	seqs := make([]*kvpool.SequenceCache, *batchSize)
	for i := range seqs {
		seqs[i] = kvpool.NewSequenceCache(pool)
		for t := 0; t < *seqLen; t++ {
			if err := seqs[i].Append(randVec(rng, kvSize), randVec(rng, kvSize)); err != nil {
				logger.Log.Error("append failed", "seq", i, "pos", t, "error", err)
				os.Exit(1)
			}
		}
	}

	q := randVec(rng, *batchSize*cfg.NumHeads*cfg.HeadDim)

	start := time.Now()
	for step := 0; step < *steps; step++ {
		for i := range seqs {
			if err := seqs[i].Append(randVec(rng, kvSize), randVec(rng, kvSize)); err != nil {
				logger.Log.Error("append failed", "seq", i, "error", err)
				os.Exit(1)
			}
		}
		batch, err := kvpool.NewBatchView(seqs)
		if err != nil {
			logger.Log.Error("batch view failed", "error", err)
			os.Exit(1)
		}
		for l := 0; l < cfg.NumLayers; l++ {
			if _, err := decode.Decode(q, batch, l); err != nil {
				logger.Log.Error("decode failed", "layer", l, "error", err)
				os.Exit(1)
			}
		}
	}
	elapsed := time.Since(start)

	positions := *steps * *batchSize
	fmt.Printf("decoded %d positions x %d layers in %v (%.2f pos/s)\n",
		positions, cfg.NumLayers, elapsed, float64(positions)/elapsed.Seconds())
	fmt.Printf("pool: %d/%d blocks used\n", pool.UsedBlocks(), pool.Capacity())

	for i := range seqs {
		seqs[i].Release()
	}
}

func randVec(rng *rand.Rand, n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = float32(rng.NormFloat64())
	}
	return v
}
