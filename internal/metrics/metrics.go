package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Block pool metrics
	PoolCapacityBlocks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_pool_capacity_blocks",
		Help: "Total number of blocks in the KV pool",
	})

	PoolFreeBlocks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_pool_free_blocks",
		Help: "Number of currently unallocated blocks",
	})

	PoolCapacityBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_pool_capacity_bytes",
		Help: "Total size of the pool's raw and parameter buffers in bytes",
	})

	BlocksAllocatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_pool_blocks_allocated_total",
		Help: "Total number of successful block allocations",
	})

	BlocksReleasedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_pool_blocks_released_total",
		Help: "Total number of blocks returned to the pool",
	})

	AllocFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_pool_alloc_failures_total",
		Help: "Total number of allocations rejected for lack of capacity",
	})

	// Decode kernel metrics
	DecodeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "decode_duration_seconds",
		Help:    "Duration of batched decode kernel calls",
		Buckets: prometheus.DefBuckets,
	})

	DecodeBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "decode_batch_size",
		Help:    "Number of sequences per decode call",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
	})

	ContextLengthHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "context_length_tokens",
		Help:    "Distribution of sequence lengths attended over",
		Buckets: []float64{16, 64, 100, 500, 1000, 2000, 4000, 8000, 16000, 32000},
	})

	DecodeErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "decode_errors_total",
		Help: "Total number of rejected decode calls",
	}, []string{"reason"})

	// Quantization metrics
	DequantMaxAbsError = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dequant_max_abs_error",
		Help:    "Maximum absolute round-trip quantization error observed",
		Buckets: []float64{0, 0.001, 0.01, 0.1, 1.0, 10.0},
	})
)

// RecordPoolStats records current pool capacity and occupancy.
func RecordPoolStats(capacityBlocks, freeBlocks int, capacityBytes int64) {
	PoolCapacityBlocks.Set(float64(capacityBlocks))
	PoolFreeBlocks.Set(float64(freeBlocks))
	PoolCapacityBytes.Set(float64(capacityBytes))
}

// RecordAllocation records the outcome of a block allocation attempt.
func RecordAllocation(ok bool, freeBlocks int) {
	if ok {
		BlocksAllocatedTotal.Inc()
	} else {
		AllocFailuresTotal.Inc()
	}
	PoolFreeBlocks.Set(float64(freeBlocks))
}

// RecordRelease records blocks returned to the pool.
func RecordRelease(n int, freeBlocks int) {
	BlocksReleasedTotal.Add(float64(n))
	PoolFreeBlocks.Set(float64(freeBlocks))
}

// RecordDecode records one completed decode kernel call.
func RecordDecode(batchSize int, duration time.Duration) {
	DecodeBatchSize.Observe(float64(batchSize))
	DecodeDuration.Observe(duration.Seconds())
}

// RecordDecodeError records a rejected decode call by reason.
func RecordDecodeError(reason string) {
	DecodeErrorsTotal.WithLabelValues(reason).Inc()
}

// RecordContextLength records a sequence length attended over.
func RecordContextLength(tokens int) {
	ContextLengthHistogram.Observe(float64(tokens))
}

// RecordDequantError records an observed round-trip error bound.
func RecordDequantError(maxAbs float32) {
	DequantMaxAbsError.Observe(float64(maxAbs))
}
