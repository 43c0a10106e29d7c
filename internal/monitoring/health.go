// Package monitoring serves health and Prometheus metrics endpoints for
// tools embedding the cache core. It reports pool occupancy, not request
// scheduling; the serving loop owns its own health.
package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-bodkin/internal/kvpool"
	"github.com/23skdu/longbow-bodkin/internal/logger"
)

// Status is the payload of the /status endpoint.
type Status struct {
	Status    string     `json:"status"`
	Timestamp time.Time  `json:"timestamp"`
	Uptime    string     `json:"uptime"`
	System    SystemInfo `json:"system"`
	Pool      PoolInfo   `json:"pool"`
}

// SystemInfo contains process-level information.
type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

// PoolInfo contains block pool occupancy.
type PoolInfo struct {
	CapacityBlocks int     `json:"capacity_blocks"`
	UsedBlocks     int     `json:"used_blocks"`
	FreeBlocks     int     `json:"free_blocks"`
	UsagePct       float64 `json:"usage_pct"`
	BlockLen       int     `json:"block_len"`
	NumLayers      int     `json:"num_layers"`
	NumHeads       int     `json:"num_heads"`
	HeadDim        int     `json:"head_dim"`
}

// HealthServer exposes /health, /metrics and /status for one pool.
type HealthServer struct {
	pool      *kvpool.Pool
	startTime time.Time
	server    *http.Server
}

func NewHealthServer(pool *kvpool.Pool) *HealthServer {
	return &HealthServer{pool: pool, startTime: time.Now()}
}

// Start serves until the listener fails or Stop is called.
func (hs *HealthServer) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hs.handleHealth)
	mux.HandleFunc("/healthz", hs.handleHealth) // Kubernetes compatibility
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", hs.handleStatus)

	hs.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	logger.Log.Info("health server starting", "addr", addr)
	return hs.server.ListenAndServe()
}

func (hs *HealthServer) Stop(ctx context.Context) error {
	if hs.server != nil {
		return hs.server.Shutdown(ctx)
	}
	return nil
}

func (hs *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hs.status()
	if status.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hs *HealthServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(hs.status())
}

func (hs *HealthServer) status() Status {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	cfg := hs.pool.Config()
	used := hs.pool.UsedBlocks()
	pool := PoolInfo{
		CapacityBlocks: cfg.Capacity,
		UsedBlocks:     used,
		FreeBlocks:     cfg.Capacity - used,
		UsagePct:       float64(used) / float64(cfg.Capacity) * 100,
		BlockLen:       cfg.BlockLen,
		NumLayers:      cfg.NumLayers,
		NumHeads:       cfg.NumHeads,
		HeadDim:        cfg.HeadDim,
	}

	// A full pool is not an error, but it means every further append on a
	// full sequence will be rejected until something is evicted.
	status := "healthy"
	if pool.FreeBlocks == 0 {
		status = "degraded"
	}

	return Status{
		Status:    status,
		Timestamp: time.Now(),
		Uptime:    time.Since(hs.startTime).String(),
		System: SystemInfo{
			GoVersion:    runtime.Version(),
			NumCPU:       runtime.NumCPU(),
			MemoryMB:     int(m.Sys / 1024 / 1024),
			MemoryUsedMB: int(m.Alloc / 1024 / 1024),
		},
		Pool: pool,
	}
}
