// Package server exposes a running simulation over HTTP so cache behavior
// can be inspected while a workload is stepped.
package server

import (
	"log/slog"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pagedcore/pagedcore/block"
	"github.com/pagedcore/pagedcore/sim"
	"github.com/pagedcore/pagedcore/version"
)

func Serve(ln net.Listener, runner *sim.Runner) error {
	r := NewRouter(runner)

	slog.Info("stats server listening", "addr", ln.Addr())
	s := &http.Server{
		Handler: r,
	}
	return s.Serve(ln)
}

func NewRouter(runner *sim.Runner) *gin.Engine {
	r := gin.Default()

	r.GET("/api/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"version": version.Version})
	})

	r.GET("/api/stats", func(c *gin.Context) {
		stats := runner.Stats()
		mean, p50, p99 := stats.LatencySummary()
		c.JSON(http.StatusOK, gin.H{
			"steps":           stats.Steps,
			"prompts":         stats.Prompts,
			"decoded_tokens":  stats.DecodedTokens,
			"forks":           stats.Forks,
			"cows":            stats.COWs,
			"swaps_out":       stats.SwapsOut,
			"swaps_in":        stats.SwapsIn,
			"preemptions":     stats.Preemptions,
			"completed":       stats.Completed,
			"free_gpu_blocks": runner.FreeBlocks(block.DeviceGPU),
			"free_cpu_blocks": runner.FreeBlocks(block.DeviceCPU),
			"step_latency":    gin.H{"mean": mean, "p50": p50, "p99": p99},
		})
	})

	r.GET("/api/sequences", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sequences": runner.Sequences()})
	})

	r.POST("/api/step", func(c *gin.Context) {
		if err := runner.Step(); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, runner.Stats())
	})

	return r
}
