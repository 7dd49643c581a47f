package handler

import (
	"net/http"
	"runtime"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// RunningFunc reports whether a job is active.
type RunningFunc func() bool

// HealthHandler handles health check endpoints
type HealthHandler struct {
	running RunningFunc
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(running RunningFunc) *HealthHandler {
	return &HealthHandler{running: running}
}

// Health returns the health status of the service with host stats.
// Host stats are best effort and omitted when unavailable.
func (h *HealthHandler) Health(c *gin.Context) {
	resp := gin.H{
		"status":         "ok",
		"parser_running": h.running != nil && h.running(),
		"goroutines":     runtime.NumGoroutine(),
	}
	// zero interval compares against the previous call
	if pct, err := cpu.PercentWithContext(c.Request.Context(), 0, false); err == nil && len(pct) > 0 {
		resp["cpu_percent"] = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(c.Request.Context()); err == nil {
		resp["memory_used_percent"] = vm.UsedPercent
		resp["memory_available_mb"] = vm.Available / (1 << 20)
	}
	c.JSON(http.StatusOK, resp)
}
