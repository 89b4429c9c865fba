package router

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
)

const healthMessage = "Chatty Voice-First AI Portal API is running"

// setupHealthRoutes registers health check endpoints
func (r *Router) setupHealthRoutes() {
	healthHandler := func(c *gin.Context) {
		// Get memory stats
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)

		status, code := "ok", http.StatusOK
		if !r.Container.Health.IsSystemHealthy() {
			status, code = "unavailable", http.StatusServiceUnavailable
		}

		// Prepare response
		c.JSON(code, gin.H{
			"status":     status,
			"message":    healthMessage,
			"timestamp":  time.Now().Format(time.RFC3339),
			"uptime":     time.Since(startTime).Round(time.Second).String(),
			"components": r.Container.Health.GetStatus(),
			"websocket": gin.H{
				"active_connections": r.Hub.Connections(),
				"sessions":           r.Container.Registry.CountByState(),
			},
			"relay": gin.H{
				"circuit": r.Container.Breaker.GetMetrics(),
			},
			"memory": gin.H{
				"alloc_mb":  memStats.Alloc / 1024 / 1024,
				"sys_mb":    memStats.Sys / 1024 / 1024,
				"gc_cycles": memStats.NumGC,
			},
		})
	}

	// Register both health endpoint paths for compatibility
	r.Engine.GET("/health", healthHandler)
	r.Engine.GET("/api/health", healthHandler)
	r.Engine.GET("/api/health/components", gin.WrapF(r.Container.Health.HTTPHandler()))
}
