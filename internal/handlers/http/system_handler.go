package http

import (
	"context"
	"net/http"
	"time"

	"consultnet/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
)

// SystemHandler serves liveness and readiness probes.
type SystemHandler struct {
	health       *monitoring.HealthChecker
	startTime    time.Time
	readyTimeout time.Duration
}

func NewSystemHandler(health *monitoring.HealthChecker, startTime time.Time) *SystemHandler {
	return &SystemHandler{
		health:       health,
		startTime:    startTime,
		readyTimeout: 2 * time.Second,
	}
}

// SetupRoutes registers /health and /ready
func (h *SystemHandler) SetupRoutes(router gin.IRouter) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
}

func (h *SystemHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    monitoring.StatusHealthy,
		"timestamp": time.Now(),
		"uptime":    time.Since(h.startTime).Round(time.Second).String(),
	})
}

func (h *SystemHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.readyTimeout)
	defer cancel()

	status := h.health.CheckAll(ctx)
	if status.Status != monitoring.StatusHealthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":       "not_ready",
			"timestamp":    status.Timestamp,
			"dependencies": status.Checks,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":       "ready",
		"timestamp":    status.Timestamp,
		"dependencies": status.Checks,
	})
}
