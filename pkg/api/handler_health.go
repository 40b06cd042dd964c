package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/parley-ai/parley/pkg/version"
)

// handleHealth handles GET /api/v1/health: worker pool state, queue
// depth, and database reachability.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	health := s.inst.Pool().Health()

	dbStatus := "ok"
	if err := s.inst.DB().HealthCheck(ctx); err != nil {
		dbStatus = err.Error()
		health.DBReachable = false
		health.IsHealthy = false
	}

	status := http.StatusOK
	if !health.IsHealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status":   healthWord(health.IsHealthy),
		"version":  version.Full(),
		"database": dbStatus,
		"pool":     health,
	})
}

func healthWord(healthy bool) string {
	if healthy {
		return "healthy"
	}
	return "unhealthy"
}
