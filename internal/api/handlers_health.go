package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mescon/panoguard/internal/config"
	"github.com/mescon/panoguard/internal/logger"
)

// formatUptime returns a human-readable uptime string
func formatUptime(uptime time.Duration) string {
	days := int(uptime.Hours()) / 24
	hours := int(uptime.Hours()) % 24
	minutes := int(uptime.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

// checkDatabaseHealth checks database connectivity and returns status
func (s *RESTServer) checkDatabaseHealth(ctx context.Context) (gin.H, bool) {
	dbHealth := gin.H{"status": "connected", "dialect": s.repo.Dialect}

	if err := s.repo.DB.PingContext(ctx); err != nil {
		dbHealth["status"] = "error"
		dbHealth["error"] = err.Error()
		return dbHealth, false
	}

	stats, err := s.repo.Stats(ctx)
	if err != nil {
		logger.Debugf("Failed to collect database stats: %v", err)
		return dbHealth, true
	}
	for k, v := range stats {
		dbHealth[k] = v
	}
	return dbHealth, true
}

// handleHealth returns server health status for container orchestration.
// This endpoint must return quickly (within 5 seconds) for Docker healthchecks.
func (s *RESTServer) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbHealth, dbHealthy := s.checkDatabaseHealth(ctx)

	status := "healthy"
	code := http.StatusOK
	if !dbHealthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":            status,
		"version":           config.Version,
		"uptime":            formatUptime(time.Since(s.startTime)),
		"database":          dbHealth,
		"active_scans":      len(s.scanner.GetActiveScans()),
		"websocket_clients": s.hub.ClientCount(),
	})
}
