package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const healthCheckTimeout = 2 * time.Second

// HealthHandler reports service liveness and dependency reachability
type HealthHandler struct {
	logger  *slog.Logger
	service string
	checks  map[string]func(context.Context) error
}

func NewHealthHandler(deps *Dependencies, service string) *HealthHandler {
	return &HealthHandler{
		logger:  deps.Logger,
		service: service,
		checks:  deps.Checks,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	components := make(map[string]string, len(h.checks))
	healthy := true
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.Warn("Health check failed",
				slog.String("component", name),
				slog.String("error", err.Error()),
			)
			components[name] = "unhealthy"
			healthy = false
			continue
		}
		components[name] = "healthy"
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":     status,
		"service":    h.service,
		"components": components,
	})
}
