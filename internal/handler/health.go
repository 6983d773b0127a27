package handler

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
)

// Version is reported by the health endpoint and the version command.
var Version = "0.1.0"

// Pinger checks the container runtime.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler reports whether the orchestrator can reach its runtime
type HealthHandler struct {
	pinger Pinger
	coord  Coordinator
}

func NewHealthHandler(pinger Pinger, coord Coordinator) *HealthHandler {
	return &HealthHandler{pinger: pinger, coord: coord}
}

// Health GET /api/health
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	resp := gin.H{
		"version":    Version,
		"go_version": runtime.Version(),
		"docker":     "ok",
	}
	if repos, err := h.coord.List(); err == nil {
		resp["repositories"] = len(repos)
	}

	if err := h.pinger.Ping(ctx); err != nil {
		resp["status"] = "degraded"
		resp["docker"] = err.Error()
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	resp["status"] = "ok"
	c.JSON(http.StatusOK, resp)
}
