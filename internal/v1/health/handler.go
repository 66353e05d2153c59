// Package health exposes liveness and readiness probes on the gateway
// router.
package health

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hphmeet/relay/internal/v1/logging"
)

// ControlChecker checks the health of the control-plane listener.
type ControlChecker interface {
	Check(ctx context.Context, addr string) string
}

// DefaultControlChecker is the default implementation of ControlChecker.
type DefaultControlChecker struct{}

// Check verifies TCP connectivity to the control server. The control plane
// has no in-band ping, so a successful dial is the readiness signal.
func (c *DefaultControlChecker) Check(ctx context.Context, addr string) string {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		logging.Error(ctx, "Control listener health check failed", zap.Error(err), zap.String("addr", addr))
		return "unhealthy"
	}
	_ = conn.Close()
	return "healthy"
}

// Handler manages health check endpoints.
type Handler struct {
	redisClient    *redis.Client
	controlAddr    string
	controlChecker ControlChecker
}

// NewHandler creates a health check handler. redisClient may be nil when
// the relay runs without Redis.
func NewHandler(controlAddr string, redisClient *redis.Client) *Handler {
	return &Handler{
		redisClient:    redisClient,
		controlAddr:    controlAddr,
		controlChecker: &DefaultControlChecker{},
	}
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint.
// GET /health/live
// Returns 200 if the process is alive (no dependency checks).
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles the readiness probe endpoint.
// GET /health/ready
// Returns 200 only if all critical dependencies are healthy, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	controlStatus := h.checkControl(ctx)
	checks["control"] = controlStatus
	if controlStatus != "healthy" {
		allHealthy = false
	}

	redisStatus := h.checkRedis(ctx)
	checks["redis"] = redisStatus
	if redisStatus != "healthy" {
		allHealthy = false
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkControl(ctx context.Context) string {
	if h.controlChecker == nil {
		return "unhealthy"
	}
	return h.controlChecker.Check(ctx, h.controlAddr)
}

// checkRedis verifies Redis connectivity using PING. Without Redis the
// relay is single-instance and the check passes.
func (h *Handler) checkRedis(ctx context.Context) string {
	if h.redisClient == nil {
		return "healthy"
	}
	if err := h.redisClient.Ping(ctx).Err(); err != nil {
		logging.Error(ctx, "Redis health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}
