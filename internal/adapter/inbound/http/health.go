package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/toolgate/toolgate/internal/domain/cache"
	"github.com/toolgate/toolgate/internal/service"
)

// HealthResponse is the JSON response from the /health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"`            // "healthy" or "unhealthy"
	Checks  map[string]string `json:"checks"`            // Component check results
	Version string            `json:"version,omitempty"` // Optional version info
}

// HealthChecker verifies component health.
type HealthChecker struct {
	cache   cache.Cache
	emitter *service.AuditEmitter
	version string
}

// NewHealthChecker creates a HealthChecker with optional components.
// Pass nil for components that aren't available.
func NewHealthChecker(c cache.Cache, emitter *service.AuditEmitter, version string) *HealthChecker {
	return &HealthChecker{
		cache:   c,
		emitter: emitter,
		version: version,
	}
}

// Check performs health checks on all components. Cache unavailability
// is reported but not unhealthy; the engine runs degraded without it.
func (h *HealthChecker) Check(ctx context.Context) HealthResponse {
	checks := make(map[string]string)
	healthy := true

	if h.cache != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_, _, err := h.cache.Get(pingCtx, "health.ping")
		cancel()
		if err != nil {
			checks["cache"] = fmt.Sprintf("degraded: %v", err)
		} else {
			checks["cache"] = "ok"
		}
	} else {
		checks["cache"] = "not configured"
	}

	if h.emitter != nil {
		depth := h.emitter.ChannelDepth()
		drops := h.emitter.DroppedEvents()
		// Sustained backpressure on the audit channel is unhealthy.
		if drops > 0 {
			checks["audit"] = fmt.Sprintf("degraded: depth %d, %d dropped", depth, drops)
		} else {
			checks["audit"] = fmt.Sprintf("ok: depth %d", depth)
		}
	} else {
		checks["audit"] = "not configured"
		healthy = false
	}

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	return HealthResponse{
		Status:  status,
		Checks:  checks,
		Version: h.version,
	}
}

// Handler serves the /health endpoint. Unhealthy responses use 503 so
// orchestrators can act on the status code alone.
func (h *HealthChecker) Handler(w http.ResponseWriter, r *http.Request) {
	resp := h.Check(r.Context())
	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
