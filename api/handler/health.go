package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ddevcap/vllm-composer/cache"
	"github.com/ddevcap/vllm-composer/fleet"
	"github.com/ddevcap/vllm-composer/health"
)

// ServerStatus is one row of the /health dump.
type ServerStatus struct {
	URL           string   `json:"url"`
	Healthy       bool     `json:"healthy"`
	MetricsCached *float64 `json:"metrics_cached"`
	ModelCached   *string  `json:"model_cached"`
}

// HealthResponse is the full /health response body.
type HealthResponse struct {
	Servers []ServerStatus `json:"servers"`
}

// HealthHandler reports per-backend health and cache state without
// triggering any outbound probe — it only reads what the scheduler has
// already populated.
type HealthHandler struct {
	registry *fleet.Registry
	breaker  *health.Breaker
	cache    *cache.Layer
}

// NewHealthHandler builds a HealthHandler.
func NewHealthHandler(registry *fleet.Registry, breaker *health.Breaker, cacheLayer *cache.Layer) *HealthHandler {
	return &HealthHandler{registry: registry, breaker: breaker, cache: cacheLayer}
}

// Handle serves GET /health.
func (h *HealthHandler) Handle(c *gin.Context) {
	backends := h.registry.List()
	servers := make([]ServerStatus, 0, len(backends))
	for _, b := range backends {
		status := ServerStatus{URL: b.URL, Healthy: h.breaker.IsUsable(b.URL)}
		if v, ok := h.cache.LoadFor(b.URL); ok {
			status.MetricsCached = &v
		}
		if d, ok := h.cache.ModelFor(b.URL); ok {
			id := d.ID
			status.ModelCached = &id
		}
		servers = append(servers, status)
	}
	c.JSON(http.StatusOK, HealthResponse{Servers: servers})
}
