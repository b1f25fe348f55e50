package handler

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/ddevcap/vllm-composer/fleet"
)

// perBackendTimeout bounds each individual /metrics fetch; a slow or dead
// backend never holds up the others.
const perBackendTimeout = 2 * time.Second

// MetricsAggregateHandler serves the raw, per-backend text aggregation
// contract at GET /metrics — distinct from the composer's own
// self-instrumentation exposed at GET /internal/metrics.
type MetricsAggregateHandler struct {
	registry *fleet.Registry
	client   *http.Client
}

// NewMetricsAggregateHandler builds a MetricsAggregateHandler with its own
// short-timeout pooled client, separate from the probe and proxy clients.
func NewMetricsAggregateHandler(registry *fleet.Registry) *MetricsAggregateHandler {
	return &MetricsAggregateHandler{
		registry: registry,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: perBackendTimeout,
				}).DialContext,
				ResponseHeaderTimeout: perBackendTimeout,
				MaxIdleConnsPerHost:   10,
			},
		},
	}
}

// Handle serves GET /metrics: a JSON object mapping each backend URL to its
// raw /metrics body, or an "Error: <reason>" string on failure. No single
// backend's failure prevents the others from being returned.
func (h *MetricsAggregateHandler) Handle(c *gin.Context) {
	backends := h.registry.List()
	results := make(map[string]string, len(backends))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(c.Request.Context())
	for _, b := range backends {
		b := b
		g.Go(func() error {
			text, err := h.fetch(ctx, b.URL)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				results[b.URL] = fmt.Sprintf("Error: %v", err)
				return nil
			}
			results[b.URL] = text
			return nil
		})
	}
	_ = g.Wait()

	c.JSON(http.StatusOK, results)
}

func (h *MetricsAggregateHandler) fetch(ctx context.Context, url string) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, perBackendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url+"/metrics", nil)
	if err != nil {
		return "", err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	return string(body), nil
}
