// Package probe fetches per-backend /metrics and /v1/models, updates the
// shared cache layer, and reports outcomes to the circuit breaker. Probe
// failures are never surfaced to callers directly — they only mutate health
// state.
package probe

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ddevcap/vllm-composer/cache"
	"github.com/ddevcap/vllm-composer/health"
)

// trailingNumber matches the trailing numeric value on a Prometheus
// exposition line.
var trailingNumber = regexp.MustCompile(`(\d+(\.\d+)?)$`)

const (
	runningPrefix = "vllm:num_requests_running"
	waitingPrefix = "vllm:num_requests_waiting"
)

// Prober fetches fleet metrics and model identity. One Prober is shared
// across every backend and every call site — it owns the pooled HTTP client
// used for all outbound probe traffic.
type Prober struct {
	client    *http.Client
	cache     *cache.Layer
	breaker   *health.Breaker
	vllmToken string
	timeout   time.Duration
}

// New creates a Prober. timeout bounds every individual probe request.
func New(cacheLayer *cache.Layer, breaker *health.Breaker, vllmToken string, timeout time.Duration) *Prober {
	return &Prober{
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   5 * time.Second,
				ResponseHeaderTimeout: 10 * time.Second,
				MaxIdleConnsPerHost:   10,
			},
			// No client-level Timeout — each call derives its own deadline
			// from ctx so cancellation propagates from the scheduler's loop.
		},
		cache:     cacheLayer,
		breaker:   breaker,
		vllmToken: vllmToken,
		timeout:   timeout,
	}
}

// Metrics fetches and returns the current load (running+waiting) for url.
// If the backend is not usable, returns (0, false) without I/O. A fresh
// cache entry short-circuits the network call. Any failure records against
// the breaker and returns (0, false); success records success and caches
// the value.
func (p *Prober) Metrics(ctx context.Context, url string) (float64, bool) {
	if !p.breaker.IsUsable(url) {
		return 0, false
	}
	if v, ok := p.cache.LoadFor(url); ok {
		return v, true
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url+"/metrics", nil)
	if err != nil {
		p.breaker.RecordFailure(url)
		return 0, false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.breaker.RecordFailure(url)
		slog.Warn("probe: metrics request failed", "backend", url, "error", err)
		return 0, false
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.breaker.RecordFailure(url)
		slog.Warn("probe: metrics request returned non-2xx", "backend", url, "status", resp.StatusCode)
		return 0, false
	}

	total, err := parseLoad(resp.Body)
	if err != nil {
		p.breaker.RecordFailure(url)
		slog.Warn("probe: metrics parse failed", "backend", url, "error", err)
		return 0, false
	}

	p.cache.SetLoad(url, total)
	p.breaker.RecordSuccess(url)
	return total, true
}

// parseLoad scans Prometheus exposition text line by line, summing the
// trailing numeric value of every line starting with the running or
// waiting request-count metric names.
func parseLoad(body io.Reader) (float64, error) {
	scanner := bufio.NewScanner(body)
	var total float64
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, runningPrefix), strings.HasPrefix(line, waitingPrefix):
			m := trailingNumber.FindString(line)
			if m == "" {
				continue
			}
			v, err := strconv.ParseFloat(m, 64)
			if err != nil {
				continue
			}
			total += v
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return total, nil
}

// modelListResponse is the /v1/models response shape this probe accepts.
// A body that does not decode into it (a bare JSON array, for instance) is
// a probe failure; an object with no "data" key reads as an empty list.
type modelListResponse struct {
	Data []modelEntry `json:"data"`
}

type modelEntry struct {
	ID      string `json:"id"`
	Created int64  `json:"created"`
}

// Model fetches and caches the model descriptor for url. Only the first
// entry of the data array is retained — one backend serves exactly one
// model. An empty or absent data array is a successful probe that yields
// no model — it does not increment the failure count.
func (p *Prober) Model(ctx context.Context, url string) (cache.ModelDescriptor, bool) {
	if !p.breaker.IsUsable(url) {
		return cache.ModelDescriptor{}, false
	}
	if d, ok := p.cache.ModelFor(url); ok {
		return d, true
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url+"/v1/models", nil)
	if err != nil {
		p.breaker.RecordFailure(url)
		return cache.ModelDescriptor{}, false
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", p.vllmToken))

	resp, err := p.client.Do(req)
	if err != nil {
		p.breaker.RecordFailure(url)
		slog.Warn("probe: model request failed", "backend", url, "error", err)
		return cache.ModelDescriptor{}, false
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.breaker.RecordFailure(url)
		slog.Warn("probe: model request returned non-2xx", "backend", url, "status", resp.StatusCode)
		return cache.ModelDescriptor{}, false
	}

	var parsed modelListResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		p.breaker.RecordFailure(url)
		slog.Warn("probe: model response parse failed", "backend", url, "error", err)
		return cache.ModelDescriptor{}, false
	}

	p.breaker.RecordSuccess(url)
	if len(parsed.Data) == 0 {
		return cache.ModelDescriptor{}, false
	}
	desc := cache.ModelDescriptor{ID: parsed.Data[0].ID, Created: parsed.Data[0].Created}
	p.cache.SetModel(url, desc)
	return desc, true
}
