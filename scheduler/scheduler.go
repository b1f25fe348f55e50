// Package scheduler runs the two background refresh loops that keep the
// cache layer warm: a fast metrics loop and a slower model-identity loop.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/ddevcap/vllm-composer/fleet"
	"github.com/ddevcap/vllm-composer/health"
	"github.com/ddevcap/vllm-composer/probe"
)

const (
	// MetricsInterval is shorter than the metrics cache TTL so a healthy
	// fleet never serves a stale miss.
	MetricsInterval = 100 * time.Millisecond
	// ModelsInterval is slower since model identity rarely changes.
	ModelsInterval = 1 * time.Second
)

// Scheduler drives probe.Prober across every backend in a fleet.Registry on
// two independent, cancellable loops.
type Scheduler struct {
	registry *fleet.Registry
	prober   *probe.Prober

	metricsInterval time.Duration
	modelsInterval  time.Duration

	wg sync.WaitGroup

	breaker        *health.Breaker
	activeBackends prometheus.Gauge
}

// SetActiveBackendsGauge wires a gauge that the metrics loop keeps current
// with the count of backends currently usable per breaker. Optional — if
// never called, the loops simply skip updating it.
func (s *Scheduler) SetActiveBackendsGauge(breaker *health.Breaker, gauge prometheus.Gauge) {
	s.breaker = breaker
	s.activeBackends = gauge
}

// New creates a Scheduler with the default loop intervals.
func New(registry *fleet.Registry, prober *probe.Prober) *Scheduler {
	return NewWithIntervals(registry, prober, MetricsInterval, ModelsInterval)
}

// NewWithIntervals creates a Scheduler with explicit loop intervals —
// mainly useful for tests that want faster feedback than the production
// defaults.
func NewWithIntervals(registry *fleet.Registry, prober *probe.Prober, metricsInterval, modelsInterval time.Duration) *Scheduler {
	return &Scheduler{
		registry:        registry,
		prober:          prober,
		metricsInterval: metricsInterval,
		modelsInterval:  modelsInterval,
	}
}

// Start launches both loops. They run until ctx is cancelled; call Wait
// after cancelling ctx to block until both have fully stopped.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(2)
	go s.runLoop(ctx, s.metricsInterval, s.refreshMetrics)
	go s.runLoop(ctx, s.modelsInterval, s.refreshModels)
}

// Wait blocks until both loops have returned after ctx cancellation.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) runLoop(ctx context.Context, interval time.Duration, tick func(context.Context)) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

// refreshMetrics probes every backend's load concurrently. Individual probe
// failures never abort the loop — probe.Prober already swallows them into
// health state.
func (s *Scheduler) refreshMetrics(ctx context.Context) {
	backends := s.registry.List()
	g, gctx := errgroup.WithContext(ctx)
	for _, b := range backends {
		b := b
		g.Go(func() error {
			s.prober.Metrics(gctx, b.URL)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		slog.Warn("scheduler: metrics refresh loop error", "error", err)
	}

	if s.activeBackends != nil {
		active := 0
		for _, b := range backends {
			if s.breaker.IsUsable(b.URL) {
				active++
			}
		}
		s.activeBackends.Set(float64(active))
	}
}

// refreshModels probes every backend's model identity concurrently.
func (s *Scheduler) refreshModels(ctx context.Context) {
	backends := s.registry.List()
	g, gctx := errgroup.WithContext(ctx)
	for _, b := range backends {
		b := b
		g.Go(func() error {
			s.prober.Model(gctx, b.URL)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		slog.Warn("scheduler: models refresh loop error", "error", err)
	}
}
