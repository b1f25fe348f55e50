package dispatch

import (
	"context"
	"sort"
	"time"

	"github.com/ddevcap/vllm-composer/fleet"
	"github.com/ddevcap/vllm-composer/internal/dispatcherr"
)

// candidate pairs a backend with the fresh load value the selection pass
// fetched for it.
type candidate struct {
	backend *fleet.Backend
	load    float64
}

// Compatible returns the backends in the caller's group whose probed model
// identity matches model. A backend whose breaker rejects it or whose model
// probe fails is silently excluded, not reported as an error — it simply never appears.
func (d *Dispatcher) Compatible(ctx context.Context, group, model string) []*fleet.Backend {
	var out []*fleet.Backend
	for _, b := range d.Registry.List() {
		if !b.AllowsGroup(group) {
			continue
		}
		desc, ok := d.Prober.Model(ctx, b.URL)
		if !ok || desc.ID != model {
			continue
		}
		out = append(out, b)
	}
	return out
}

// SelectBackend narrows compatible to the subset with fresh load data, ranks
// by minimum load, breaking ties in favor of a never-used backend and
// otherwise the least-recently-used one, then stamps the winner's
// last-utilization timestamp before returning it.
func (d *Dispatcher) SelectBackend(ctx context.Context, compatible []*fleet.Backend, now func() time.Time) (*fleet.Backend, *dispatcherr.Error) {
	var ranked []candidate
	for _, b := range compatible {
		load, ok := d.Prober.Metrics(ctx, b.URL)
		if !ok {
			continue
		}
		ranked = append(ranked, candidate{backend: b, load: load})
	}
	if len(ranked) == 0 {
		return nil, dispatcherr.New(dispatcherr.NoCapacity, "no compatible backend has fresh load data")
	}

	minLoad := ranked[0].load
	for _, c := range ranked[1:] {
		if c.load < minLoad {
			minLoad = c.load
		}
	}

	var tied []*fleet.Backend
	for _, c := range ranked {
		if c.load == minLoad {
			tied = append(tied, c.backend)
		}
	}

	winner := pickLeastRecentlyUsed(tied)
	winner.MarkUtilized(now())
	return winner, nil
}

// pickLeastRecentlyUsed returns the first never-used backend it finds, or
// failing that, the one with the oldest last-utilization timestamp.
func pickLeastRecentlyUsed(tied []*fleet.Backend) *fleet.Backend {
	for _, b := range tied {
		if b.NeverUsed() {
			return b
		}
	}
	sort.Slice(tied, func(i, j int) bool {
		return tied[i].LastUtilization().Before(tied[j].LastUtilization())
	})
	return tied[0]
}
