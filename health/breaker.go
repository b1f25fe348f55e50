// Package health implements the per-backend circuit breaker: a
// consecutive-failure counter that trips a cool-down window, gating every
// probe and every selection attempt against that backend.
package health

import (
	"sync"
	"time"
)

// Record is the externally observable health state of one backend. A probe
// success always zeroes ConsecutiveFailures and clears CircuitOpenUntil; the
// failure that crosses the threshold stamps CircuitOpenUntil = now + cooldown
// at the exact moment the threshold is reached.
type Record struct {
	Healthy             bool
	LastChecked         time.Time
	ConsecutiveFailures int
	CircuitOpenUntil    time.Time // zero means not open
}

type entry struct {
	mu     sync.Mutex
	record Record
}

// Breaker tracks per-backend health and circuit-breaker state. Safe for
// concurrent use; never fails itself, only mutates local state.
type Breaker struct {
	maxFailures    int
	cooldownPeriod time.Duration

	mu      sync.RWMutex
	entries map[string]*entry

	now    func() time.Time // overridable for tests
	onTrip func(url string) // optional hook fired the instant a circuit opens
}

// SetOnTrip installs a callback fired exactly once each time a backend's
// circuit transitions from closed to open. Intended for wiring the
// composer's own trip counter; nil (the default) disables the hook.
func (b *Breaker) SetOnTrip(fn func(url string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTrip = fn
}

// NewBreaker creates a Breaker for the given backend URLs.
func NewBreaker(urls []string, maxFailures int, cooldownPeriod time.Duration) *Breaker {
	b := &Breaker{
		maxFailures:    maxFailures,
		cooldownPeriod: cooldownPeriod,
		entries:        make(map[string]*entry, len(urls)),
		now:            time.Now,
	}
	for _, u := range urls {
		b.entries[u] = &entry{record: Record{Healthy: true}}
	}
	return b
}

func (b *Breaker) entryFor(url string) *entry {
	b.mu.RLock()
	e, ok := b.entries[url]
	b.mu.RUnlock()
	if ok {
		return e
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[url]; ok {
		return e
	}
	e = &entry{record: Record{Healthy: true}}
	b.entries[url] = e
	return e
}

// IsUsable returns false if the breaker is open (cool-down not elapsed) or
// the backend's last probe marked it unhealthy; true otherwise. Once the
// cooldown elapses the breaker goes half-open: the open state is cleared and
// one trial probe is let through regardless of the last-known Healthy value,
// matching RecordSuccess/RecordFailure deciding the next state from there.
func (b *Breaker) IsUsable(url string) bool {
	e := b.entryFor(url)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := b.now()
	if e.record.CircuitOpenUntil.IsZero() {
		return e.record.Healthy
	}
	if now.Before(e.record.CircuitOpenUntil) {
		return false // still cooling down
	}

	// Cooldown elapsed: go half-open for a trial probe.
	e.record.CircuitOpenUntil = time.Time{}
	e.record.ConsecutiveFailures = 0
	return true
}

// RecordSuccess clears the failure count and breaker timestamp, marks the
// backend healthy, and stamps LastChecked.
func (b *Breaker) RecordSuccess(url string) {
	e := b.entryFor(url)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.record.Healthy = true
	e.record.ConsecutiveFailures = 0
	e.record.CircuitOpenUntil = time.Time{}
	e.record.LastChecked = b.now()
}

// RecordFailure increments the failure count; once it reaches maxFailures
// the breaker opens for cooldownPeriod. Always marks the backend unhealthy
// and stamps LastChecked.
func (b *Breaker) RecordFailure(url string) {
	e := b.entryFor(url)
	e.mu.Lock()

	now := b.now()
	e.record.ConsecutiveFailures++
	justTripped := e.record.ConsecutiveFailures >= b.maxFailures && e.record.CircuitOpenUntil.IsZero()
	if justTripped {
		e.record.CircuitOpenUntil = now.Add(b.cooldownPeriod)
	}
	e.record.Healthy = false
	e.record.LastChecked = now
	e.mu.Unlock()

	if justTripped {
		b.mu.RLock()
		hook := b.onTrip
		b.mu.RUnlock()
		if hook != nil {
			hook(url)
		}
	}
}

// Snapshot returns a copy of the current record for url, for /health
// reporting. The zero Record with Healthy=true is returned for a URL with
// no tracked history yet.
func (b *Breaker) Snapshot(url string) Record {
	e := b.entryFor(url)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record
}

// Rebuild carries over health records for URLs that persist across a
// registry reload and creates fresh entries for new URLs; entries for
// removed URLs are discarded.
func (b *Breaker) Rebuild(urls []string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := make(map[string]*entry, len(urls))
	for _, u := range urls {
		if e, ok := b.entries[u]; ok {
			next[u] = e
			continue
		}
		next[u] = &entry{record: Record{Healthy: true}}
	}
	b.entries = next
}
