// Package fleet maintains the immutable table of backend servers the
// dispatcher selects from. The live table is swapped atomically on reload;
// in-flight requests keep using whatever snapshot they already captured.
package fleet

import (
	"sync"
	"sync/atomic"
	"time"
)

// Backend is one OpenAI-compatible inference server instance.
// URL is the stable identity used as the key everywhere else in the system
// (health records, caches). AllowedGroups is immutable after construction;
// LastUtilization is the only mutable field and is written exclusively by
// the dispatcher immediately after it selects this backend.
type Backend struct {
	URL           string
	AllowedGroups map[string]struct{}

	mu              sync.Mutex
	lastUtilization time.Time // zero value means "never"
}

// AllowsGroup reports whether group may use this backend.
func (b *Backend) AllowsGroup(group string) bool {
	_, ok := b.AllowedGroups[group]
	return ok
}

// LastUtilization returns the timestamp this backend was last chosen by the
// dispatcher, or the zero Time if it has never been chosen.
func (b *Backend) LastUtilization() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUtilization
}

// MarkUtilized stamps the backend's last-utilization timestamp.
func (b *Backend) MarkUtilized(at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUtilization = at
}

// NeverUsed reports whether this backend has never been selected.
func (b *Backend) NeverUsed() bool {
	return b.LastUtilization().IsZero()
}

// Source is the minimal description needed to construct one Backend —
// decoupled from config so fleet has no import-time dependency on the YAML
// shape.
type Source struct {
	URL           string
	AllowedGroups []string
}

// snapshot is the table swapped atomically by Rebuild.
type snapshot struct {
	backends []*Backend
	byURL    map[string]*Backend
}

// Registry holds the current fleet snapshot behind an atomic pointer so
// readers never need to take a lock to iterate or look up a backend.
type Registry struct {
	current atomic.Pointer[snapshot]
}

// NewRegistry builds a Registry from the given sources.
func NewRegistry(sources []Source) *Registry {
	r := &Registry{}
	r.current.Store(buildSnapshot(sources))
	return r
}

func buildSnapshot(sources []Source) *snapshot {
	s := &snapshot{
		backends: make([]*Backend, 0, len(sources)),
		byURL:    make(map[string]*Backend, len(sources)),
	}
	for _, src := range sources {
		groups := make(map[string]struct{}, len(src.AllowedGroups))
		for _, g := range src.AllowedGroups {
			groups[g] = struct{}{}
		}
		b := &Backend{URL: src.URL, AllowedGroups: groups}
		s.backends = append(s.backends, b)
		s.byURL[src.URL] = b
	}
	return s
}

// List returns a point-in-time slice of backends, safe to iterate without
// external locking. The slice itself is never mutated after construction;
// concurrent Rebuild calls install a new slice rather than editing this one.
func (r *Registry) List() []*Backend {
	return r.current.Load().backends
}

// Get returns the backend for url in the current snapshot, or nil.
func (r *Registry) Get(url string) *Backend {
	return r.current.Load().byURL[url]
}

// Rebuild atomically swaps in a new backend table built from sources.
// Backends whose URL persists across the rebuild are reconstructed fresh
// here — LastUtilization intentionally resets. Only health.Breaker carries
// failure state across its own Rebuild.
func (r *Registry) Rebuild(sources []Source) {
	r.current.Store(buildSnapshot(sources))
}
