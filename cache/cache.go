// Package cache provides the two TTL caches the dispatcher and probes share:
// a short-lived metrics (load) cache and a longer-lived model-identity
// cache, both keyed by backend URL.
package cache

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// ModelDescriptor is the cached identity of the model a backend serves.
type ModelDescriptor struct {
	ID      string
	Created int64 // seconds since epoch
}

const capacity = 100

// Layer bundles the metrics and model caches behind a short TTL for load
// (refreshed on the order of hundreds of milliseconds) and a longer TTL for
// model identity, which rarely changes.
type Layer struct {
	Metrics *ttlcache.Cache[string, float64]
	Models  *ttlcache.Cache[string, ModelDescriptor]
}

// NewLayer builds a Layer with the given TTLs. Callers own stopping the
// caches' background janitor goroutines via Stop.
func NewLayer(metricsTTL, modelTTL time.Duration) *Layer {
	l := &Layer{
		Metrics: ttlcache.New[string, float64](
			ttlcache.WithTTL[string, float64](metricsTTL),
			ttlcache.WithCapacity[string, float64](capacity),
		),
		Models: ttlcache.New[string, ModelDescriptor](
			ttlcache.WithTTL[string, ModelDescriptor](modelTTL),
			ttlcache.WithCapacity[string, ModelDescriptor](capacity),
		),
	}
	go l.Metrics.Start()
	go l.Models.Start()
	return l
}

// Stop halts both caches' background janitors.
func (l *Layer) Stop() {
	l.Metrics.Stop()
	l.Models.Stop()
}

// LoadFor returns the cached load value for url, or (0, false) on a miss.
func (l *Layer) LoadFor(url string) (float64, bool) {
	item := l.Metrics.Get(url)
	if item == nil {
		return 0, false
	}
	return item.Value(), true
}

// SetLoad stamps the metrics cache for url.
func (l *Layer) SetLoad(url string, value float64) {
	l.Metrics.Set(url, value, ttlcache.DefaultTTL)
}

// ModelFor returns the cached model descriptor for url, or (zero, false).
func (l *Layer) ModelFor(url string) (ModelDescriptor, bool) {
	item := l.Models.Get(url)
	if item == nil {
		return ModelDescriptor{}, false
	}
	return item.Value(), true
}

// SetModel stamps the model cache for url.
func (l *Layer) SetModel(url string, desc ModelDescriptor) {
	l.Models.Set(url, desc, ttlcache.DefaultTTL)
}
