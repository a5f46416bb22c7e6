// Package metrics exposes the cache's prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the registry-scoped collectors for the cache server.
type Metrics struct {
	registry *prometheus.Registry

	Hits           prometheus.Counter
	Misses         *prometheus.CounterVec
	Writes         prometheus.Counter
	PurgedURLs     prometheus.Counter
	SweptEntries   prometheus.Counter
	PreloadFetches prometheus.Counter
	PreloadErrors  prometheus.Counter
	QueueDepth     prometheus.Gauge
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		Hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "powered_cache",
			Name:      "hits_total",
			Help:      "Requests served from the page cache.",
		}),
		Misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "powered_cache",
			Name:      "misses_total",
			Help:      "Requests passed through to the origin, by miss reason.",
		}, []string{"reason"}),
		Writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "powered_cache",
			Name:      "writes_total",
			Help:      "Responses stored in the page cache.",
		}),
		PurgedURLs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "powered_cache",
			Name:      "purged_urls_total",
			Help:      "URLs purged from the page cache.",
		}),
		SweptEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "powered_cache",
			Name:      "swept_entries_total",
			Help:      "Cache entries deleted by the TTL sweeper.",
		}),
		PreloadFetches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "powered_cache",
			Name:      "preload_fetches_total",
			Help:      "URLs fetched by the preloader.",
		}),
		PreloadErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "powered_cache",
			Name:      "preload_errors_total",
			Help:      "Preload fetches that failed or timed out.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "powered_cache",
			Name:      "queue_depth",
			Help:      "Persisted items in the background work queue.",
		}),
	}
	registry.MustRegister(
		m.Hits, m.Misses, m.Writes, m.PurgedURLs,
		m.SweptEntries, m.PreloadFetches, m.PreloadErrors, m.QueueDepth,
	)
	return m
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
