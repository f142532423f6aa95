package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	TracesIngested     prometheus.Counter
	IngestFailures     prometheus.Counter
	IngestRateLimited  prometheus.Counter
	CacheHits          prometheus.Counter
	CacheMisses        prometheus.Counter
	BroadcastPublished prometheus.Counter
	BroadcastDropped   prometheus.Counter
	StreamClients      prometheus.Gauge
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			TracesIngested: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "traced",
				Name:      "ingest_traces_total",
				Help:      "Total trace payloads ingested",
			}),
			IngestFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "traced",
				Name:      "ingest_failures_total",
				Help:      "Total trace payloads rejected or failed",
			}),
			IngestRateLimited: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "traced",
				Name:      "ingest_rate_limited_total",
				Help:      "Total trace payloads rejected by the rate limiter",
			}),
			CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "traced",
				Name:      "cache_hits_total",
				Help:      "Total trace cache hits",
			}),
			CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "traced",
				Name:      "cache_misses_total",
				Help:      "Total trace cache misses",
			}),
			BroadcastPublished: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "traced",
				Name:      "broadcast_published_total",
				Help:      "Total change notices published to live subscribers",
			}),
			BroadcastDropped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "traced",
				Name:      "broadcast_dropped_total",
				Help:      "Total change notices dropped for lagging subscribers",
			}),
			StreamClients: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "traced",
				Name:      "stream_clients",
				Help:      "Connected live stream clients",
			}),
		}
		prometheus.MustRegister(
			global.TracesIngested,
			global.IngestFailures,
			global.IngestRateLimited,
			global.CacheHits,
			global.CacheMisses,
			global.BroadcastPublished,
			global.BroadcastDropped,
			global.StreamClients,
		)
	})
	return global
}
