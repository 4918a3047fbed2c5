package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	CacheHitsTotal    prometheus.Counter
	CacheMissesTotal  prometheus.Counter
	CacheEvictions    prometheus.Counter
	StaleServedTotal  prometheus.Counter
	UpstreamFetches   *prometheus.CounterVec
	UpstreamDuration  prometheus.Histogram
	CoalescedRequests prometheus.Counter

	SchedulerRunsTotal *prometheus.CounterVec
	AlertsSentTotal    *prometheus.CounterVec
}

// NewMetrics registers the service metrics on reg. Tests pass a fresh
// prometheus.NewRegistry() so repeated construction does not collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"path", "method", "status_code"},
		),

		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"path", "method"},
		),

		CacheHitsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "weather_cache_hits_total",
			Help: "Requests served from a fresh cache entry",
		}),
		CacheMissesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "weather_cache_misses_total",
			Help: "Requests that found no fresh cache entry",
		}),
		CacheEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "weather_cache_evictions_total",
			Help: "Entries evicted because the cache was full",
		}),
		StaleServedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "weather_stale_served_total",
			Help: "Requests answered with a stale entry after an upstream failure",
		}),
		UpstreamFetches: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weather_upstream_fetches_total",
				Help: "Calls to the remote weather service by outcome",
			},
			[]string{"result"},
		),
		UpstreamDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "weather_upstream_duration_seconds",
			Help:    "Latency of calls to the remote weather service",
			Buckets: prometheus.DefBuckets,
		}),
		CoalescedRequests: f.NewCounter(prometheus.CounterOpts{
			Name: "weather_coalesced_requests_total",
			Help: "Requests that joined an in-flight fetch instead of issuing their own",
		}),

		SchedulerRunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weather_refresh_runs_total",
				Help: "Background refresh runs by outcome",
			},
			[]string{"result"},
		),
		AlertsSentTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weather_alerts_sent_total",
				Help: "Alerts delivered by kind",
			},
			[]string{"kind"},
		),
	}
}
