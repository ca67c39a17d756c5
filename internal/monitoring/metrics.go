// internal/monitoring/metrics.go
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/javajoker/imi-commission/internal/cache"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	ResponseTimeHistogram = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_response_time_seconds",
			Help:    "Histogram of response times",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	CallbackOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_callback_outcomes_total",
			Help: "Payment callbacks by provider and processing outcome",
		},
		[]string{"provider", "outcome"},
	)

	CallbackDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payment_callback_duration_seconds",
			Help:    "Time spent handling one payment callback",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	LedgerOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_operations_total",
			Help: "Ledger mutations by transaction type and result",
		},
		[]string{"type", "result"},
	)

	CommissionDistributed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "commission_distributed_minor_units_total",
			Help: "Sum of commission credited, in minor currency units",
		},
	)
)

// Ledger operation results.
const (
	ResultApplied  = "applied"
	ResultReplayed = "replayed"
	ResultDeclined = "declined"
	ResultError    = "error"
)

var (
	cacheHitsDesc        = prometheus.NewDesc("cache_hits_total", "Cache hits", []string{"cache"}, nil)
	cacheMissesDesc      = prometheus.NewDesc("cache_misses_total", "Cache misses", []string{"cache"}, nil)
	cacheEvictionsDesc   = prometheus.NewDesc("cache_evictions_total", "Entries evicted for capacity", []string{"cache"}, nil)
	cacheExpirationsDesc = prometheus.NewDesc("cache_expirations_total", "Entries dropped on TTL expiry", []string{"cache"}, nil)
	cacheSizeDesc        = prometheus.NewDesc("cache_entries", "Entries currently held", []string{"cache"}, nil)
)

// CacheCollector exports cache.Stats snapshots taken at scrape time.
type CacheCollector struct {
	name  string
	stats func() cache.Stats
}

func NewCacheCollector(name string, stats func() cache.Stats) *CacheCollector {
	return &CacheCollector{name: name, stats: stats}
}

func (c *CacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- cacheHitsDesc
	ch <- cacheMissesDesc
	ch <- cacheEvictionsDesc
	ch <- cacheExpirationsDesc
	ch <- cacheSizeDesc
}

func (c *CacheCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	ch <- prometheus.MustNewConstMetric(cacheHitsDesc, prometheus.CounterValue, float64(s.Hits), c.name)
	ch <- prometheus.MustNewConstMetric(cacheMissesDesc, prometheus.CounterValue, float64(s.Misses), c.name)
	ch <- prometheus.MustNewConstMetric(cacheEvictionsDesc, prometheus.CounterValue, float64(s.Evictions), c.name)
	ch <- prometheus.MustNewConstMetric(cacheExpirationsDesc, prometheus.CounterValue, float64(s.Expirations), c.name)
	ch <- prometheus.MustNewConstMetric(cacheSizeDesc, prometheus.GaugeValue, float64(s.Size), c.name)
}
