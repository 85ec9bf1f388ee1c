// Package metrics exposes Prometheus collectors for the pagewatch service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchTotal                 *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	fetchIntervalSeconds       *prometheus.GaugeVec
	governorWaitSeconds        *prometheus.HistogramVec
	governorBlocksTotal        *prometheus.CounterVec
	governorInflight           *prometheus.GaugeVec
	cacheLookupsTotal          *prometheus.CounterVec
	checkerActiveWorkers       prometheus.Gauge
	checkerSourcesTotal        *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagewatch_fetch_attempts_total",
				Help: "Fetch attempts, labeled by domain and outcome.",
			},
			[]string{"domain", "outcome"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagewatch_fetch_bytes_total",
				Help: "Bytes of accepted page bodies, labeled by domain.",
			},
			[]string{"domain"},
		)

		fetchIntervalSeconds = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pagewatch_fetch_interval_seconds",
				Help: "Current adaptive request interval of the fetcher, labeled by domain.",
			},
			[]string{"domain"},
		)

		governorWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pagewatch_governor_wait_seconds",
				Help:    "Histogram of pacing waits imposed by the governor.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
			},
			[]string{"domain"},
		)

		governorBlocksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagewatch_governor_blocks_total",
				Help: "Temporary domain suspensions triggered by repeated failures.",
			},
			[]string{"domain"},
		)

		governorInflight = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pagewatch_governor_inflight",
				Help: "Requests currently holding a per-domain slot.",
			},
			[]string{"domain"},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagewatch_cache_lookups_total",
				Help: "Page cache lookups, labeled by tier and result.",
			},
			[]string{"tier", "result"},
		)

		checkerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pagewatch_checker_active_workers",
				Help: "Number of check workers currently processing a source.",
			},
		)

		checkerSourcesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagewatch_checker_sources_total",
				Help: "Sources checked, labeled by status.",
			},
			[]string{"status"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one fetch attempt outcome.
func ObserveFetch(domain, outcome string, bytesFetched int) {
	Init()
	fetchTotal.WithLabelValues(domain, outcome).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(domain).Add(float64(bytesFetched))
	}
}

// SetFetchInterval publishes the fetcher's current adaptive interval.
func SetFetchInterval(domain string, interval time.Duration) {
	Init()
	fetchIntervalSeconds.WithLabelValues(domain).Set(interval.Seconds())
}

// ObserveGovernorWait records a pacing wait.
func ObserveGovernorWait(domain string, d time.Duration) {
	Init()
	governorWaitSeconds.WithLabelValues(domain).Observe(d.Seconds())
}

// IncGovernorBlocks counts a domain suspension.
func IncGovernorBlocks(domain string) {
	Init()
	governorBlocksTotal.WithLabelValues(domain).Inc()
}

// AddGovernorInflight adjusts the per-domain in-flight gauge.
func AddGovernorInflight(domain string, delta float64) {
	Init()
	governorInflight.WithLabelValues(domain).Add(delta)
}

// ObserveCacheLookup records a cache tier lookup result ("hit", "miss", "expired", "corrupt").
func ObserveCacheLookup(tier, result string) {
	Init()
	cacheLookupsTotal.WithLabelValues(tier, result).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	checkerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	checkerActiveWorkers.Dec()
}

// ObserveSourceCheck counts a finished source check by status.
func ObserveSourceCheck(status string) {
	Init()
	checkerSourcesTotal.WithLabelValues(status).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
