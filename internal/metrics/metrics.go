// Package metrics exposes Prometheus collectors for the training service.
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
	fetchPagesTotal            *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	fetchRetriesTotal          *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	trainingJobsTotal          *prometheus.CounterVec
	trainingDurationSeconds    *prometheus.HistogramVec
	activeWorkers              prometheus.Gauge
	predictionsTotal           *prometheus.CounterVec
	modelSwitchesTotal         prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "boost_fetch_pages_total",
				Help: "Total number of source fetches, labeled by site and outcome.",
			},
			[]string{"site", "status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "boost_fetch_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		fetchRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "boost_fetch_retries_total",
				Help: "Total number of fetch retries, labeled by site.",
			},
			[]string{"site"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "boost_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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

		trainingJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "boost_training_jobs_total",
				Help: "Total number of training runs, labeled by source kind and outcome.",
			},
			[]string{"source", "status"},
		)

		trainingDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "boost_training_duration_seconds",
				Help:    "Histogram of end-to-end training durations, labeled by source kind.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"source"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "boost_active_workers",
				Help: "Number of workers currently running a training job.",
			},
		)

		predictionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "boost_predictions_total",
				Help: "Total number of rows scored, labeled by model name.",
			},
			[]string{"model"},
		)

		modelSwitchesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "boost_model_switches_total",
				Help: "Total number of active model swaps.",
			},
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

// ObserveFetch records one fetch attempt and the bytes it returned.
func ObserveFetch(site string, status string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	fetchPagesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveRetry increments the retry counter for the URL's site.
func ObserveRetry(site string) {
	Init()
	fetchRetriesTotal.WithLabelValues(SanitizeSite(site)).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveTraining records a finished training run.
func ObserveTraining(source string, status string, duration time.Duration) {
	Init()
	trainingJobsTotal.WithLabelValues(source, status).Inc()
	trainingDurationSeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObservePredictions adds rows scored by the named model.
func ObservePredictions(model string, rows int) {
	Init()
	predictionsTotal.WithLabelValues(model).Add(float64(rows))
}

// ObserveModelSwitch counts an active model swap.
func ObserveModelSwitch() {
	Init()
	modelSwitchesTotal.Inc()
}
