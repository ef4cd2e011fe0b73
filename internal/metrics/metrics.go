// Package metrics exposes Prometheus instrumentation for upstream attempts,
// report runs and the gateway's own HTTP surface.
package metrics

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pysugar/finlink/internal/upstream"
)

// Metrics owns a private registry so tests and multiple instances never
// collide on the global one.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	reports         *prometheus.CounterVec
	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

var _ upstream.Observer = (*Metrics)(nil)

func New() *Metrics {
	registry := prometheus.NewRegistry()

	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "finlink_upstream_attempts_total",
		Help: "Upstream HTTP attempts by provider, operation and outcome",
	}, []string{"provider", "op", "outcome"})

	attemptDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "finlink_upstream_attempt_duration_seconds",
		Help:    "Duration of upstream HTTP attempts in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "op"})

	reports := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "finlink_reports_total",
		Help: "Cashflow report runs by provider and final status",
	}, []string{"provider", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "finlink_http_requests_total",
		Help: "Total number of gateway HTTP requests",
	}, []string{"method", "route", "status"})

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "finlink_http_request_duration_seconds",
		Help:    "Duration of gateway HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "finlink_goroutines",
		Help: "Number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(attempts, attemptDuration, reports, requestTotal, requestDuration, goroutines)

	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		attempts:        attempts,
		attemptDuration: attemptDuration,
		reports:         reports,
		requestTotal:    requestTotal,
		requestDuration: requestDuration,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveAttempt counts an upstream attempt; outcome is "ok" or the error kind.
func (m *Metrics) ObserveAttempt(a upstream.Attempt) {
	if m == nil {
		return
	}
	outcome := a.Kind
	if outcome == "" {
		outcome = "ok"
	}
	m.attempts.WithLabelValues(a.Provider, a.Op, outcome).Inc()
	m.attemptDuration.WithLabelValues(a.Provider, a.Op).Observe(a.Duration.Seconds())
}

// ObserveReport counts a finished cashflow run.
func (m *Metrics) ObserveReport(provider, status string) {
	if m == nil {
		return
	}
	m.reports.WithLabelValues(provider, status).Inc()
}

// ObserveHTTPRequest records one gateway request. route is the matched
// pattern, never the raw path.
func (m *Metrics) ObserveHTTPRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requestTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
