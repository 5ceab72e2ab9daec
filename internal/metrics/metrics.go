// Package metrics exports Prometheus metrics for the run controller and API.
package metrics

// File: internal/metrics/metrics.go
// Purpose: Counters and histograms for polling, runs and HTTP traffic.

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every simdash metric. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	PollsTotal      *prometheus.CounterVec
	PollsSkipped    prometheus.Counter
	PollLatency     prometheus.Histogram
	StepsReceived   prometheus.Counter
	StepsDropped    prometheus.Counter
	RunsTotal       *prometheus.CounterVec
	RunsActive      prometheus.Gauge
	SideEffectFails *prometheus.CounterVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	WSConnectionsActive prometheus.Gauge
}

// New registers all metrics on a fresh registry under namespace.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		PollsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "polls_total",
				Help:      "Progress polls by result",
			},
			[]string{"result"},
		),
		PollsSkipped: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "polls_skipped_total",
				Help:      "Poll ticks skipped because the previous poll was still in flight",
			},
		),
		PollLatency: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "poll_latency_seconds",
				Help:      "Progress poll latency in seconds",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
		),
		StepsReceived: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_received_total",
				Help:      "Step records appended to a run",
			},
		),
		StepsDropped: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_dropped_total",
				Help:      "Duplicate or regressing step records ignored",
			},
		),
		RunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Runs by final outcome",
			},
			[]string{"outcome"},
		),
		RunsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runs_active",
				Help:      "Runs currently polling",
			},
		),
		SideEffectFails: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "side_effect_failures_total",
				Help:      "Failed persistence, publish, cache or export calls",
			},
			[]string{"target"},
		),
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"method", "path"},
		),
		WSConnectionsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ws_connections_active",
				Help:      "Open dashboard websocket connections",
			},
		),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObservePoll records one completed poll.
func (m *Metrics) ObservePoll(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.PollsTotal.WithLabelValues(result).Inc()
	m.PollLatency.Observe(d.Seconds())
}

// PollSkipped records a tick dropped by the overlap guard.
func (m *Metrics) PollSkipped() {
	if m == nil {
		return
	}
	m.PollsSkipped.Inc()
}

// Steps records appended and dropped record counts.
func (m *Metrics) Steps(appended, dropped int) {
	if m == nil {
		return
	}
	m.StepsReceived.Add(float64(appended))
	m.StepsDropped.Add(float64(dropped))
}

// RunStarted bumps the active gauge.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.RunsActive.Inc()
}

// RunEnded records a run leaving the running state.
func (m *Metrics) RunEnded(outcome string) {
	if m == nil {
		return
	}
	m.RunsActive.Dec()
	m.RunsTotal.WithLabelValues(outcome).Inc()
}

// SideEffectFailed records a failed best-effort call.
func (m *Metrics) SideEffectFailed(target string) {
	if m == nil {
		return
	}
	m.SideEffectFails.WithLabelValues(target).Inc()
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, path string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// WSConnected adjusts the websocket gauge by delta.
func (m *Metrics) WSConnected(delta int) {
	if m == nil {
		return
	}
	m.WSConnectionsActive.Add(float64(delta))
}
