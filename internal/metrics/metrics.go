// Package metrics holds the Prometheus collectors for the fulfillment pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "beacon_operator"

// Metrics owns a registry and every collector registered on it.
type Metrics struct {
	Registry *prometheus.Registry

	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	beaconFetches   *prometheus.CounterVec
	beaconCacheHits *prometheus.CounterVec
	beaconStaleness prometheus.Gauge
	beaconHealth    prometheus.Gauge
	ledgerRequests  *prometheus.GaugeVec
	ledgerDropped   *prometheus.CounterVec
	queueDepth      *prometheus.GaugeVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpInFlight prometheus.Gauge
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "executor",
				Name:      "attempts_total",
				Help:      "Fulfillment attempts by final class and step.",
			},
			[]string{"class", "step"},
		),
		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "executor",
				Name:      "attempt_duration_seconds",
				Help:      "Duration of fulfillment attempts.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
			},
			[]string{"class"},
		),
		beaconFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "beacon",
				Name:      "fetches_total",
				Help:      "Beacon HTTP fetches by kind and result.",
			},
			[]string{"kind", "result"},
		),
		beaconCacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "beacon",
				Name:      "cache_hits_total",
				Help:      "Beacon pulses served from cache.",
			},
			[]string{"tier"},
		),
		beaconStaleness: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "beacon",
				Name:      "staleness_rounds",
				Help:      "Rounds the latest observed pulse lags behind local time.",
			},
		),
		beaconHealth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "beacon",
				Name:      "health",
				Help:      "Beacon health tier: 0 active, 1 delayed, 2 offline.",
			},
		),
		ledgerRequests: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "requests",
				Help:      "Requests held in memory by lifecycle state.",
			},
			[]string{"state"},
		),
		ledgerDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "dropped_inputs_total",
				Help:      "Malformed events or snapshot rows dropped by the ledger.",
			},
			[]string{"source"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "depth",
				Help:      "Fulfillable requests by priority tier.",
			},
			[]string{"priority"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Status API requests by method, route and status.",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Status API request latency.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		httpInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_in_flight",
				Help:      "Status API requests being served.",
			},
		),
	}

	m.Registry.MustRegister(
		m.attempts,
		m.attemptDuration,
		m.beaconFetches,
		m.beaconCacheHits,
		m.beaconStaleness,
		m.beaconHealth,
		m.ledgerRequests,
		m.ledgerDropped,
		m.queueDepth,
		m.httpRequests,
		m.httpDuration,
		m.httpInFlight,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return m
}

// Handler exposes the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordAttempt records one finished fulfillment attempt.
func (m *Metrics) RecordAttempt(class, step string, duration time.Duration) {
	if m == nil {
		return
	}
	if duration <= 0 {
		duration = time.Millisecond
	}
	m.attempts.WithLabelValues(class, step).Inc()
	m.attemptDuration.WithLabelValues(class).Observe(duration.Seconds())
}

// RecordBeaconFetch records one beacon HTTP fetch ("latest", "round" or "info").
func (m *Metrics) RecordBeaconFetch(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.beaconFetches.WithLabelValues(kind, result).Inc()
}

// RecordBeaconCacheHit records a pulse served from the given cache tier.
func (m *Metrics) RecordBeaconCacheHit(tier string) {
	if m == nil {
		return
	}
	m.beaconCacheHits.WithLabelValues(tier).Inc()
}

// SetBeaconHealth records the latest staleness and its tier.
func (m *Metrics) SetBeaconHealth(staleness int64, tier int) {
	if m == nil {
		return
	}
	m.beaconStaleness.Set(float64(staleness))
	m.beaconHealth.Set(float64(tier))
}

// SetLedgerCounts replaces the per-state request gauges.
func (m *Metrics) SetLedgerCounts(counts map[string]int) {
	if m == nil {
		return
	}
	for state, n := range counts {
		m.ledgerRequests.WithLabelValues(state).Set(float64(n))
	}
}

// RecordLedgerDrop counts a dropped event ("event") or snapshot row ("snapshot").
func (m *Metrics) RecordLedgerDrop(source string) {
	if m == nil {
		return
	}
	m.ledgerDropped.WithLabelValues(source).Inc()
}

// SetQueueDepth replaces the per-priority queue gauges.
func (m *Metrics) SetQueueDepth(depth map[string]int) {
	if m == nil {
		return
	}
	for priority, n := range depth {
		m.queueDepth.WithLabelValues(priority).Set(float64(n))
	}
}

// RecordHTTPRequest records one served status API request.
func (m *Metrics) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, status).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncrementInFlight marks a status API request as started.
func (m *Metrics) IncrementInFlight() {
	if m != nil {
		m.httpInFlight.Inc()
	}
}

// DecrementInFlight marks a status API request as finished.
func (m *Metrics) DecrementInFlight() {
	if m != nil {
		m.httpInFlight.Dec()
	}
}
