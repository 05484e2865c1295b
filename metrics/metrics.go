// Package metrics exposes Prometheus collectors for the correlation core and the admin API.
// Collectors register with the default registry on first use.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for calls and responses.
const (
	OutcomeOK           = "ok"
	OutcomeConstruction = "construction_error"
	OutcomeAllocation   = "allocation_error"
	OutcomeTransport    = "transport_error"

	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeUnmatched = "unmatched"
	OutcomeNoID      = "no_id"

	KindParse      = "parse"
	KindNotMatched = "not_matched"
)

var (
	registerOnce sync.Once

	calls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edge_rpc",
			Name:      "calls_total",
			Help:      "Outbound calls by send outcome.",
		},
		[]string{"outcome"},
	)
	responses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edge_rpc",
			Name:      "responses_total",
			Help:      "Inbound responses by correlation outcome.",
		},
		[]string{"outcome"},
	)
	pending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "edge_rpc",
			Name:      "pending",
			Help:      "Calls registered and waiting for a response.",
		},
	)
	callbackDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "edge_rpc",
			Name:      "callback_duration_seconds",
			Help:      "Time spent inside response handlers.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	slowCallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "edge_rpc",
			Name:      "slow_callbacks_total",
			Help:      "Response handlers that ran past the warning threshold.",
		},
	)
	protocolErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edge_rpc",
			Name:      "protocol_errors_total",
			Help:      "Inbound messages that failed to parse or matched no method.",
		},
		[]string{"kind"},
	)
	drained = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "edge_rpc",
			Name:      "drained_total",
			Help:      "Pending calls released without a response.",
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edge_rpc",
			Subsystem: "admin",
			Name:      "requests_total",
			Help:      "Admin HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edge_rpc",
			Subsystem: "admin",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// RegisterMetrics registers every collector once. The Record functions call it.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(calls, responses, pending, callbackDuration, slowCallbacks, protocolErrors, drained,
			httpRequests, httpDuration)
	})
}

// RecordCall counts an outbound call by outcome (OutcomeOK or one of the error outcomes).
func RecordCall(outcome string) {
	RegisterMetrics()
	calls.WithLabelValues(outcome).Inc()
}

// RecordResponse counts an inbound response by how it was matched.
func RecordResponse(outcome string) {
	RegisterMetrics()
	responses.WithLabelValues(outcome).Inc()
}

// SetPending sets the number of calls waiting for a response.
func SetPending(n int) {
	RegisterMetrics()
	pending.Set(float64(n))
}

// RecordCallback observes the run time of a response handler; slow marks a threshold breach.
func RecordCallback(d time.Duration, slow bool) {
	RegisterMetrics()
	callbackDuration.Observe(d.Seconds())
	if slow {
		slowCallbacks.Inc()
	}
}

// RecordProtocolError counts an inbound message that was unparseable or matched nothing.
func RecordProtocolError(kind string) {
	RegisterMetrics()
	protocolErrors.WithLabelValues(kind).Inc()
}

// RecordDrained counts records released without a response.
func RecordDrained(n int) {
	RegisterMetrics()
	drained.Add(float64(n))
}

// RecordHTTPRequest counts and times one admin API request.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
