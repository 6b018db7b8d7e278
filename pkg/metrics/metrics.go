// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-p11pki.
//
// go-p11pki is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package metrics provides Prometheus instrumentation for go-p11pki. It
// exposes operation counters and latencies, candidate and probe outcomes,
// record store sizes, HTTP request metrics and process resource gauges.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all metrics
	Namespace = "p11pki"

	// Label names
	LabelOperation  = "operation"
	LabelMode       = "mode"
	LabelStatus     = "status"
	LabelErrorType  = "error_type"
	LabelResult     = "result"
	LabelProtocol   = "protocol"
	LabelMethod     = "method"
	LabelStatusCode = "status_code"
	LabelCollection = "collection"

	// Status values
	StatusSuccess = "success"
	StatusError   = "error"

	// Candidate results
	ResultAccepted = "accepted"
	ResultRejected = "rejected"

	// Operation names
	OpIssue  = "issue"
	OpRevoke = "revoke"
	OpRotate = "rotate"
	OpSign   = "sign"
	OpVerify = "verify"
	OpLocate = "locate"
	OpImport = "import"
	OpProbe  = "probe"

	// ModeNone labels operations that did not reach a backend.
	ModeNone = "none"
)

var (
	// OperationsTotal tracks operations by type, backend mode and status.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "operations_total",
			Help:      "Total number of operations by type, backend mode, and status",
		},
		[]string{LabelOperation, LabelMode, LabelStatus},
	)

	// OperationDuration tracks operation latency in seconds. Token
	// operations are slow, so buckets extend past the default range.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of operations in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{LabelOperation, LabelMode},
	)

	// ErrorsTotal tracks errors by operation and error kind.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Total number of errors by operation and error type",
		},
		[]string{LabelOperation, LabelErrorType},
	)

	// CandidateAttemptsTotal tracks key locator attempts.
	CandidateAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "candidate_attempts_total",
			Help:      "Total number of key locator attempts by operation, backend mode, and result",
		},
		[]string{LabelOperation, LabelMode, LabelResult},
	)

	// BackendProbesTotal tracks provider and engine probes.
	BackendProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "backend_probes_total",
			Help:      "Total number of backend probes by mode and status",
		},
		[]string{LabelMode, LabelStatus},
	)

	// BackendAvailable is 1 when the last probe of a mode succeeded.
	BackendAvailable = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "backend_available",
			Help:      "Whether the last probe of a backend mode succeeded (1) or failed (0)",
		},
		[]string{LabelMode},
	)

	// RecordsTotal tracks stored records by collection and status.
	RecordsTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "records_total",
			Help:      "Number of stored records by collection and status",
		},
		[]string{LabelCollection, LabelStatus},
	)

	// ActiveConnections tracks in-flight requests by protocol.
	ActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "active_connections",
			Help:      "Number of active connections by protocol",
		},
		[]string{LabelProtocol},
	)

	// HTTPRequestsTotal tracks HTTP requests by method and status code.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method and status code",
		},
		[]string{LabelMethod, LabelStatusCode},
	)

	// HTTPRequestDuration tracks HTTP latency in seconds.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelMethod},
	)

	// Goroutines tracks the current number of goroutines.
	Goroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	// MemoryAllocBytes tracks the current bytes of allocated heap objects.
	MemoryAllocBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "memory_alloc_bytes",
			Help:      "Current bytes of allocated heap objects",
		},
	)

	// ServerUptime tracks the server uptime in seconds since startup.
	ServerUptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "server_uptime_seconds",
			Help:      "Server uptime in seconds since startup",
		},
	)

	// enabled tracks whether metrics collection is enabled
	enabled atomic.Bool
)

func init() {
	enabled.Store(true)
}

// RecordOperation records an operation with its duration and status.
//
// Example:
//
//	start := time.Now()
//	rec, err := issuer.Issue(ctx, req)
//	status := metrics.StatusSuccess
//	if err != nil {
//	    status = metrics.StatusError
//	}
//	metrics.RecordOperation(metrics.OpIssue, rec.Mode, status, time.Since(start).Seconds())
func RecordOperation(operation, mode, status string, duration float64) {
	if !enabled.Load() {
		return
	}
	if mode == "" {
		mode = ModeNone
	}
	OperationsTotal.WithLabelValues(operation, mode, status).Inc()
	OperationDuration.WithLabelValues(operation, mode).Observe(duration)
}

// RecordError records an error of the given kind (e.g. "candidate_exhausted").
func RecordError(operation, errorType string) {
	if !enabled.Load() {
		return
	}
	ErrorsTotal.WithLabelValues(operation, errorType).Inc()
}

// RecordCandidate records one key locator attempt.
func RecordCandidate(operation, mode string, accepted bool) {
	if !enabled.Load() {
		return
	}
	result := ResultRejected
	if accepted {
		result = ResultAccepted
	}
	CandidateAttemptsTotal.WithLabelValues(operation, mode, result).Inc()
}

// RecordProbe records a backend probe and updates the availability gauge.
func RecordProbe(mode string, ok bool) {
	if !enabled.Load() {
		return
	}
	status, value := StatusError, 0.0
	if ok {
		status, value = StatusSuccess, 1.0
	}
	BackendProbesTotal.WithLabelValues(mode, status).Inc()
	BackendAvailable.WithLabelValues(mode).Set(value)
}

// SetRecordsTotal sets the number of records in a collection with a status.
func SetRecordsTotal(collection, status string, count int) {
	if !enabled.Load() {
		return
	}
	RecordsTotal.WithLabelValues(collection, status).Set(float64(count))
}

// RecordHTTPRequest records an HTTP request with its duration and status.
func RecordHTTPRequest(method, statusCode string, duration float64) {
	if !enabled.Load() {
		return
	}
	HTTPRequestsTotal.WithLabelValues(method, statusCode).Inc()
	HTTPRequestDuration.WithLabelValues(method).Observe(duration)
}

// IncrementActiveConnections increments the active connection count for a protocol.
func IncrementActiveConnections(protocol string) {
	if !enabled.Load() {
		return
	}
	ActiveConnections.WithLabelValues(protocol).Inc()
}

// DecrementActiveConnections decrements the active connection count for a protocol.
func DecrementActiveConnections(protocol string) {
	if !enabled.Load() {
		return
	}
	ActiveConnections.WithLabelValues(protocol).Dec()
}

// Enable enables metrics collection.
func Enable() {
	enabled.Store(true)
}

// Disable disables metrics collection.
// Useful for testing or when metrics are not desired.
func Disable() {
	enabled.Store(false)
}

// IsEnabled returns whether metrics collection is currently enabled.
func IsEnabled() bool {
	return enabled.Load()
}
