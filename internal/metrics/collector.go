// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector aggregates the Prometheus series for the engine, the call
// gateway, the checkpoint manager, and the HTTP surface. It satisfies
// engine.Metrics, gateway.Metrics, and checkpoint.Metrics.
type Collector struct {
	// HTTP
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Engine
	nodeExecutionsTotal   *prometheus.CounterVec
	nodeExecutionDuration *prometheus.HistogramVec
	instanceTransitions   *prometheus.CounterVec

	// Gateway
	externalCallsTotal   *prometheus.CounterVec
	externalCallDuration *prometheus.HistogramVec
	breakerState         *prometheus.GaugeVec

	// Checkpoints
	checkpointWritesTotal  *prometheus.CounterVec
	checkpointWriteSeconds *prometheus.HistogramVec

	// Database
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector registers all series under the given namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.nodeExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_executions_total",
			Help:      "Total number of workflow node executions",
		},
		[]string{"node_type", "outcome"},
	)

	c.nodeExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_execution_duration_seconds",
			Help:      "Workflow node execution duration in seconds",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"node_type"},
	)

	c.instanceTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instance_transitions_total",
			Help:      "Total number of workflow instance status transitions",
		},
		[]string{"status"},
	)

	c.externalCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "external_calls_total",
			Help:      "Total number of gateway call attempts",
		},
		[]string{"target", "operation", "outcome"},
	)

	c.externalCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "external_call_duration_seconds",
			Help:      "Gateway call attempt duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"target", "operation"},
	)

	c.breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per target (0=closed, 1=open, 2=half-open)",
		},
		[]string{"target"},
	)

	c.checkpointWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_writes_total",
			Help:      "Total number of checkpoint writes",
		},
		[]string{"outcome"},
	)

	c.checkpointWriteSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkpoint_write_duration_seconds",
			Help:      "Checkpoint write duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordHTTPRequest records one served HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// ObserveNode implements engine.Metrics.
func (c *Collector) ObserveNode(nodeType, outcome string, duration time.Duration) {
	c.nodeExecutionsTotal.WithLabelValues(nodeType, outcome).Inc()
	c.nodeExecutionDuration.WithLabelValues(nodeType).Observe(duration.Seconds())
}

// InstanceTransition implements engine.Metrics.
func (c *Collector) InstanceTransition(status string) {
	c.instanceTransitions.WithLabelValues(status).Inc()
}

// ObserveCall implements gateway.Metrics.
func (c *Collector) ObserveCall(target, op, outcome string, duration time.Duration) {
	c.externalCallsTotal.WithLabelValues(target, op, outcome).Inc()
	c.externalCallDuration.WithLabelValues(target, op).Observe(duration.Seconds())
}

// SetBreakerState implements gateway.Metrics.
func (c *Collector) SetBreakerState(target string, state int) {
	c.breakerState.WithLabelValues(target).Set(float64(state))
}

// ObserveCheckpointWrite implements checkpoint.Metrics.
func (c *Collector) ObserveCheckpointWrite(outcome string, duration time.Duration) {
	c.checkpointWritesTotal.WithLabelValues(outcome).Inc()
	c.checkpointWriteSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordDBConnections records database pool gauges.
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
