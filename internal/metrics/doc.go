// Package metrics registers the Prometheus collectors: HTTP requests, node
// executions, instance transitions, gateway calls, breaker states, checkpoint
// writes, and database pool gauges.
package metrics
