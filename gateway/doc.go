// Package gateway wraps every external capability call with timeout, retry
// with backoff, per-target rate limiting, and a per-target circuit breaker.
//
// Breaker state is keyed by target id and shared across all workflow
// instances calling the same target; it is the one piece of cross-instance
// shared mutable state in the engine and is only mutated under the breaker's
// lock.
package gateway
