// Package saga rolls back the completed effectful steps of a failed workflow
// instance. Compensation runs in strict reverse completion order, one attempt
// per step per pass, and every step outcome is appended to an audit trail
// whether it compensated, failed, or was skipped.
package saga
