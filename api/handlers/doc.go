// Package handlers implements the HTTP API: workflow version management,
// instance lifecycle, approvals, and operator endpoints. All responses use
// the Response envelope.
package handlers
