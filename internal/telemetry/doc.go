// Package telemetry initializes the OpenTelemetry SDK and registers the
// global TracerProvider and MeterProvider. When telemetry is disabled the
// noop providers are used and no external connection is made.
package telemetry
