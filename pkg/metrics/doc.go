// Package metrics exposes Prometheus instrumentation and the health
// and readiness endpoints. All collectors register at init; the rest
// of the codebase just increments them.
package metrics
