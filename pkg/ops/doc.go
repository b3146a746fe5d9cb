// Package ops exposes the operational HTTP surface of the delivery engine:
// readiness probes, per-endpoint circuit breaker inspection and control,
// endpoint test sends, and delivery history lookups.
package ops
