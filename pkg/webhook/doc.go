// Package webhook implements reliable outbound webhook delivery: subscriber
// filtering, HMAC-signed HTTP callbacks, automatic retries with exponential
// backoff and jitter, dead-lettering, and per-endpoint circuit breaking.
//
// The engine observes document-change events, matches them against subscriber
// configurations, and drives every resulting event through a durable delivery
// lifecycle. Persistence is delegated to a Store implementation (see the
// mongostore and pgstore subpackages, or MemoryStore for tests).
//
// # Components
//
//   - Trigger: filters upstream changes per config and materializes events
//   - Service: processes one event end to end through the circuit breaker
//   - Processor: batch driver scanning for due events on an interval
//   - CircuitManager: per-endpoint breakers shared across configs by URL
//
// # Event Lifecycle
//
// Events move through pending -> processing -> one of:
//
//   - delivered: endpoint accepted the callback (terminal)
//   - pending: attempt failed, retry scheduled with backoff
//   - dead_letter: retry budget exhausted (terminal)
//   - failed: config deleted, disabled, or invalid (terminal, never retried)
//
// A circuit-breaker rejection defers the event five minutes without touching
// its retry budget: endpoint unhealthiness is not the event's fault.
//
// # Basic Usage
//
//	store := webhook.NewMemoryStore()
//	svc, err := webhook.NewService(store)
//	if err != nil {
//		// handle error
//	}
//	defer svc.Close()
//
//	proc, err := webhook.NewProcessor(store, svc,
//		webhook.WithConcurrency(8),
//		webhook.WithInterval(10*time.Second),
//	)
//	if err != nil {
//		// handle error
//	}
//
//	// one pass, or proc.Run(ctx) for a ticker-driven loop
//	n, err := proc.ProcessPending(ctx)
//
// # Request Signing
//
// When a config carries a secret, each request includes:
//
//	X-Webhook-Signature-256: sha256=<hex(HMAC-SHA256(secret, body))>
//
// Receivers verify with VerifySignature, which uses constant-time comparison.
//
// # Circuit Breaker
//
// Breakers are keyed by endpoint URL, not config id: multiple configs
// pointing at the same URL share breaker state, since the URL is the real
// failure domain. Breakers open after a run of consecutive failures, reject
// calls for a cooldown, then admit a single half-open trial. ForceOpen and
// ForceClose support operational control, and per-breaker metrics are
// exposed through Service.HealthStatus.
package webhook
