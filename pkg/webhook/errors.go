package webhook

import "errors"

// Domain errors for the delivery engine, designed for error wrapping and
// classification with errors.Is.
//
// Error classification strategy:
// - Configuration errors: terminal, the event is marked failed (no retry)
// - Circuit open: endpoint-health deferral, never consumes the retry budget
// - Delivery errors: network, timeout, or HTTP failures (retried with backoff)
var (
	ErrConfigNotFound = errors.New("webhook configuration not found")
	ErrEventNotFound  = errors.New("webhook event not found")
	ErrEventTerminal  = errors.New("webhook event is in a terminal state")
	ErrCircuitOpen    = errors.New("webhook circuit breaker is open")
	ErrInvalidURL     = errors.New("invalid webhook URL")
	ErrInvalidPayload = errors.New("invalid webhook payload")
	ErrStoreNil       = errors.New("webhook store is nil")
)

// IsCircuitOpen checks if an error indicates the circuit breaker is open.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}
