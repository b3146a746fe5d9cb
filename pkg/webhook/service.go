package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// userAgent identifies the engine on outbound requests.
const userAgent = "hookrelay-webhook/1.0"

// TestEventType is the synthetic event type used for operator test sends.
const TestEventType = "test.webhook"

// circuitOpenError is the error text recorded on breaker-rejected attempts.
const circuitOpenError = "Circuit breaker OPEN"

// Service orchestrates the full lifecycle of webhook events: configuration
// lookup, circuit-breaker-gated delivery, attempt recording, retry and
// backoff scheduling, and terminal status transitions.
type Service struct {
	store    Store
	circuits *CircuitManager
	client   *http.Client
	backoff  BackoffStrategy
	logger   *slog.Logger

	circuitTimeout time.Duration
	deferDelay     time.Duration
}

// NewService creates a delivery service backed by the given store.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, ErrStoreNil
	}

	options := defaultServiceOptions()
	for _, opt := range opts {
		opt(options)
	}

	circuits := options.circuits
	if circuits == nil {
		circuits = NewCircuitManager()
	}

	return &Service{
		store:          store,
		circuits:       circuits,
		client:         options.httpClient,
		backoff:        options.backoff,
		logger:         options.logger,
		circuitTimeout: options.circuitTimeout,
		deferDelay:     options.deferDelay,
	}, nil
}

// Close releases the service's circuit breakers.
func (s *Service) Close() {
	s.circuits.Destroy()
}

// ProcessEvent drives one event to a terminal or retry-scheduled state.
// All failure information is recorded on the event and attempt records;
// the returned error exists for the batch driver's aggregate logging and
// never indicates the event was left unhandled.
func (s *Service) ProcessEvent(ctx context.Context, event *Event) error {
	if event == nil {
		return ErrEventNotFound
	}
	if event.Status.Terminal() {
		return ErrEventTerminal
	}

	cfg, err := s.processEvent(ctx, event)
	switch {
	case err == nil:
		return nil
	case IsCircuitOpen(err):
		// Endpoint-health deferral, already recorded on the event.
		return err
	default:
		// Unexpected failure (store outage, panic). Route it through the
		// normal retry path so one event's crash never stops the batch.
		s.logger.ErrorContext(ctx, "webhook event processing error",
			slog.String("event_id", event.ID.String()),
			slog.String("error", err.Error()))
		s.handleFailure(ctx, event, cfg, err.Error())
		return err
	}
}

// processEvent runs the delivery algorithm. The returned config may be nil
// when the failure happened before or during config lookup.
func (s *Service) processEvent(ctx context.Context, event *Event) (cfg *Config, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("webhook processing panic: %v", r)
		}
	}()

	processing := StatusProcessing
	if err := s.store.UpdateEvent(ctx, event.ID, EventUpdate{Status: &processing}); err != nil {
		return nil, fmt.Errorf("mark event processing: %w", err)
	}
	event.Status = StatusProcessing

	cfg, err = s.store.GetConfig(ctx, event.ConfigID)
	if err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			// A deleted config cannot recover; terminal, no retry.
			return nil, s.markFailed(ctx, event, "configuration not found")
		}
		return nil, fmt.Errorf("load config: %w", err)
	}

	if !cfg.Enabled {
		return cfg, s.markFailed(ctx, event, "configuration disabled")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, s.markFailed(ctx, event, "invalid endpoint URL")
	}

	cb := s.circuits.Get(cfg.URL, CircuitConfig{
		FailureThreshold:      cfg.RetryAttempts,
		OpenTimeout:           s.circuitTimeout,
		ResponseTimeThreshold: cfg.Timeout,
	})

	if !cb.Allow() {
		return cfg, s.deferForCircuit(ctx, event, cfg, cb)
	}

	outcome := s.deliver(ctx, cfg, event.Type, event.ID.String(), event.Payload)
	if outcome.err == nil {
		cb.RecordSuccess(outcome.duration)
	} else {
		cb.RecordFailure(outcome.duration)
	}

	attempt := &DeliveryAttempt{
		ID:              uuid.New(),
		EventID:         event.ID,
		Number:          event.Attempts + 1,
		Timestamp:       time.Now(),
		HTTPStatus:      outcome.statusCode,
		ResponseTime:    outcome.duration,
		Success:         outcome.err == nil,
		RequestHeaders:  outcome.reqHeaders,
		ResponseHeaders: outcome.respHeaders,
		ResponseBody:    outcome.respBody,
	}
	if outcome.err != nil {
		attempt.Error = outcome.err.Error()
	}
	if err := s.store.CreateAttempt(ctx, attempt); err != nil {
		return cfg, fmt.Errorf("record delivery attempt: %w", err)
	}

	if outcome.err != nil {
		s.handleFailure(ctx, event, cfg, outcome.err.Error())
		return cfg, nil
	}

	now := time.Now()
	delivered := StatusDelivered
	noError := ""
	if err := s.store.UpdateEvent(ctx, event.ID, EventUpdate{
		Status:          &delivered,
		LastAttemptedAt: &now,
		LastError:       &noError,
	}); err != nil {
		return cfg, fmt.Errorf("mark event delivered: %w", err)
	}
	event.Status = StatusDelivered

	if err := s.store.RecordDelivered(ctx, cfg.ID, now); err != nil {
		return cfg, fmt.Errorf("update delivery counters: %w", err)
	}

	s.logger.InfoContext(ctx, "webhook delivered",
		slog.String("event_id", event.ID.String()),
		slog.String("event_type", event.Type),
		slog.String("url", cfg.URL),
		slog.Int("http_status", outcome.statusCode),
		slog.Duration("response_time", outcome.duration))

	return cfg, nil
}

// markFailed transitions an event to the terminal failed status for
// non-retriable configuration errors.
func (s *Service) markFailed(ctx context.Context, event *Event, reason string) error {
	failed := StatusFailed
	now := time.Now()
	if err := s.store.UpdateEvent(ctx, event.ID, EventUpdate{
		Status:          &failed,
		LastAttemptedAt: &now,
		LastError:       &reason,
	}); err != nil {
		return fmt.Errorf("mark event failed: %w", err)
	}
	event.Status = StatusFailed

	s.logger.WarnContext(ctx, "webhook event failed",
		slog.String("event_id", event.ID.String()),
		slog.String("reason", reason))
	return nil
}

// deferForCircuit records a synthetic 503 attempt and pushes the event back
// to pending without consuming its retry budget. A breaker rejection is an
// endpoint-health deferral, not a delivery failure.
func (s *Service) deferForCircuit(ctx context.Context, event *Event, cfg *Config, cb *CircuitBreaker) error {
	now := time.Now()
	attempt := &DeliveryAttempt{
		ID:         uuid.New(),
		EventID:    event.ID,
		Number:     event.Attempts + 1,
		Timestamp:  now,
		HTTPStatus: http.StatusServiceUnavailable,
		Success:    false,
		Error:      circuitOpenError,
	}
	if err := s.store.CreateAttempt(ctx, attempt); err != nil {
		return fmt.Errorf("record circuit-open attempt: %w", err)
	}

	pending := StatusPending
	next := now.Add(s.deferDelay)
	reason := circuitOpenError
	if err := s.store.UpdateEvent(ctx, event.ID, EventUpdate{
		Status:           &pending,
		NextAttemptAfter: &next,
		LastError:        &reason,
	}); err != nil {
		return fmt.Errorf("defer event: %w", err)
	}
	event.Status = StatusPending
	event.NextAttemptAfter = next

	metrics := cb.Metrics()
	s.logger.WarnContext(ctx, "webhook delivery deferred, circuit breaker open",
		slog.String("event_id", event.ID.String()),
		slog.String("url", cfg.URL),
		slog.Time("next_attempt_after", next),
		slog.Int("consecutive_failures", metrics.ConsecutiveFailures),
		slog.Int64("total_failures", metrics.TotalFailures),
		slog.Time("last_transition", metrics.LastTransition))
	return ErrCircuitOpen
}

// handleFailure applies the retry policy after a failed delivery attempt:
// schedule a backoff retry while budget remains, dead-letter on exhaustion.
// Store errors here are logged only; this is already the failure path.
func (s *Service) handleFailure(ctx context.Context, event *Event, cfg *Config, errMsg string) {
	newAttempts := event.Attempts + 1
	now := time.Now()

	budget := DefaultRetryAttempts
	if cfg != nil {
		budget = cfg.EffectiveRetryAttempts()
	}

	if newAttempts >= budget {
		dead := StatusDeadLetter
		if err := s.store.UpdateEvent(ctx, event.ID, EventUpdate{
			Status:          &dead,
			Attempts:        &newAttempts,
			LastAttemptedAt: &now,
			LastError:       &errMsg,
		}); err != nil {
			s.logger.ErrorContext(ctx, "failed to dead-letter webhook event",
				slog.String("event_id", event.ID.String()),
				slog.String("error", err.Error()))
			return
		}
		event.Status = StatusDeadLetter
		event.Attempts = newAttempts

		if cfg != nil {
			if err := s.store.RecordConfigFailure(ctx, cfg.ID); err != nil {
				s.logger.ErrorContext(ctx, "failed to update failure counter",
					slog.String("config_id", cfg.ID.String()),
					slog.String("error", err.Error()))
			}
		}

		s.logger.ErrorContext(ctx, "webhook event dead-lettered",
			slog.String("event_id", event.ID.String()),
			slog.Int("attempts", newAttempts),
			slog.String("error", errMsg))
		return
	}

	pending := StatusPending
	next := now.Add(s.backoff.NextInterval(newAttempts))
	if err := s.store.UpdateEvent(ctx, event.ID, EventUpdate{
		Status:           &pending,
		Attempts:         &newAttempts,
		NextAttemptAfter: &next,
		LastAttemptedAt:  &now,
		LastError:        &errMsg,
	}); err != nil {
		s.logger.ErrorContext(ctx, "failed to schedule webhook retry",
			slog.String("event_id", event.ID.String()),
			slog.String("error", err.Error()))
		return
	}
	event.Status = StatusPending
	event.Attempts = newAttempts
	event.NextAttemptAfter = next

	s.logger.WarnContext(ctx, "webhook delivery failed, retry scheduled",
		slog.String("event_id", event.ID.String()),
		slog.Int("attempt", newAttempts),
		slog.Time("next_attempt_after", next),
		slog.String("error", errMsg))
}

// deliveryOutcome captures everything observed during one HTTP attempt.
type deliveryOutcome struct {
	statusCode  int
	duration    time.Duration
	reqHeaders  map[string]string
	respHeaders map[string]string
	respBody    string
	err         error
}

// deliver performs a single HTTP POST to the subscriber endpoint. Success is
// any status in [200,300). A non-2xx response and a transport error both
// surface as outcome.err; the attempt timing is measured either way.
func (s *Service) deliver(ctx context.Context, cfg *Config, eventType, eventID string, payload []byte) deliveryOutcome {
	start := time.Now()
	out := deliveryOutcome{}

	reqCtx, cancel := context.WithTimeout(ctx, cfg.EffectiveTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, cfg.URL, bytes.NewReader(payload))
	if err != nil {
		out.duration = time.Since(start)
		out.err = fmt.Errorf("failed to create request: %w", err)
		return out
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Webhook-Event", eventType)
	req.Header.Set("X-Webhook-ID", eventID)
	req.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	if cfg.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(cfg.Secret, payload))
	}
	out.reqHeaders = flattenHeaders(req.Header)

	resp, err := s.client.Do(req)
	out.duration = time.Since(start)
	if err != nil {
		out.err = err
		return out
	}
	defer func() { _ = resp.Body.Close() }()

	out.statusCode = resp.StatusCode
	out.respHeaders = flattenHeaders(resp.Header)

	// 64KB cap prevents memory exhaustion on hostile responses.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	out.respBody = string(body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		out.err = fmt.Errorf("HTTP %d: %s", resp.StatusCode, sanitizeBody(out.respBody))
	}
	return out
}

// TestEndpoint sends a synthetic test payload through the same HTTP path,
// bypassing the circuit breaker and retry bookkeeping. The outcome is
// returned directly to the caller and nothing is persisted: this is an
// operator-triggered probe, not a queued event.
func (s *Service) TestEndpoint(ctx context.Context, cfg *Config) TestResult {
	if err := cfg.Validate(); err != nil {
		return TestResult{Error: err.Error()}
	}
	payload, err := json.Marshal(Payload{
		Event: PayloadEvent{
			ID:        uuid.NewString(),
			Type:      TestEventType,
			Timestamp: time.Now().UnixMilli(),
			Workspace: "test",
		},
		Data: PayloadData{
			Object: map[string]any{"test": true},
			Actor:  Actor{ID: "system"},
		},
		Metadata: PayloadMetadata{
			Version:    PayloadVersion,
			DeliveryID: uuid.NewString(),
		},
	})
	if err != nil {
		return TestResult{Error: err.Error()}
	}

	out := s.deliver(ctx, cfg, TestEventType, uuid.NewString(), payload)
	result := TestResult{
		Success:      out.err == nil,
		ResponseTime: out.duration,
		HTTPStatus:   out.statusCode,
	}
	if out.err != nil {
		result.Error = out.err.Error()
	}
	return result
}

// HealthStatus returns per-endpoint circuit metrics for observability.
func (s *Service) HealthStatus() map[string]CircuitMetrics {
	return s.circuits.HealthStatus()
}

// EndpointMetrics returns the circuit metrics for one endpoint URL.
func (s *Service) EndpointMetrics(url string) (CircuitMetrics, bool) {
	cb, ok := s.circuits.Lookup(url)
	if !ok {
		return CircuitMetrics{}, false
	}
	return cb.Metrics(), true
}

// ForceCircuitOpen opens the breaker for a URL for operational control.
// Returns false when no breaker exists for the URL yet.
func (s *Service) ForceCircuitOpen(url string) bool {
	cb, ok := s.circuits.Lookup(url)
	if !ok {
		return false
	}
	cb.ForceOpen()
	return true
}

// ForceCircuitClosed closes the breaker for a URL for operational control.
// Returns false when no breaker exists for the URL yet.
func (s *Service) ForceCircuitClosed(url string) bool {
	cb, ok := s.circuits.Lookup(url)
	if !ok {
		return false
	}
	cb.ForceClose()
	return true
}

// flattenHeaders collapses multi-valued headers for the audit record.
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}

// sanitizeBody makes a response body safe for error messages and logs.
func sanitizeBody(body string) string {
	body = strings.ReplaceAll(body, "\n", " ")
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return body
}
