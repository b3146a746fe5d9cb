package webhook_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/hookrelay/pkg/webhook"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedConfig(t *testing.T, store *webhook.MemoryStore, url string, mutate func(*webhook.Config)) *webhook.Config {
	t.Helper()

	cfg := &webhook.Config{
		ID:      uuid.New(),
		URL:     url,
		Enabled: true,
		Events:  []string{"issue.created", "issue.updated"},
	}
	if mutate != nil {
		mutate(cfg)
	}
	store.PutConfig(cfg)
	return cfg
}

func seedEvent(t *testing.T, store *webhook.MemoryStore, configID uuid.UUID, mutate func(*webhook.Event)) *webhook.Event {
	t.Helper()

	payload, err := json.Marshal(webhook.Payload{
		Event: webhook.PayloadEvent{
			ID:        uuid.NewString(),
			Type:      "issue.created",
			Timestamp: time.Now().UnixMilli(),
			Workspace: "acme",
		},
		Data: webhook.PayloadData{
			Object: map[string]any{"identifier": "ACME-42", "title": "Fix login"},
			Actor:  webhook.Actor{ID: "user-1", Email: "dev@acme.test"},
		},
		Metadata: webhook.PayloadMetadata{
			Version:    webhook.PayloadVersion,
			DeliveryID: uuid.NewString(),
		},
	})
	require.NoError(t, err)

	event := &webhook.Event{
		ID:            uuid.New(),
		ConfigID:      configID,
		Type:          "issue.created",
		DocumentID:    "ACME-42",
		DocumentClass: "issue",
		Payload:       payload,
		Status:        webhook.StatusPending,
	}
	if mutate != nil {
		mutate(event)
	}
	require.NoError(t, store.CreateEvent(context.Background(), event))
	return event
}

func TestService_ProcessEvent_Success(t *testing.T) {
	t.Parallel()

	var gotBody []byte
	var gotHeaders http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"received":true}`))
	}))
	defer server.Close()

	store := webhook.NewMemoryStore()
	cfg := seedConfig(t, store, server.URL, func(c *webhook.Config) {
		c.Secret = "topsecret"
		c.Headers = map[string]string{"X-Custom": "custom-value"}
	})
	event := seedEvent(t, store, cfg.ID, nil)

	svc, err := webhook.NewService(store, webhook.WithLogger(discardLogger()))
	require.NoError(t, err)
	defer svc.Close()

	require.NoError(t, svc.ProcessEvent(context.Background(), event))

	stored, err := store.GetEvent(context.Background(), event.ID)
	require.NoError(t, err)
	assert.Equal(t, webhook.StatusDelivered, stored.Status)
	assert.Empty(t, stored.LastError)
	require.NotNil(t, stored.LastAttemptedAt)

	// Request carried the full header contract.
	assert.Equal(t, string(event.Payload), string(gotBody))
	assert.Equal(t, "application/json", gotHeaders.Get("Content-Type"))
	assert.Equal(t, "hookrelay-webhook/1.0", gotHeaders.Get("User-Agent"))
	assert.Equal(t, "issue.created", gotHeaders.Get("X-Webhook-Event"))
	assert.Equal(t, event.ID.String(), gotHeaders.Get("X-Webhook-ID"))
	assert.NotEmpty(t, gotHeaders.Get("X-Webhook-Timestamp"))
	assert.Equal(t, "custom-value", gotHeaders.Get("X-Custom"))
	assert.Equal(t, webhook.Sign("topsecret", event.Payload), gotHeaders.Get(webhook.SignatureHeader))

	attempts, err := store.ListAttempts(context.Background(), event.ID, 0)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, 1, attempts[0].Number)
	assert.True(t, attempts[0].Success)
	assert.Equal(t, http.StatusOK, attempts[0].HTTPStatus)
	assert.Equal(t, `{"received":true}`, attempts[0].ResponseBody)

	updated, err := store.GetConfig(context.Background(), cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.DeliveryCount)
	require.NotNil(t, updated.LastDelivery)
}

func TestService_ProcessEvent_NoSignatureWithoutSecret(t *testing.T) {
	t.Parallel()

	var gotHeaders http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	store := webhook.NewMemoryStore()
	cfg := seedConfig(t, store, server.URL, nil)
	event := seedEvent(t, store, cfg.ID, nil)

	svc, err := webhook.NewService(store, webhook.WithLogger(discardLogger()))
	require.NoError(t, err)
	defer svc.Close()

	require.NoError(t, svc.ProcessEvent(context.Background(), event))

	assert.Empty(t, gotHeaders.Get(webhook.SignatureHeader))

	stored, err := store.GetEvent(context.Background(), event.ID)
	require.NoError(t, err)
	assert.Equal(t, webhook.StatusDelivered, stored.Status)
}

func TestService_ProcessEvent_FailureSchedulesRetry(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("upstream boom"))
	}))
	defer server.Close()

	store := webhook.NewMemoryStore()
	cfg := seedConfig(t, store, server.URL, nil)
	event := seedEvent(t, store, cfg.ID, nil)

	svc, err := webhook.NewService(store,
		webhook.WithLogger(discardLogger()),
		webhook.WithBackoff(webhook.FixedBackoff{Interval: time.Minute}))
	require.NoError(t, err)
	defer svc.Close()

	before := time.Now()
	require.NoError(t, svc.ProcessEvent(context.Background(), event))

	stored, err := store.GetEvent(context.Background(), event.ID)
	require.NoError(t, err)
	assert.Equal(t, webhook.StatusPending, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, "HTTP 500: upstream boom", stored.LastError)
	assert.False(t, stored.NextAttemptAfter.Before(before.Add(time.Minute)))

	attempts, err := store.ListAttempts(context.Background(), event.ID, 0)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.False(t, attempts[0].Success)
	assert.Equal(t, http.StatusInternalServerError, attempts[0].HTTPStatus)
	assert.Equal(t, "HTTP 500: upstream boom", attempts[0].Error)
}

func TestService_ProcessEvent_DeadLetterOnExhaustedBudget(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	store := webhook.NewMemoryStore()
	cfg := seedConfig(t, store, server.URL, func(c *webhook.Config) {
		c.RetryAttempts = 2
	})
	// Final attempt: one failure already recorded.
	event := seedEvent(t, store, cfg.ID, func(e *webhook.Event) {
		e.Attempts = 1
	})

	svc, err := webhook.NewService(store, webhook.WithLogger(discardLogger()))
	require.NoError(t, err)
	defer svc.Close()

	require.NoError(t, svc.ProcessEvent(context.Background(), event))

	stored, err := store.GetEvent(context.Background(), event.ID)
	require.NoError(t, err)
	assert.Equal(t, webhook.StatusDeadLetter, stored.Status)
	assert.Equal(t, 2, stored.Attempts)

	attempts, err := store.ListAttempts(context.Background(), event.ID, 0)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, 2, attempts[0].Number)

	updated, err := store.GetConfig(context.Background(), cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.FailureCount)
	assert.Equal(t, int64(0), updated.DeliveryCount)
}

func TestService_ProcessEvent_ConfigNotFound(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	store := webhook.NewMemoryStore()
	event := seedEvent(t, store, uuid.New(), nil)

	svc, err := webhook.NewService(store, webhook.WithLogger(discardLogger()))
	require.NoError(t, err)
	defer svc.Close()

	require.NoError(t, svc.ProcessEvent(context.Background(), event))

	stored, err := store.GetEvent(context.Background(), event.ID)
	require.NoError(t, err)
	assert.Equal(t, webhook.StatusFailed, stored.Status)
	assert.Equal(t, "configuration not found", stored.LastError)
	assert.Equal(t, 0, stored.Attempts)

	// No HTTP call and no attempt record for a config error.
	assert.Equal(t, int64(0), calls.Load())
	attempts, err := store.ListAttempts(context.Background(), event.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, attempts)
}

func TestService_ProcessEvent_ConfigDisabled(t *testing.T) {
	t.Parallel()

	store := webhook.NewMemoryStore()
	cfg := seedConfig(t, store, "https://example.com/hook", func(c *webhook.Config) {
		c.Enabled = false
	})
	event := seedEvent(t, store, cfg.ID, nil)

	svc, err := webhook.NewService(store, webhook.WithLogger(discardLogger()))
	require.NoError(t, err)
	defer svc.Close()

	require.NoError(t, svc.ProcessEvent(context.Background(), event))

	stored, err := store.GetEvent(context.Background(), event.ID)
	require.NoError(t, err)
	assert.Equal(t, webhook.StatusFailed, stored.Status)
	assert.Equal(t, "configuration disabled", stored.LastError)
}

func TestService_ProcessEvent_InvalidURL(t *testing.T) {
	t.Parallel()

	store := webhook.NewMemoryStore()
	cfg := seedConfig(t, store, "not-a-url", nil)
	event := seedEvent(t, store, cfg.ID, nil)

	svc, err := webhook.NewService(store, webhook.WithLogger(discardLogger()))
	require.NoError(t, err)
	defer svc.Close()

	require.NoError(t, svc.ProcessEvent(context.Background(), event))

	stored, err := store.GetEvent(context.Background(), event.ID)
	require.NoError(t, err)
	assert.Equal(t, webhook.StatusFailed, stored.Status)
	assert.Equal(t, "invalid endpoint URL", stored.LastError)

	attempts, err := store.ListAttempts(context.Background(), event.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, attempts)
}

func TestService_ProcessEvent_CircuitOpenDefers(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	store := webhook.NewMemoryStore()
	// Budget of 1 means the breaker threshold is also 1: a single failure
	// dead-letters the first event and opens the circuit.
	cfg := seedConfig(t, store, server.URL, func(c *webhook.Config) {
		c.RetryAttempts = 1
	})
	first := seedEvent(t, store, cfg.ID, nil)
	second := seedEvent(t, store, cfg.ID, nil)

	deferDelay := 5 * time.Minute
	svc, err := webhook.NewService(store,
		webhook.WithLogger(discardLogger()),
		webhook.WithDeferDelay(deferDelay))
	require.NoError(t, err)
	defer svc.Close()

	require.NoError(t, svc.ProcessEvent(context.Background(), first))
	require.Equal(t, int64(1), calls.Load())

	metrics, ok := svc.EndpointMetrics(cfg.URL)
	require.True(t, ok)
	require.Equal(t, "open", metrics.State)

	before := time.Now()
	err = svc.ProcessEvent(context.Background(), second)
	require.ErrorIs(t, err, webhook.ErrCircuitOpen)
	assert.True(t, webhook.IsCircuitOpen(err))

	// The breaker rejected the second event before any HTTP traffic.
	assert.Equal(t, int64(1), calls.Load())

	stored, err := store.GetEvent(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, webhook.StatusPending, stored.Status)
	assert.Equal(t, "Circuit breaker OPEN", stored.LastError)
	// Deferral does not consume the retry budget.
	assert.Equal(t, 0, stored.Attempts)
	assert.False(t, stored.NextAttemptAfter.Before(before.Add(deferDelay)))
	assert.False(t, stored.NextAttemptAfter.After(time.Now().Add(deferDelay)))

	attempts, err := store.ListAttempts(context.Background(), second.ID, 0)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.False(t, attempts[0].Success)
	assert.Equal(t, http.StatusServiceUnavailable, attempts[0].HTTPStatus)
	assert.Equal(t, "Circuit breaker OPEN", attempts[0].Error)
}

func TestService_ProcessEvent_TransportError(t *testing.T) {
	t.Parallel()

	store := webhook.NewMemoryStore()
	// Closed server: connection refused.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	cfg := seedConfig(t, store, url, nil)
	event := seedEvent(t, store, cfg.ID, nil)

	svc, err := webhook.NewService(store, webhook.WithLogger(discardLogger()))
	require.NoError(t, err)
	defer svc.Close()

	require.NoError(t, svc.ProcessEvent(context.Background(), event))

	stored, err := store.GetEvent(context.Background(), event.ID)
	require.NoError(t, err)
	assert.Equal(t, webhook.StatusPending, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.NotEmpty(t, stored.LastError)

	attempts, err := store.ListAttempts(context.Background(), event.ID, 0)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.False(t, attempts[0].Success)
	// No response was received, so no status code was recorded.
	assert.Zero(t, attempts[0].HTTPStatus)
}

func TestService_ProcessEvent_Guards(t *testing.T) {
	t.Parallel()

	store := webhook.NewMemoryStore()
	svc, err := webhook.NewService(store, webhook.WithLogger(discardLogger()))
	require.NoError(t, err)
	defer svc.Close()

	t.Run("nil event", func(t *testing.T) {
		t.Parallel()

		err := svc.ProcessEvent(context.Background(), nil)
		assert.ErrorIs(t, err, webhook.ErrEventNotFound)
	})

	t.Run("terminal event", func(t *testing.T) {
		t.Parallel()

		event := seedEvent(t, store, uuid.New(), func(e *webhook.Event) {
			e.Status = webhook.StatusDelivered
		})
		err := svc.ProcessEvent(context.Background(), event)
		assert.ErrorIs(t, err, webhook.ErrEventTerminal)
	})
}

func TestService_TestEndpoint(t *testing.T) {
	t.Parallel()

	t.Run("reachable endpoint", func(t *testing.T) {
		t.Parallel()

		var gotBody []byte
		var gotHeaders http.Header
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotBody, _ = io.ReadAll(r.Body)
			gotHeaders = r.Header.Clone()
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		store := webhook.NewMemoryStore()
		svc, err := webhook.NewService(store, webhook.WithLogger(discardLogger()))
		require.NoError(t, err)
		defer svc.Close()

		result := svc.TestEndpoint(context.Background(), &webhook.Config{
			URL:    server.URL,
			Secret: "probe-secret",
		})

		assert.True(t, result.Success)
		assert.Equal(t, http.StatusOK, result.HTTPStatus)
		assert.Empty(t, result.Error)
		assert.Greater(t, result.ResponseTime, time.Duration(0))

		assert.Equal(t, webhook.TestEventType, gotHeaders.Get("X-Webhook-Event"))
		assert.Equal(t, webhook.Sign("probe-secret", gotBody), gotHeaders.Get(webhook.SignatureHeader))

		var payload webhook.Payload
		require.NoError(t, json.Unmarshal(gotBody, &payload))
		assert.Equal(t, webhook.TestEventType, payload.Event.Type)
		assert.Equal(t, webhook.PayloadVersion, payload.Metadata.Version)
	})

	t.Run("unreachable endpoint persists nothing", func(t *testing.T) {
		t.Parallel()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		url := server.URL
		server.Close()

		store := webhook.NewMemoryStore()
		svc, err := webhook.NewService(store, webhook.WithLogger(discardLogger()))
		require.NoError(t, err)
		defer svc.Close()

		result := svc.TestEndpoint(context.Background(), &webhook.Config{URL: url})

		assert.False(t, result.Success)
		assert.NotEmpty(t, result.Error)

		// Probe outcomes are never written to the store.
		due, err := store.DueEvents(context.Background(), time.Now(), 0)
		require.NoError(t, err)
		assert.Empty(t, due)
	})

	t.Run("invalid url fails without a request", func(t *testing.T) {
		t.Parallel()

		store := webhook.NewMemoryStore()
		svc, err := webhook.NewService(store, webhook.WithLogger(discardLogger()))
		require.NoError(t, err)
		defer svc.Close()

		result := svc.TestEndpoint(context.Background(), &webhook.Config{URL: "ftp://example.com"})

		assert.False(t, result.Success)
		assert.Equal(t, webhook.ErrInvalidURL.Error(), result.Error)
		assert.Zero(t, result.HTTPStatus)
	})
}

func TestService_CircuitControls(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := webhook.NewMemoryStore()
	cfg := seedConfig(t, store, server.URL, nil)
	event := seedEvent(t, store, cfg.ID, nil)

	svc, err := webhook.NewService(store, webhook.WithLogger(discardLogger()))
	require.NoError(t, err)
	defer svc.Close()

	// No breaker exists until the first delivery touches the URL.
	assert.False(t, svc.ForceCircuitOpen(cfg.URL))
	assert.False(t, svc.ForceCircuitClosed(cfg.URL))

	require.NoError(t, svc.ProcessEvent(context.Background(), event))

	require.True(t, svc.ForceCircuitOpen(cfg.URL))
	metrics, ok := svc.EndpointMetrics(cfg.URL)
	require.True(t, ok)
	assert.Equal(t, "open", metrics.State)

	require.True(t, svc.ForceCircuitClosed(cfg.URL))
	metrics, ok = svc.EndpointMetrics(cfg.URL)
	require.True(t, ok)
	assert.Equal(t, "closed", metrics.State)

	status := svc.HealthStatus()
	require.Contains(t, status, cfg.URL)
}

func TestNewService_NilStore(t *testing.T) {
	t.Parallel()

	svc, err := webhook.NewService(nil)
	assert.Nil(t, svc)
	assert.ErrorIs(t, err, webhook.ErrStoreNil)
}
