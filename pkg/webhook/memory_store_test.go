package webhook_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/hookrelay/pkg/webhook"
)

func TestMemoryStore_Configs(t *testing.T) {
	t.Parallel()

	t.Run("get missing config", func(t *testing.T) {
		t.Parallel()

		store := webhook.NewMemoryStore()
		_, err := store.GetConfig(context.Background(), uuid.New())
		assert.ErrorIs(t, err, webhook.ErrConfigNotFound)
	})

	t.Run("put and get returns a copy", func(t *testing.T) {
		t.Parallel()

		store := webhook.NewMemoryStore()
		cfg := seedConfig(t, store, "https://example.com/hook", nil)

		got, err := store.GetConfig(context.Background(), cfg.ID)
		require.NoError(t, err)
		assert.Equal(t, cfg.URL, got.URL)

		// Mutating the returned copy must not leak into the store.
		got.URL = "https://tampered.example.com"
		again, err := store.GetConfig(context.Background(), cfg.ID)
		require.NoError(t, err)
		assert.Equal(t, cfg.URL, again.URL)
	})

	t.Run("list enabled only", func(t *testing.T) {
		t.Parallel()

		store := webhook.NewMemoryStore()
		enabled := seedConfig(t, store, "https://on.example.com/hook", nil)
		seedConfig(t, store, "https://off.example.com/hook", func(c *webhook.Config) {
			c.Enabled = false
		})

		configs, err := store.ListEnabledConfigs(context.Background())
		require.NoError(t, err)
		require.Len(t, configs, 1)
		assert.Equal(t, enabled.ID, configs[0].ID)
	})

	t.Run("delete config", func(t *testing.T) {
		t.Parallel()

		store := webhook.NewMemoryStore()
		cfg := seedConfig(t, store, "https://example.com/hook", nil)

		store.DeleteConfig(cfg.ID)
		_, err := store.GetConfig(context.Background(), cfg.ID)
		assert.ErrorIs(t, err, webhook.ErrConfigNotFound)
	})

	t.Run("delivery and failure counters", func(t *testing.T) {
		t.Parallel()

		store := webhook.NewMemoryStore()
		cfg := seedConfig(t, store, "https://example.com/hook", nil)

		at := time.Now()
		require.NoError(t, store.RecordDelivered(context.Background(), cfg.ID, at))
		require.NoError(t, store.RecordDelivered(context.Background(), cfg.ID, at))
		require.NoError(t, store.RecordConfigFailure(context.Background(), cfg.ID))

		got, err := store.GetConfig(context.Background(), cfg.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.DeliveryCount)
		assert.Equal(t, int64(1), got.FailureCount)
		require.NotNil(t, got.LastDelivery)
		assert.WithinDuration(t, at, *got.LastDelivery, time.Second)

		err = store.RecordDelivered(context.Background(), uuid.New(), at)
		assert.ErrorIs(t, err, webhook.ErrConfigNotFound)
	})
}

func TestMemoryStore_Events(t *testing.T) {
	t.Parallel()

	t.Run("get missing event", func(t *testing.T) {
		t.Parallel()

		store := webhook.NewMemoryStore()
		_, err := store.GetEvent(context.Background(), uuid.New())
		assert.ErrorIs(t, err, webhook.ErrEventNotFound)
	})

	t.Run("partial update touches only set fields", func(t *testing.T) {
		t.Parallel()

		store := webhook.NewMemoryStore()
		event := seedEvent(t, store, uuid.New(), func(e *webhook.Event) {
			e.Attempts = 2
			e.LastError = "previous error"
		})

		processing := webhook.StatusProcessing
		require.NoError(t, store.UpdateEvent(context.Background(), event.ID, webhook.EventUpdate{
			Status: &processing,
		}))

		got, err := store.GetEvent(context.Background(), event.ID)
		require.NoError(t, err)
		assert.Equal(t, webhook.StatusProcessing, got.Status)
		assert.Equal(t, 2, got.Attempts)
		assert.Equal(t, "previous error", got.LastError)
	})

	t.Run("update missing event", func(t *testing.T) {
		t.Parallel()

		store := webhook.NewMemoryStore()
		pending := webhook.StatusPending
		err := store.UpdateEvent(context.Background(), uuid.New(), webhook.EventUpdate{
			Status: &pending,
		})
		assert.ErrorIs(t, err, webhook.ErrEventNotFound)
	})
}

func TestMemoryStore_ClaimEvent(t *testing.T) {
	t.Parallel()

	t.Run("pending event claimed once", func(t *testing.T) {
		t.Parallel()

		store := webhook.NewMemoryStore()
		event := seedEvent(t, store, uuid.New(), nil)
		now := time.Now()

		claimed, err := store.ClaimEvent(context.Background(), event.ID, now, 5*time.Minute)
		require.NoError(t, err)
		assert.True(t, claimed)

		// The same event cannot be claimed again while fresh.
		claimed, err = store.ClaimEvent(context.Background(), event.ID, now, 5*time.Minute)
		require.NoError(t, err)
		assert.False(t, claimed)
	})

	t.Run("terminal event not claimable", func(t *testing.T) {
		t.Parallel()

		store := webhook.NewMemoryStore()
		event := seedEvent(t, store, uuid.New(), func(e *webhook.Event) {
			e.Status = webhook.StatusDelivered
		})

		claimed, err := store.ClaimEvent(context.Background(), event.ID, time.Now(), 5*time.Minute)
		require.NoError(t, err)
		assert.False(t, claimed)
	})

	t.Run("stale processing event claimable", func(t *testing.T) {
		t.Parallel()

		store := webhook.NewMemoryStore()
		event := seedEvent(t, store, uuid.New(), func(e *webhook.Event) {
			e.Status = webhook.StatusProcessing
		})

		// Fresh: not claimable.
		claimed, err := store.ClaimEvent(context.Background(), event.ID, time.Now(), time.Minute)
		require.NoError(t, err)
		assert.False(t, claimed)

		// Pretend enough time has passed for the claim to go stale.
		claimed, err = store.ClaimEvent(context.Background(), event.ID, time.Now().Add(2*time.Minute), time.Minute)
		require.NoError(t, err)
		assert.True(t, claimed)
	})

	t.Run("missing event", func(t *testing.T) {
		t.Parallel()

		store := webhook.NewMemoryStore()
		claimed, err := store.ClaimEvent(context.Background(), uuid.New(), time.Now(), time.Minute)
		require.NoError(t, err)
		assert.False(t, claimed)
	})
}

func TestMemoryStore_DueEvents(t *testing.T) {
	t.Parallel()

	t.Run("filters status and schedule", func(t *testing.T) {
		t.Parallel()

		store := webhook.NewMemoryStore()
		configID := uuid.New()

		due := seedEvent(t, store, configID, nil)
		seedEvent(t, store, configID, func(e *webhook.Event) {
			e.NextAttemptAfter = time.Now().Add(time.Hour)
		})
		seedEvent(t, store, configID, func(e *webhook.Event) {
			e.Status = webhook.StatusDelivered
		})
		seedEvent(t, store, configID, func(e *webhook.Event) {
			e.Status = webhook.StatusDeadLetter
		})
		seedEvent(t, store, configID, func(e *webhook.Event) {
			e.Status = webhook.StatusFailed
		})

		events, err := store.DueEvents(context.Background(), time.Now(), 0)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, due.ID, events[0].ID)
	})

	t.Run("oldest first with limit", func(t *testing.T) {
		t.Parallel()

		store := webhook.NewMemoryStore()
		configID := uuid.New()

		first := seedEvent(t, store, configID, nil)
		time.Sleep(5 * time.Millisecond)
		second := seedEvent(t, store, configID, nil)
		time.Sleep(5 * time.Millisecond)
		seedEvent(t, store, configID, nil)

		events, err := store.DueEvents(context.Background(), time.Now(), 2)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, first.ID, events[0].ID)
		assert.Equal(t, second.ID, events[1].ID)
	})
}

func TestMemoryStore_ListEvents(t *testing.T) {
	t.Parallel()

	store := webhook.NewMemoryStore()
	configID := uuid.New()

	first := seedEvent(t, store, configID, nil)
	time.Sleep(5 * time.Millisecond)
	second := seedEvent(t, store, configID, func(e *webhook.Event) {
		e.Status = webhook.StatusDelivered
	})
	time.Sleep(5 * time.Millisecond)
	third := seedEvent(t, store, configID, nil)

	t.Run("all statuses newest first", func(t *testing.T) {
		t.Parallel()

		events, err := store.ListEvents(context.Background(), "", 0)
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, third.ID, events[0].ID)
		assert.Equal(t, second.ID, events[1].ID)
		assert.Equal(t, first.ID, events[2].ID)
	})

	t.Run("status filter", func(t *testing.T) {
		t.Parallel()

		events, err := store.ListEvents(context.Background(), webhook.StatusDelivered, 0)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, second.ID, events[0].ID)
	})

	t.Run("limit", func(t *testing.T) {
		t.Parallel()

		events, err := store.ListEvents(context.Background(), "", 2)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, third.ID, events[0].ID)
	})
}

func TestMemoryStore_Attempts(t *testing.T) {
	t.Parallel()

	store := webhook.NewMemoryStore()
	eventID := uuid.New()

	for i := 1; i <= 3; i++ {
		require.NoError(t, store.CreateAttempt(context.Background(), &webhook.DeliveryAttempt{
			ID:      uuid.New(),
			EventID: eventID,
			Number:  i,
		}))
	}

	attempts, err := store.ListAttempts(context.Background(), eventID, 0)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	assert.Equal(t, 1, attempts[0].Number)
	assert.Equal(t, 3, attempts[2].Number)

	limited, err := store.ListAttempts(context.Background(), eventID, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	empty, err := store.ListAttempts(context.Background(), uuid.New(), 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
