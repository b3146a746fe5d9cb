package webhook

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventUpdate is a partial update applied to an event. Nil fields are left
// unchanged. Stores must apply the update as a single-document operation.
type EventUpdate struct {
	Status           *Status
	Attempts         *int
	NextAttemptAfter *time.Time
	LastAttemptedAt  *time.Time
	LastError        *string
}

// Store is the persistence collaborator for configs, events, and attempt
// records. Implementations must treat every method as a transactional
// single-document operation; the engine never assumes multi-document
// transactions across config and event updates.
type Store interface {
	// GetConfig loads a subscriber config. Returns ErrConfigNotFound when
	// the config does not exist.
	GetConfig(ctx context.Context, id uuid.UUID) (*Config, error)

	// ListEnabledConfigs returns all configs with the enabled flag set.
	ListEnabledConfigs(ctx context.Context) ([]Config, error)

	// RecordDelivered increments the config's delivery counter and stamps
	// the last-delivery time. Must be an atomic increment at the store layer.
	RecordDelivered(ctx context.Context, configID uuid.UUID, at time.Time) error

	// RecordConfigFailure increments the config's failure counter.
	RecordConfigFailure(ctx context.Context, configID uuid.UUID) error

	// CreateEvent persists a new event.
	CreateEvent(ctx context.Context, event *Event) error

	// GetEvent loads an event. Returns ErrEventNotFound when absent.
	GetEvent(ctx context.Context, id uuid.UUID) (*Event, error)

	// UpdateEvent applies a partial update to an event.
	UpdateEvent(ctx context.Context, id uuid.UUID, update EventUpdate) error

	// ClaimEvent atomically moves an event to processing if it is pending,
	// or if it is processing but stale (last touched before now-staleAfter,
	// covering processors that crashed mid-attempt). Returns false when the
	// event was already claimed, terminal, or missing.
	ClaimEvent(ctx context.Context, id uuid.UUID, now time.Time, staleAfter time.Duration) (bool, error)

	// DueEvents returns events with status pending or processing whose
	// nextAttemptAfter is at or before now, oldest-modified first, capped
	// at limit.
	DueEvents(ctx context.Context, now time.Time, limit int) ([]Event, error)

	// ListEvents returns events newest-created first, capped at limit.
	// An empty status matches all statuses.
	ListEvents(ctx context.Context, status Status, limit int) ([]Event, error)

	// CreateAttempt persists an immutable delivery attempt record.
	CreateAttempt(ctx context.Context, attempt *DeliveryAttempt) error

	// ListAttempts returns the attempt history for an event, oldest first,
	// capped at limit.
	ListAttempts(ctx context.Context, eventID uuid.UUID, limit int) ([]DeliveryAttempt, error)
}
