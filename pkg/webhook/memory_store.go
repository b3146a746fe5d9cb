package webhook

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store in memory for testing and local development.
type MemoryStore struct {
	mu       sync.RWMutex
	configs  map[uuid.UUID]*Config
	events   map[uuid.UUID]*Event
	attempts map[uuid.UUID][]DeliveryAttempt
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		configs:  make(map[uuid.UUID]*Config),
		events:   make(map[uuid.UUID]*Event),
		attempts: make(map[uuid.UUID][]DeliveryAttempt),
	}
}

// PutConfig inserts or replaces a subscriber config. Config management is
// external to the engine; tests and local setups seed configs through this.
func (ms *MemoryStore) PutConfig(config *Config) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	cp := *config
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.UpdatedAt = time.Now()
	ms.configs[cp.ID] = &cp
}

// DeleteConfig removes a config, simulating external deletion.
func (ms *MemoryStore) DeleteConfig(id uuid.UUID) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	delete(ms.configs, id)
}

func (ms *MemoryStore) GetConfig(ctx context.Context, id uuid.UUID) (*Config, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	config, ok := ms.configs[id]
	if !ok {
		return nil, ErrConfigNotFound
	}
	cp := *config
	return &cp, nil
}

func (ms *MemoryStore) ListEnabledConfigs(ctx context.Context) ([]Config, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	out := make([]Config, 0, len(ms.configs))
	for _, config := range ms.configs {
		if config.Enabled {
			out = append(out, *config)
		}
	}
	return out, nil
}

func (ms *MemoryStore) RecordDelivered(ctx context.Context, configID uuid.UUID, at time.Time) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	config, ok := ms.configs[configID]
	if !ok {
		return ErrConfigNotFound
	}
	config.DeliveryCount++
	config.LastDelivery = &at
	config.UpdatedAt = time.Now()
	return nil
}

func (ms *MemoryStore) RecordConfigFailure(ctx context.Context, configID uuid.UUID) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	config, ok := ms.configs[configID]
	if !ok {
		return ErrConfigNotFound
	}
	config.FailureCount++
	config.UpdatedAt = time.Now()
	return nil
}

func (ms *MemoryStore) CreateEvent(ctx context.Context, event *Event) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	cp := *event
	now := time.Now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	ms.events[cp.ID] = &cp
	return nil
}

func (ms *MemoryStore) GetEvent(ctx context.Context, id uuid.UUID) (*Event, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	event, ok := ms.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	cp := *event
	return &cp, nil
}

func (ms *MemoryStore) UpdateEvent(ctx context.Context, id uuid.UUID, update EventUpdate) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	event, ok := ms.events[id]
	if !ok {
		return ErrEventNotFound
	}

	if update.Status != nil {
		event.Status = *update.Status
	}
	if update.Attempts != nil {
		event.Attempts = *update.Attempts
	}
	if update.NextAttemptAfter != nil {
		event.NextAttemptAfter = *update.NextAttemptAfter
	}
	if update.LastAttemptedAt != nil {
		event.LastAttemptedAt = update.LastAttemptedAt
	}
	if update.LastError != nil {
		event.LastError = *update.LastError
	}
	event.UpdatedAt = time.Now()
	return nil
}

func (ms *MemoryStore) ClaimEvent(ctx context.Context, id uuid.UUID, now time.Time, staleAfter time.Duration) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	event, ok := ms.events[id]
	if !ok {
		return false, nil
	}

	claimable := event.Status == StatusPending ||
		(event.Status == StatusProcessing && event.UpdatedAt.Before(now.Add(-staleAfter)))
	if !claimable {
		return false, nil
	}

	event.Status = StatusProcessing
	event.UpdatedAt = now
	return true, nil
}

func (ms *MemoryStore) DueEvents(ctx context.Context, now time.Time, limit int) ([]Event, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	due := make([]Event, 0)
	for _, event := range ms.events {
		if event.Status != StatusPending && event.Status != StatusProcessing {
			continue
		}
		if event.NextAttemptAfter.After(now) {
			continue
		}
		due = append(due, *event)
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].UpdatedAt.Before(due[j].UpdatedAt)
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (ms *MemoryStore) ListEvents(ctx context.Context, status Status, limit int) ([]Event, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	out := make([]Event, 0)
	for _, event := range ms.events {
		if status != "" && event.Status != status {
			continue
		}
		out = append(out, *event)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (ms *MemoryStore) CreateAttempt(ctx context.Context, attempt *DeliveryAttempt) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.attempts[attempt.EventID] = append(ms.attempts[attempt.EventID], *attempt)
	return nil
}

func (ms *MemoryStore) ListAttempts(ctx context.Context, eventID uuid.UUID, limit int) ([]DeliveryAttempt, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	attempts := slices.Clone(ms.attempts[eventID])
	if limit > 0 && len(attempts) > limit {
		attempts = attempts[:limit]
	}
	return attempts, nil
}
