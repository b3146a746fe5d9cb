package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
)

// ChangeKind is the kind of document change observed upstream.
type ChangeKind string

const (
	ChangeCreate ChangeKind = "create"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// Change is one notification from the upstream event source: a document
// changed, who changed it, and how.
type Change struct {
	DocumentID    string
	DocumentClass string
	Kind          ChangeKind
	Workspace     string
	Actor         Actor

	// Object holds the changed document's fields as sent to subscribers.
	Object map[string]any
	// Changes holds the field-level diff for updates.
	Changes []FieldChange

	// Attributes used by subscriber filters.
	Project   string
	Status    string
	Priority  string
	Assignee  string
	Component string
	Milestone string
}

// EventType derives the subscription event type string, e.g. a create of an
// "issue" document yields "issue.created".
func (c Change) EventType() string {
	switch c.Kind {
	case ChangeCreate:
		return c.DocumentClass + ".created"
	case ChangeUpdate:
		return c.DocumentClass + ".updated"
	case ChangeDelete:
		return c.DocumentClass + ".deleted"
	default:
		return c.DocumentClass + "." + string(c.Kind)
	}
}

// Trigger filters upstream changes against subscriber configurations and
// materializes matching notifications into pending events.
type Trigger struct {
	store  Store
	logger *slog.Logger
}

// NewTrigger creates a trigger writing events into the given store.
func NewTrigger(store Store, logger *slog.Logger) (*Trigger, error) {
	if store == nil {
		return nil, ErrStoreNil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Trigger{store: store, logger: logger}, nil
}

// HandleChange fans one change out to every enabled, subscribed, and
// filter-matching config, creating one pending event per config. Returns the
// number of events created.
func (t *Trigger) HandleChange(ctx context.Context, change Change) (int, error) {
	configs, err := t.store.ListEnabledConfigs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list enabled configs: %w", err)
	}

	eventType := change.EventType()
	created := 0
	now := time.Now()

	for i := range configs {
		cfg := &configs[i]
		if !cfg.Subscribed(eventType) {
			continue
		}
		if !matchFilters(cfg.Filters, change) {
			continue
		}

		eventID := uuid.New()
		payload, err := json.Marshal(Payload{
			Event: PayloadEvent{
				ID:        eventID.String(),
				Type:      eventType,
				Timestamp: now.UnixMilli(),
				Workspace: change.Workspace,
			},
			Data: PayloadData{
				Object:  change.Object,
				Changes: change.Changes,
				Actor:   change.Actor,
			},
			Metadata: PayloadMetadata{
				Version:    PayloadVersion,
				DeliveryID: uuid.NewString(),
			},
		})
		if err != nil {
			return created, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}

		event := &Event{
			ID:               eventID,
			ConfigID:         cfg.ID,
			Type:             eventType,
			DocumentID:       change.DocumentID,
			DocumentClass:    change.DocumentClass,
			Payload:          payload,
			Status:           StatusPending,
			NextAttemptAfter: now,
		}
		if err := t.store.CreateEvent(ctx, event); err != nil {
			return created, fmt.Errorf("create event: %w", err)
		}
		created++

		t.logger.DebugContext(ctx, "webhook event created",
			slog.String("event_id", eventID.String()),
			slog.String("event_type", eventType),
			slog.String("config_id", cfg.ID.String()))
	}

	return created, nil
}

// matchFilters applies the config's structured filters: every non-empty set
// must contain the change's corresponding attribute.
func matchFilters(f *Filters, change Change) bool {
	if f == nil {
		return true
	}
	if len(f.Projects) > 0 && !slices.Contains(f.Projects, change.Project) {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, change.Status) {
		return false
	}
	if len(f.Priorities) > 0 && !slices.Contains(f.Priorities, change.Priority) {
		return false
	}
	if len(f.Assignees) > 0 && !slices.Contains(f.Assignees, change.Assignee) {
		return false
	}
	if len(f.Components) > 0 && !slices.Contains(f.Components, change.Component) {
		return false
	}
	if len(f.Milestones) > 0 && !slices.Contains(f.Milestones, change.Milestone) {
		return false
	}
	return true
}
