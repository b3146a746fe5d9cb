package mongostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/dmitrymomot/hookrelay/pkg/webhook"
)

const (
	configsCollection  = "webhook_configs"
	eventsCollection   = "webhook_events"
	attemptsCollection = "webhook_attempts"
)

// Store implements webhook.Store on MongoDB.
type Store struct {
	configs  *mongo.Collection
	events   *mongo.Collection
	attempts *mongo.Collection
}

// New creates a store bound to the given database.
func New(db *mongo.Database) *Store {
	return &Store{
		configs:  db.Collection(configsCollection),
		events:   db.Collection(eventsCollection),
		attempts: db.Collection(attemptsCollection),
	}
}

// EnsureIndexes creates the indexes the delivery queries depend on. Safe to
// call on every startup; index creation is idempotent.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.events.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "next_attempt_after", Value: 1}}},
		{Keys: bson.D{{Key: "config_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create event indexes: %w", err)
	}

	_, err = s.attempts.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "event_id", Value: 1}, {Key: "number", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create attempt indexes: %w", err)
	}

	_, err = s.configs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "enabled", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create config indexes: %w", err)
	}
	return nil
}

type configDoc struct {
	ID            string            `bson:"_id"`
	URL           string            `bson:"url"`
	Secret        string            `bson:"secret"`
	Enabled       bool              `bson:"enabled"`
	Events        []string          `bson:"events"`
	Headers       map[string]string `bson:"headers,omitempty"`
	TimeoutMS     int64             `bson:"timeout_ms"`
	RetryAttempts int               `bson:"retry_attempts"`
	Filters       *webhook.Filters  `bson:"filters,omitempty"`
	DeliveryCount int64             `bson:"delivery_count"`
	FailureCount  int64             `bson:"failure_count"`
	LastDelivery  *time.Time        `bson:"last_delivery,omitempty"`
	CreatedAt     time.Time         `bson:"created_at"`
	UpdatedAt     time.Time         `bson:"updated_at"`
}

func toConfigDoc(c *webhook.Config) configDoc {
	return configDoc{
		ID:            c.ID.String(),
		URL:           c.URL,
		Secret:        c.Secret,
		Enabled:       c.Enabled,
		Events:        c.Events,
		Headers:       c.Headers,
		TimeoutMS:     c.Timeout.Milliseconds(),
		RetryAttempts: c.RetryAttempts,
		Filters:       c.Filters,
		DeliveryCount: c.DeliveryCount,
		FailureCount:  c.FailureCount,
		LastDelivery:  c.LastDelivery,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

func (d configDoc) toConfig() (*webhook.Config, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, fmt.Errorf("parse config id: %w", err)
	}
	return &webhook.Config{
		ID:            id,
		URL:           d.URL,
		Secret:        d.Secret,
		Enabled:       d.Enabled,
		Events:        d.Events,
		Headers:       d.Headers,
		Timeout:       time.Duration(d.TimeoutMS) * time.Millisecond,
		RetryAttempts: d.RetryAttempts,
		Filters:       d.Filters,
		DeliveryCount: d.DeliveryCount,
		FailureCount:  d.FailureCount,
		LastDelivery:  d.LastDelivery,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}, nil
}

type eventDoc struct {
	ID               string     `bson:"_id"`
	ConfigID         string     `bson:"config_id"`
	Type             string     `bson:"type"`
	DocumentID       string     `bson:"document_id"`
	DocumentClass    string     `bson:"document_class"`
	Payload          []byte     `bson:"payload"`
	Status           string     `bson:"status"`
	Attempts         int        `bson:"attempts"`
	NextAttemptAfter time.Time  `bson:"next_attempt_after"`
	LastAttemptedAt  *time.Time `bson:"last_attempted_at,omitempty"`
	LastError        string     `bson:"last_error,omitempty"`
	CreatedAt        time.Time  `bson:"created_at"`
	UpdatedAt        time.Time  `bson:"updated_at"`
}

func toEventDoc(e *webhook.Event) eventDoc {
	return eventDoc{
		ID:               e.ID.String(),
		ConfigID:         e.ConfigID.String(),
		Type:             e.Type,
		DocumentID:       e.DocumentID,
		DocumentClass:    e.DocumentClass,
		Payload:          e.Payload,
		Status:           string(e.Status),
		Attempts:         e.Attempts,
		NextAttemptAfter: e.NextAttemptAfter,
		LastAttemptedAt:  e.LastAttemptedAt,
		LastError:        e.LastError,
		CreatedAt:        e.CreatedAt,
		UpdatedAt:        e.UpdatedAt,
	}
}

func (d eventDoc) toEvent() (*webhook.Event, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, fmt.Errorf("parse event id: %w", err)
	}
	configID, err := uuid.Parse(d.ConfigID)
	if err != nil {
		return nil, fmt.Errorf("parse event config id: %w", err)
	}
	return &webhook.Event{
		ID:               id,
		ConfigID:         configID,
		Type:             d.Type,
		DocumentID:       d.DocumentID,
		DocumentClass:    d.DocumentClass,
		Payload:          json.RawMessage(d.Payload),
		Status:           webhook.Status(d.Status),
		Attempts:         d.Attempts,
		NextAttemptAfter: d.NextAttemptAfter,
		LastAttemptedAt:  d.LastAttemptedAt,
		LastError:        d.LastError,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}, nil
}

type attemptDoc struct {
	ID              string            `bson:"_id"`
	EventID         string            `bson:"event_id"`
	Number          int               `bson:"number"`
	Timestamp       time.Time         `bson:"timestamp"`
	HTTPStatus      int               `bson:"http_status,omitempty"`
	ResponseTimeMS  int64             `bson:"response_time_ms"`
	Success         bool              `bson:"success"`
	Error           string            `bson:"error,omitempty"`
	RequestHeaders  map[string]string `bson:"request_headers,omitempty"`
	ResponseHeaders map[string]string `bson:"response_headers,omitempty"`
	ResponseBody    string            `bson:"response_body,omitempty"`
}

func (d attemptDoc) toAttempt() (webhook.DeliveryAttempt, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return webhook.DeliveryAttempt{}, fmt.Errorf("parse attempt id: %w", err)
	}
	eventID, err := uuid.Parse(d.EventID)
	if err != nil {
		return webhook.DeliveryAttempt{}, fmt.Errorf("parse attempt event id: %w", err)
	}
	return webhook.DeliveryAttempt{
		ID:              id,
		EventID:         eventID,
		Number:          d.Number,
		Timestamp:       d.Timestamp,
		HTTPStatus:      d.HTTPStatus,
		ResponseTime:    time.Duration(d.ResponseTimeMS) * time.Millisecond,
		Success:         d.Success,
		Error:           d.Error,
		RequestHeaders:  d.RequestHeaders,
		ResponseHeaders: d.ResponseHeaders,
		ResponseBody:    d.ResponseBody,
	}, nil
}

// SaveConfig inserts or replaces a subscriber config. Config management is
// external; this supports seeding and admin tooling.
func (s *Store) SaveConfig(ctx context.Context, config *webhook.Config) error {
	doc := toConfigDoc(config)
	now := time.Now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now

	_, err := s.configs.ReplaceOne(ctx,
		bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}

// DeleteConfig removes a config.
func (s *Store) DeleteConfig(ctx context.Context, id uuid.UUID) error {
	if _, err := s.configs.DeleteOne(ctx, bson.M{"_id": id.String()}); err != nil {
		return fmt.Errorf("delete config: %w", err)
	}
	return nil
}

func (s *Store) GetConfig(ctx context.Context, id uuid.UUID) (*webhook.Config, error) {
	var doc configDoc
	err := s.configs.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, webhook.ErrConfigNotFound
		}
		return nil, fmt.Errorf("find config: %w", err)
	}
	return doc.toConfig()
}

func (s *Store) ListEnabledConfigs(ctx context.Context) ([]webhook.Config, error) {
	cursor, err := s.configs.Find(ctx, bson.M{"enabled": true})
	if err != nil {
		return nil, fmt.Errorf("list configs: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var out []webhook.Config
	for cursor.Next(ctx) {
		var doc configDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
		config, err := doc.toConfig()
		if err != nil {
			return nil, err
		}
		out = append(out, *config)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate configs: %w", err)
	}
	return out, nil
}

func (s *Store) RecordDelivered(ctx context.Context, configID uuid.UUID, at time.Time) error {
	res, err := s.configs.UpdateByID(ctx, configID.String(), bson.M{
		"$inc": bson.M{"delivery_count": 1},
		"$set": bson.M{"last_delivery": at, "updated_at": time.Now()},
	})
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	if res.MatchedCount == 0 {
		return webhook.ErrConfigNotFound
	}
	return nil
}

func (s *Store) RecordConfigFailure(ctx context.Context, configID uuid.UUID) error {
	res, err := s.configs.UpdateByID(ctx, configID.String(), bson.M{
		"$inc": bson.M{"failure_count": 1},
		"$set": bson.M{"updated_at": time.Now()},
	})
	if err != nil {
		return fmt.Errorf("record config failure: %w", err)
	}
	if res.MatchedCount == 0 {
		return webhook.ErrConfigNotFound
	}
	return nil
}

func (s *Store) CreateEvent(ctx context.Context, event *webhook.Event) error {
	doc := toEventDoc(event)
	now := time.Now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now

	if _, err := s.events.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("create event: %w", err)
	}
	return nil
}

func (s *Store) GetEvent(ctx context.Context, id uuid.UUID) (*webhook.Event, error) {
	var doc eventDoc
	err := s.events.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, webhook.ErrEventNotFound
		}
		return nil, fmt.Errorf("find event: %w", err)
	}
	return doc.toEvent()
}

func (s *Store) UpdateEvent(ctx context.Context, id uuid.UUID, update webhook.EventUpdate) error {
	set := bson.M{"updated_at": time.Now()}
	if update.Status != nil {
		set["status"] = string(*update.Status)
	}
	if update.Attempts != nil {
		set["attempts"] = *update.Attempts
	}
	if update.NextAttemptAfter != nil {
		set["next_attempt_after"] = *update.NextAttemptAfter
	}
	if update.LastAttemptedAt != nil {
		set["last_attempted_at"] = *update.LastAttemptedAt
	}
	if update.LastError != nil {
		set["last_error"] = *update.LastError
	}

	res, err := s.events.UpdateByID(ctx, id.String(), bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	if res.MatchedCount == 0 {
		return webhook.ErrEventNotFound
	}
	return nil
}

// ClaimEvent atomically flips a claimable event to processing. The filter
// admits pending events and processing events whose claim has gone stale;
// losing the race simply means another processor matched first.
func (s *Store) ClaimEvent(ctx context.Context, id uuid.UUID, now time.Time, staleAfter time.Duration) (bool, error) {
	filter := bson.M{
		"_id": id.String(),
		"$or": bson.A{
			bson.M{"status": string(webhook.StatusPending)},
			bson.M{
				"status":     string(webhook.StatusProcessing),
				"updated_at": bson.M{"$lt": now.Add(-staleAfter)},
			},
		},
	}
	update := bson.M{"$set": bson.M{
		"status":     string(webhook.StatusProcessing),
		"updated_at": now,
	}}

	err := s.events.FindOneAndUpdate(ctx, filter, update).Err()
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return false, nil
		}
		return false, fmt.Errorf("claim event: %w", err)
	}
	return true, nil
}

func (s *Store) DueEvents(ctx context.Context, now time.Time, limit int) ([]webhook.Event, error) {
	filter := bson.M{
		"status": bson.M{"$in": bson.A{
			string(webhook.StatusPending),
			string(webhook.StatusProcessing),
		}},
		"next_attempt_after": bson.M{"$lte": now},
	}

	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: 1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}

	cursor, err := s.events.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("query due events: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var out []webhook.Event
	for cursor.Next(ctx) {
		var doc eventDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		event, err := doc.toEvent()
		if err != nil {
			return nil, err
		}
		out = append(out, *event)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate due events: %w", err)
	}
	return out, nil
}

func (s *Store) ListEvents(ctx context.Context, status webhook.Status, limit int) ([]webhook.Event, error) {
	filter := bson.M{}
	if status != "" {
		filter["status"] = string(status)
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}

	cursor, err := s.events.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var out []webhook.Event
	for cursor.Next(ctx) {
		var doc eventDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		event, err := doc.toEvent()
		if err != nil {
			return nil, err
		}
		out = append(out, *event)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func (s *Store) CreateAttempt(ctx context.Context, attempt *webhook.DeliveryAttempt) error {
	doc := attemptDoc{
		ID:              attempt.ID.String(),
		EventID:         attempt.EventID.String(),
		Number:          attempt.Number,
		Timestamp:       attempt.Timestamp,
		HTTPStatus:      attempt.HTTPStatus,
		ResponseTimeMS:  attempt.ResponseTime.Milliseconds(),
		Success:         attempt.Success,
		Error:           attempt.Error,
		RequestHeaders:  attempt.RequestHeaders,
		ResponseHeaders: attempt.ResponseHeaders,
		ResponseBody:    attempt.ResponseBody,
	}
	if _, err := s.attempts.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("create attempt: %w", err)
	}
	return nil
}

func (s *Store) ListAttempts(ctx context.Context, eventID uuid.UUID, limit int) ([]webhook.DeliveryAttempt, error) {
	opts := options.Find().SetSort(bson.D{{Key: "number", Value: 1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}

	cursor, err := s.attempts.Find(ctx, bson.M{"event_id": eventID.String()}, opts)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var out []webhook.DeliveryAttempt
	for cursor.Next(ctx) {
		var doc attemptDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode attempt: %w", err)
		}
		attempt, err := doc.toAttempt()
		if err != nil {
			return nil, err
		}
		out = append(out, attempt)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return out, nil
}

// compile-time interface check
var _ webhook.Store = (*Store)(nil)
