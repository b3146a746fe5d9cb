package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/hookrelay/pkg/webhook"
)

// Store implements webhook.Store on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a store using the given connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const configColumns = `id, url, secret, enabled, events, headers, timeout_ms, retry_attempts,
	filters, delivery_count, failure_count, last_delivery, created_at, updated_at`

func scanConfig(row pgx.Row) (*webhook.Config, error) {
	var c webhook.Config
	var timeoutMS int64
	err := row.Scan(&c.ID, &c.URL, &c.Secret, &c.Enabled, &c.Events, &c.Headers,
		&timeoutMS, &c.RetryAttempts, &c.Filters, &c.DeliveryCount, &c.FailureCount,
		&c.LastDelivery, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Timeout = time.Duration(timeoutMS) * time.Millisecond
	return &c, nil
}

// SaveConfig inserts or replaces a subscriber config. Config management is
// external; this supports seeding and admin tooling.
func (s *Store) SaveConfig(ctx context.Context, config *webhook.Config) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_configs (`+configColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, COALESCE(NULLIF($13, '0001-01-01T00:00:00Z'::timestamptz), now()), now())
		ON CONFLICT (id) DO UPDATE SET
			url = EXCLUDED.url,
			secret = EXCLUDED.secret,
			enabled = EXCLUDED.enabled,
			events = EXCLUDED.events,
			headers = EXCLUDED.headers,
			timeout_ms = EXCLUDED.timeout_ms,
			retry_attempts = EXCLUDED.retry_attempts,
			filters = EXCLUDED.filters,
			updated_at = now()`,
		config.ID, config.URL, config.Secret, config.Enabled, config.Events,
		config.Headers, config.Timeout.Milliseconds(), config.RetryAttempts,
		config.Filters, config.DeliveryCount, config.FailureCount,
		config.LastDelivery, config.CreatedAt)
	if err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}

// DeleteConfig removes a config.
func (s *Store) DeleteConfig(ctx context.Context, id uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM webhook_configs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete config: %w", err)
	}
	return nil
}

func (s *Store) GetConfig(ctx context.Context, id uuid.UUID) (*webhook.Config, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+configColumns+` FROM webhook_configs WHERE id = $1`, id)
	config, err := scanConfig(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, webhook.ErrConfigNotFound
		}
		return nil, fmt.Errorf("find config: %w", err)
	}
	return config, nil
}

func (s *Store) ListEnabledConfigs(ctx context.Context) ([]webhook.Config, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+configColumns+` FROM webhook_configs WHERE enabled`)
	if err != nil {
		return nil, fmt.Errorf("list configs: %w", err)
	}
	defer rows.Close()

	var out []webhook.Config
	for rows.Next() {
		config, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan config: %w", err)
		}
		out = append(out, *config)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate configs: %w", err)
	}
	return out, nil
}

func (s *Store) RecordDelivered(ctx context.Context, configID uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_configs
		SET delivery_count = delivery_count + 1, last_delivery = $2, updated_at = now()
		WHERE id = $1`, configID, at)
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return webhook.ErrConfigNotFound
	}
	return nil
}

func (s *Store) RecordConfigFailure(ctx context.Context, configID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_configs
		SET failure_count = failure_count + 1, updated_at = now()
		WHERE id = $1`, configID)
	if err != nil {
		return fmt.Errorf("record config failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return webhook.ErrConfigNotFound
	}
	return nil
}

const eventColumns = `id, config_id, type, document_id, document_class, payload, status,
	attempts, next_attempt_after, last_attempted_at, last_error, created_at, updated_at`

func scanEvent(row pgx.Row) (*webhook.Event, error) {
	var e webhook.Event
	var status string
	err := row.Scan(&e.ID, &e.ConfigID, &e.Type, &e.DocumentID, &e.DocumentClass,
		&e.Payload, &status, &e.Attempts, &e.NextAttemptAfter, &e.LastAttemptedAt,
		&e.LastError, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Status = webhook.Status(status)
	return &e, nil
}

func (s *Store) CreateEvent(ctx context.Context, event *webhook.Event) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_events
			(id, config_id, type, document_id, document_class, payload, status,
			 attempts, next_attempt_after, last_attempted_at, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())`,
		event.ID, event.ConfigID, event.Type, event.DocumentID, event.DocumentClass,
		event.Payload, string(event.Status), event.Attempts, event.NextAttemptAfter,
		event.LastAttemptedAt, event.LastError)
	if err != nil {
		return fmt.Errorf("create event: %w", err)
	}
	return nil
}

func (s *Store) GetEvent(ctx context.Context, id uuid.UUID) (*webhook.Event, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM webhook_events WHERE id = $1`, id)
	event, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, webhook.ErrEventNotFound
		}
		return nil, fmt.Errorf("find event: %w", err)
	}
	return event, nil
}

func (s *Store) UpdateEvent(ctx context.Context, id uuid.UUID, update webhook.EventUpdate) error {
	var status *string
	if update.Status != nil {
		v := string(*update.Status)
		status = &v
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_events SET
			status = COALESCE($2, status),
			attempts = COALESCE($3, attempts),
			next_attempt_after = COALESCE($4, next_attempt_after),
			last_attempted_at = COALESCE($5, last_attempted_at),
			last_error = COALESCE($6, last_error),
			updated_at = now()
		WHERE id = $1`,
		id, status, update.Attempts, update.NextAttemptAfter,
		update.LastAttemptedAt, update.LastError)
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return webhook.ErrEventNotFound
	}
	return nil
}

// ClaimEvent atomically flips a claimable event to processing. The condition
// admits pending events and processing events whose claim has gone stale;
// losing the race simply means another processor matched first.
func (s *Store) ClaimEvent(ctx context.Context, id uuid.UUID, now time.Time, staleAfter time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_events
		SET status = 'processing', updated_at = $2
		WHERE id = $1
		  AND (status = 'pending' OR (status = 'processing' AND updated_at < $3))`,
		id, now, now.Add(-staleAfter))
	if err != nil {
		return false, fmt.Errorf("claim event: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) DueEvents(ctx context.Context, now time.Time, limit int) ([]webhook.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM webhook_events
		WHERE status IN ('pending', 'processing') AND next_attempt_after <= $1
		ORDER BY updated_at ASC`
	args := []any{now}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query due events: %w", err)
	}
	defer rows.Close()

	var out []webhook.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due events: %w", err)
	}
	return out, nil
}

func (s *Store) ListEvents(ctx context.Context, status webhook.Status, limit int) ([]webhook.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM webhook_events
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []webhook.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func (s *Store) CreateAttempt(ctx context.Context, attempt *webhook.DeliveryAttempt) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_attempts
			(id, event_id, number, timestamp, http_status, response_time_ms,
			 success, error, request_headers, response_headers, response_body)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		attempt.ID, attempt.EventID, attempt.Number, attempt.Timestamp,
		attempt.HTTPStatus, attempt.ResponseTime.Milliseconds(), attempt.Success,
		attempt.Error, attempt.RequestHeaders, attempt.ResponseHeaders,
		attempt.ResponseBody)
	if err != nil {
		return fmt.Errorf("create attempt: %w", err)
	}
	return nil
}

func (s *Store) ListAttempts(ctx context.Context, eventID uuid.UUID, limit int) ([]webhook.DeliveryAttempt, error) {
	query := `SELECT id, event_id, number, timestamp, http_status, response_time_ms,
			success, error, request_headers, response_headers, response_body
		FROM webhook_attempts WHERE event_id = $1 ORDER BY number ASC`
	args := []any{eventID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []webhook.DeliveryAttempt
	for rows.Next() {
		var a webhook.DeliveryAttempt
		var responseTimeMS int64
		err := rows.Scan(&a.ID, &a.EventID, &a.Number, &a.Timestamp, &a.HTTPStatus,
			&responseTimeMS, &a.Success, &a.Error, &a.RequestHeaders,
			&a.ResponseHeaders, &a.ResponseBody)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.ResponseTime = time.Duration(responseTimeMS) * time.Millisecond
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return out, nil
}

var _ webhook.Store = (*Store)(nil)
