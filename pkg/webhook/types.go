package webhook

import (
	"encoding/json"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// PayloadVersion is the wire format version sent in the payload metadata.
const PayloadVersion = "1.0"

// Status represents the delivery lifecycle state of an event.
type Status string

const (
	// StatusPending means the event is awaiting its next delivery attempt.
	StatusPending Status = "pending"
	// StatusProcessing means a delivery attempt is in flight.
	StatusProcessing Status = "processing"
	// StatusDelivered means the event was accepted by the endpoint. Terminal.
	StatusDelivered Status = "delivered"
	// StatusFailed means the event failed for a non-retriable configuration
	// reason (config deleted or disabled). Terminal.
	StatusFailed Status = "failed"
	// StatusDeadLetter means the retry budget is exhausted. Terminal.
	StatusDeadLetter Status = "dead_letter"
)

// Terminal reports whether the status permits no further processing.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed || s == StatusDeadLetter
}

// Filters narrows which change events a subscriber receives. Every non-empty
// set must match for the change to pass.
type Filters struct {
	Projects   []string `json:"projects,omitempty"`
	Statuses   []string `json:"statuses,omitempty"`
	Priorities []string `json:"priorities,omitempty"`
	Assignees  []string `json:"assignees,omitempty"`
	Components []string `json:"components,omitempty"`
	Milestones []string `json:"milestones,omitempty"`
}

// Config is a subscriber registration. It is managed externally; the delivery
// engine treats it as read-only apart from the delivery counters.
type Config struct {
	ID      uuid.UUID `json:"id"`
	URL     string    `json:"url"`
	Secret  string    `json:"-"` // never exposed in listings
	Enabled bool      `json:"enabled"`
	Events  []string  `json:"events"`
	Headers map[string]string `json:"headers,omitempty"`

	// Timeout bounds a single delivery attempt. Zero means DefaultTimeout.
	Timeout time.Duration `json:"timeout"`
	// RetryAttempts is the event retry budget. Zero means DefaultRetryAttempts.
	RetryAttempts int `json:"retry_attempts"`

	Filters *Filters `json:"filters,omitempty"`

	DeliveryCount int64      `json:"delivery_count"`
	FailureCount  int64      `json:"failure_count"`
	LastDelivery  *time.Time `json:"last_delivery,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Defaults applied when a config leaves a knob unset.
const (
	DefaultTimeout       = 30 * time.Second
	DefaultRetryAttempts = 3
)

// EffectiveTimeout returns the configured attempt timeout or the default.
func (c *Config) EffectiveTimeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

// EffectiveRetryAttempts returns the configured retry budget or the default.
func (c *Config) EffectiveRetryAttempts() int {
	if c.RetryAttempts > 0 {
		return c.RetryAttempts
	}
	return DefaultRetryAttempts
}

// Validate checks the config points at a deliverable http(s) endpoint.
func (c *Config) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ErrInvalidURL
	}
	return nil
}

// Subscribed reports whether the config subscribes to the given event type.
func (c *Config) Subscribed(eventType string) bool {
	for _, e := range c.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// Event is one occurrence of a subscribed change, bound to exactly one config.
type Event struct {
	ID            uuid.UUID `json:"id"`
	ConfigID      uuid.UUID `json:"config_id"`
	Type          string    `json:"type"`
	DocumentID    string    `json:"document_id"`
	DocumentClass string    `json:"document_class"`

	// Payload is the serialized wire envelope POSTed to the endpoint.
	Payload json.RawMessage `json:"payload"`

	Status           Status     `json:"status"`
	Attempts         int        `json:"attempts"`
	NextAttemptAfter time.Time  `json:"next_attempt_after"`
	LastAttemptedAt  *time.Time `json:"last_attempted_at,omitempty"`
	LastError        string     `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeliveryAttempt is an immutable audit record of one HTTP attempt.
type DeliveryAttempt struct {
	ID      uuid.UUID `json:"id"`
	EventID uuid.UUID `json:"event_id"`
	// Number is 1-based within the owning event.
	Number    int       `json:"number"`
	Timestamp time.Time `json:"timestamp"`

	// HTTPStatus is zero when the attempt failed before receiving a response.
	HTTPStatus   int           `json:"http_status,omitempty"`
	ResponseTime time.Duration `json:"response_time"`
	Success      bool          `json:"success"`
	Error        string        `json:"error,omitempty"`

	RequestHeaders  map[string]string `json:"request_headers,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	ResponseBody    string            `json:"response_body,omitempty"`
}

// Actor identifies who made the change that produced an event.
type Actor struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// FieldChange describes a single field-level modification.
type FieldChange struct {
	Field    string `json:"field"`
	OldValue any    `json:"old_value,omitempty"`
	NewValue any    `json:"new_value,omitempty"`
}

// Payload is the JSON body of the outbound POST.
type Payload struct {
	Event    PayloadEvent    `json:"event"`
	Data     PayloadData     `json:"data"`
	Metadata PayloadMetadata `json:"metadata"`
}

// PayloadEvent identifies the occurrence being delivered.
type PayloadEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	// Timestamp is epoch milliseconds.
	Timestamp int64  `json:"timestamp"`
	Workspace string `json:"workspace"`
}

// PayloadData carries the changed document, the field diff, and the actor.
type PayloadData struct {
	Object  map[string]any `json:"object"`
	Changes []FieldChange  `json:"changes,omitempty"`
	Actor   Actor          `json:"actor"`
}

// PayloadMetadata carries versioning and the unique delivery identifier.
type PayloadMetadata struct {
	Version    string `json:"version"`
	DeliveryID string `json:"delivery_id"`
}

// TestResult is returned by Service.TestEndpoint for operator-triggered probes.
type TestResult struct {
	Success      bool          `json:"success"`
	ResponseTime time.Duration `json:"response_time"`
	HTTPStatus   int           `json:"http_status,omitempty"`
	Error        string        `json:"error,omitempty"`
}
