package webhook_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dmitrymomot/hookrelay/pkg/webhook"
)

func TestStatus_Terminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status   webhook.Status
		terminal bool
	}{
		{webhook.StatusPending, false},
		{webhook.StatusProcessing, false},
		{webhook.StatusDelivered, true},
		{webhook.StatusFailed, true},
		{webhook.StatusDeadLetter, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.terminal, tt.status.Terminal())
		})
	}
}

func TestConfig_Effective(t *testing.T) {
	t.Parallel()

	t.Run("defaults when unset", func(t *testing.T) {
		t.Parallel()
		cfg := &webhook.Config{}
		assert.Equal(t, webhook.DefaultTimeout, cfg.EffectiveTimeout())
		assert.Equal(t, webhook.DefaultRetryAttempts, cfg.EffectiveRetryAttempts())
	})

	t.Run("configured values win", func(t *testing.T) {
		t.Parallel()
		cfg := &webhook.Config{
			Timeout:       5 * time.Second,
			RetryAttempts: 7,
		}
		assert.Equal(t, 5*time.Second, cfg.EffectiveTimeout())
		assert.Equal(t, 7, cfg.EffectiveRetryAttempts())
	})
}

func TestConfig_Subscribed(t *testing.T) {
	t.Parallel()

	cfg := &webhook.Config{Events: []string{"issue.created", "issue.updated"}}

	assert.True(t, cfg.Subscribed("issue.created"))
	assert.True(t, cfg.Subscribed("issue.updated"))
	assert.False(t, cfg.Subscribed("issue.deleted"))
	assert.False(t, (&webhook.Config{}).Subscribed("issue.created"))
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		url     string
		wantErr error
	}{
		{"https", "https://example.com/hooks", nil},
		{"http", "http://localhost:8080/hooks", nil},
		{"empty", "", webhook.ErrInvalidURL},
		{"no scheme", "example.com/hooks", webhook.ErrInvalidURL},
		{"wrong scheme", "ftp://example.com/hooks", webhook.ErrInvalidURL},
		{"no host", "https://", webhook.ErrInvalidURL},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := (&webhook.Config{URL: tt.url}).Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}
