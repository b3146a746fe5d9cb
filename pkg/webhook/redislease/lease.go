// Package redislease implements the webhook.EventLease interface on Redis,
// giving multiple processor instances a shared claim guard. Leases are plain
// SET NX PX keys holding an owner token; release is a compare-and-delete Lua
// script so one instance can never drop another instance's lease.
package redislease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/hookrelay/pkg/webhook"
)

var (
	ErrFailedToParseConnString = errors.New("failed to parse redis connection string")
	ErrRedisNotReady           = errors.New("redis did not become ready within the given time period")
	ErrHealthcheckFailed       = errors.New("redis healthcheck failed")
)

// Config represents the configuration for the Redis connection.
type Config struct {
	ConnectionURL  string        `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"` // ConnectionURL should be in the format "redis://:password@localhost:6379/0"
	RetryAttempts  int           `env:"REDIS_RETRY_ATTEMPTS" envDefault:"3"`             // RetryAttempts is the number of retry attempts to connect.
	RetryInterval  time.Duration `env:"REDIS_RETRY_INTERVAL" envDefault:"5s"`            // RetryInterval is the interval between retry attempts.
	ConnectTimeout time.Duration `env:"REDIS_CONNECT_TIMEOUT" envDefault:"30s"`          // ConnectTimeout bounds the whole connect loop.
	KeyPrefix      string        `env:"REDIS_LEASE_PREFIX" envDefault:"hookrelay:lease"` // KeyPrefix namespaces the lease keys.
}

// Connect establishes a connection to a Redis server, retrying until the
// server answers a ping or the retry budget runs out.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	opt, err := redis.ParseURL(cfg.ConnectionURL)
	if err != nil {
		return nil, errors.Join(ErrFailedToParseConnString, err)
	}

	for range cfg.RetryAttempts {
		client := redis.NewClient(opt)
		if err := client.Ping(ctx).Err(); err == nil {
			return client, nil
		}
		_ = client.Close()

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrRedisNotReady, ctx.Err())
		case <-time.After(cfg.RetryInterval):
		}
	}

	return nil, ErrRedisNotReady
}

// Healthcheck returns a probe function suitable for readiness endpoints.
func Healthcheck(client redis.UniversalClient) func(context.Context) error {
	return func(ctx context.Context) error {
		if _, err := client.Ping(ctx).Result(); err != nil {
			return errors.Join(ErrHealthcheckFailed, err)
		}
		return nil
	}
}

// releaseScript deletes the lease only when this instance still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease implements webhook.EventLease on Redis.
type Lease struct {
	client redis.UniversalClient
	prefix string
	owner  string
}

// New creates a lease backed by the given Redis client. Each Lease instance
// carries its own owner token; leases acquired by one instance are invisible
// to Release calls from another.
func New(client redis.UniversalClient, prefix string) *Lease {
	if prefix == "" {
		prefix = "hookrelay:lease"
	}
	return &Lease{
		client: client,
		prefix: prefix,
		owner:  uuid.NewString(),
	}
}

func (l *Lease) key(eventID uuid.UUID) string {
	return fmt.Sprintf("%s:%s", l.prefix, eventID)
}

func (l *Lease) Acquire(ctx context.Context, eventID uuid.UUID, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(eventID), l.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return ok, nil
}

func (l *Lease) Release(ctx context.Context, eventID uuid.UUID) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key(eventID)}, l.owner).Err(); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

var _ webhook.EventLease = (*Lease)(nil)
