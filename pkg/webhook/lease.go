package webhook

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventLease prevents two processor instances from racing on the same event.
// The store's conditional claim already protects a single process; a lease
// adds the cross-instance guard required for distributed deployments.
type EventLease interface {
	// Acquire takes the lease for an event. Returns false when another
	// holder owns it.
	Acquire(ctx context.Context, eventID uuid.UUID, ttl time.Duration) (bool, error)

	// Release gives the lease back. Expired leases release themselves.
	Release(ctx context.Context, eventID uuid.UUID) error
}

// MemoryLease implements EventLease in process memory. Sufficient for a
// single-instance processor; use a shared backend for multiple instances.
type MemoryLease struct {
	mu     sync.Mutex
	leases map[uuid.UUID]time.Time
}

// NewMemoryLease creates an empty in-process lease table.
func NewMemoryLease() *MemoryLease {
	return &MemoryLease{
		leases: make(map[uuid.UUID]time.Time),
	}
}

func (ml *MemoryLease) Acquire(ctx context.Context, eventID uuid.UUID, ttl time.Duration) (bool, error) {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	if until, ok := ml.leases[eventID]; ok && until.After(time.Now()) {
		return false, nil
	}
	ml.leases[eventID] = time.Now().Add(ttl)
	return true, nil
}

func (ml *MemoryLease) Release(ctx context.Context, eventID uuid.UUID) error {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	delete(ml.leases, eventID)
	return nil
}
