package webhook

import "sync"

// CircuitManager owns the set of circuit breakers keyed by endpoint URL.
// Breakers are created lazily on first use; multiple configs pointing at the
// same URL share breaker state, since the URL is the real failure domain.
//
// The manager is an explicit instance owned by the delivery service rather
// than ambient package state, so its lifecycle matches the service's.
type CircuitManager struct {
	mu       sync.RWMutex
	circuits map[string]*CircuitBreaker
}

// NewCircuitManager creates an empty manager.
func NewCircuitManager() *CircuitManager {
	return &CircuitManager{
		circuits: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for the URL, creating one with the given config if
// absent. Concurrent callers for the same URL always receive the same
// instance; the config only applies on first creation.
func (m *CircuitManager) Get(url string, cfg CircuitConfig) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.circuits[url]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Re-check under the write lock to avoid duplicate breaker creation.
	if cb, ok := m.circuits[url]; ok {
		return cb
	}

	cb = NewCircuitBreaker(cfg)
	m.circuits[url] = cb
	return cb
}

// Lookup returns the breaker for the URL without creating one.
func (m *CircuitManager) Lookup(url string) (*CircuitBreaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cb, ok := m.circuits[url]
	return cb, ok
}

// All returns a snapshot of the breakers keyed by URL.
func (m *CircuitManager) All() map[string]*CircuitBreaker {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]*CircuitBreaker, len(m.circuits))
	for url, cb := range m.circuits {
		out[url] = cb
	}
	return out
}

// HealthStatus returns per-endpoint metrics for observability.
func (m *CircuitManager) HealthStatus() map[string]CircuitMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]CircuitMetrics, len(m.circuits))
	for url, cb := range m.circuits {
		out[url] = cb.Metrics()
	}
	return out
}

// Destroy releases all breakers. The breakers hold no background timers
// (half-open probing is a lazy time check), so this only drops the map.
func (m *CircuitManager) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.circuits = make(map[string]*CircuitBreaker)
}
