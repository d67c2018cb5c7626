package lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// leasePollInterval is how often a waiting MemoryLease rechecks the registry.
const leasePollInterval = 20 * time.Millisecond

// Registry tracks in-process leases by name.
type Registry struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewRegistry creates an empty lease registry.
func NewRegistry() *Registry {
	return &Registry{held: make(map[string]bool)}
}

// Held reports whether name is currently leased.
func (r *Registry) Held(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.held[name]
}

func (r *Registry) tryTake(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.held[name] {
		return false
	}
	r.held[name] = true
	return true
}

func (r *Registry) drop(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.held, name)
}

// MemoryLease is a Lease scoped to one process, used when the cursor store
// is in memory.
type MemoryLease struct {
	registry *Registry
	name     string
	timeout  time.Duration
	held     bool
}

// NewMemoryLease creates a lease for tableID in registry.
func NewMemoryLease(registry *Registry, tableID string, timeoutSeconds int) *MemoryLease {
	return &MemoryLease{
		registry: registry,
		name:     TableLockName(tableID),
		timeout:  time.Duration(timeoutSeconds) * time.Second,
	}
}

func (m *MemoryLease) Name() string { return m.name }

// Acquire waits up to the timeout for the lease.
func (m *MemoryLease) Acquire(ctx context.Context) error {
	if m.held {
		return nil
	}

	deadline := time.Now().Add(m.timeout)
	for {
		if m.registry.tryTake(m.name) {
			m.held = true
			return nil
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w: %q", ErrLeaseHeld, m.name)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(leasePollInterval):
		}
	}
}

// Release frees the lease. Releasing a lease that is not held is a no-op.
func (m *MemoryLease) Release(ctx context.Context) error {
	if !m.held {
		return nil
	}
	m.held = false
	m.registry.drop(m.name)
	return nil
}
