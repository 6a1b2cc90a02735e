package aggregate

import (
	"context"
	"sync"

	"github.com/factline/factline/pkg/types"
)

// MemoryStore is an in-memory Store for development and testing. It honors
// the same idempotency and conditional-write contract as the SQLite store
// and can inject conflicts and unavailability for retry-path tests.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*memCounter

	// conflictsLeft makes the next n writes fail with ErrConflict.
	conflictsLeft int

	// unavailableLeft makes the next n writes fail with ErrUnavailable.
	unavailableLeft int
}

type memCounter struct {
	total   float64
	version int64
	members map[string]struct{}
	applied map[appliedKey]struct{}
}

type appliedKey struct {
	op       string
	identity string
}

// NewMemoryStore creates an empty in-memory aggregation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[string]*memCounter)}
}

// FailConflicts makes the next n writes return ErrConflict.
func (m *MemoryStore) FailConflicts(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflictsLeft = n
}

// FailUnavailable makes the next n writes return ErrUnavailable.
func (m *MemoryStore) FailUnavailable(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailableLeft = n
}

// Increment adds delta to the counter at key, idempotent per identity.
func (m *MemoryStore) Increment(ctx context.Context, key types.AggregationKey, delta float64, identity string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.injectedFailure(); err != nil {
		return err
	}

	c := m.counter(key.String())
	ak := appliedKey{op: "increment", identity: identity}
	if _, done := c.applied[ak]; done {
		// Repeat apply for the same identity is a no-op success.
		return nil
	}

	c.total += delta
	c.version++
	c.applied[ak] = struct{}{}
	return nil
}

// AddMember adds the subject to the unique-member set at key, idempotent
// per identity.
func (m *MemoryStore) AddMember(ctx context.Context, key types.AggregationKey, member, identity string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.injectedFailure(); err != nil {
		return err
	}

	c := m.counter(key.String())
	ak := appliedKey{op: "member", identity: identity}
	if _, done := c.applied[ak]; done {
		return nil
	}

	c.members[member] = struct{}{}
	c.version++
	c.applied[ak] = struct{}{}
	return nil
}

// ReadCounter returns the counter state for key.
func (m *MemoryStore) ReadCounter(ctx context.Context, key types.AggregationKey) (*types.AggregateCounter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counters[key.String()]
	if !ok {
		return &types.AggregateCounter{Key: key}, nil
	}
	return &types.AggregateCounter{
		Key:           key,
		Total:         c.total,
		UniqueMembers: int64(len(c.members)),
		Version:       c.version,
	}, nil
}

func (m *MemoryStore) counter(key string) *memCounter {
	c, ok := m.counters[key]
	if !ok {
		c = &memCounter{
			members: make(map[string]struct{}),
			applied: make(map[appliedKey]struct{}),
		}
		m.counters[key] = c
	}
	return c
}

func (m *MemoryStore) injectedFailure() error {
	if m.unavailableLeft > 0 {
		m.unavailableLeft--
		return ErrUnavailable
	}
	if m.conflictsLeft > 0 {
		m.conflictsLeft--
		return ErrConflict
	}
	return nil
}
