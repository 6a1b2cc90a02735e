package enrich

import (
	"context"
	"sync"

	"github.com/factline/factline/pkg/types"
)

// MemoryAssignmentStore is an in-memory AssignmentStore for development and
// testing. It can simulate slow or unavailable lookups.
type MemoryAssignmentStore struct {
	mu          sync.RWMutex
	assignments map[assignmentKey]types.AssignmentContext

	// Err, when set, is returned by every Get to simulate an
	// unavailable store.
	Err error

	// Block, when set, makes Get wait for context cancellation to
	// simulate a lookup timeout.
	Block bool
}

type assignmentKey struct {
	subjectID string
	scopeID   string
}

// NewMemoryAssignmentStore creates an empty in-memory store.
func NewMemoryAssignmentStore() *MemoryAssignmentStore {
	return &MemoryAssignmentStore{
		assignments: make(map[assignmentKey]types.AssignmentContext),
	}
}

// Put records an assignment.
func (m *MemoryAssignmentStore) Put(subjectID, scopeID string, assignment types.AssignmentContext) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignments[assignmentKey{subjectID, scopeID}] = assignment
}

// Get returns the assignment for the subject/scope pair.
func (m *MemoryAssignmentStore) Get(ctx context.Context, subjectID, scopeID string) (*types.AssignmentContext, error) {
	if m.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if m.Err != nil {
		return nil, m.Err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	assignment, ok := m.assignments[assignmentKey{subjectID, scopeID}]
	if !ok {
		return nil, ErrAssignmentNotFound
	}
	cp := assignment
	return &cp, nil
}
