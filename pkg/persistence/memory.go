package persistence

import (
	"context"
	"sort"
	"sync"

	"github.com/wehubfusion/Daedalus/pkg/marking"
)

// MemoryStore is an in-process Store used by tests and single-run tooling.
// It honours the full contract (per-case ordering, sequence assignment)
// without durability.
type MemoryStore struct {
	mu     sync.Mutex
	logs   map[string][]*marking.Delta
	closed bool

	// FailAppends makes every AppendDelta fail; tests use it to exercise
	// persistence-failure rollback.
	FailAppends error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[string][]*marking.Delta)}
}

// AppendDelta records the delta and assigns its per-case sequence number.
func (s *MemoryStore) AppendDelta(_ context.Context, delta *marking.Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.FailAppends != nil {
		return s.FailAppends
	}
	// Sequence numbers are 1-based, matching the SQLite store.
	delta.Seq = int64(len(s.logs[delta.CaseID])) + 1
	s.logs[delta.CaseID] = append(s.logs[delta.CaseID], delta)
	return nil
}

// ReadDeltas returns the case's deltas in append order.
func (s *MemoryStore) ReadDeltas(_ context.Context, caseID string) ([]*marking.Delta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]*marking.Delta, len(s.logs[caseID]))
	copy(out, s.logs[caseID])
	return out, nil
}

// CaseIDs lists cases with recorded deltas, sorted.
func (s *MemoryStore) CaseIDs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]string, 0, len(s.logs))
	for id := range s.logs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// DeleteCase drops a case's delta log.
func (s *MemoryStore) DeleteCase(_ context.Context, caseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.logs, caseID)
	return nil
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ Store = (*MemoryStore)(nil)
