// Package persistence provides the durable delta log behind every case.
// A store must append deltas durably before returning, preserve per-case
// append order, and support idempotent replay; relational, log-structured
// and in-memory implementations all qualify. Appends from different cases
// carry no mutual ordering requirement.
package persistence

import (
	"context"
	"errors"

	"github.com/wehubfusion/Daedalus/pkg/marking"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("persistence store is closed")

// Store is the transactional append-only contract the case runner relies on.
// AppendDelta must not return nil unless the delta is durable: the runner
// acknowledges no transition before the append confirms.
type Store interface {
	// AppendDelta durably records a delta for the case, assigns its
	// per-case sequence number, and returns only after the write is
	// confirmed. Deltas of one case never interleave out of order.
	AppendDelta(ctx context.Context, delta *marking.Delta) error

	// ReadDeltas returns every delta recorded for the case, in the order
	// they were appended.
	ReadDeltas(ctx context.Context, caseID string) ([]*marking.Delta, error)

	// CaseIDs lists every case with at least one recorded delta.
	CaseIDs(ctx context.Context) ([]string, error)

	// DeleteCase removes a case's delta log, used after the case history
	// has been archived.
	DeleteCase(ctx context.Context, caseID string) error

	// Close releases store resources.
	Close() error
}
