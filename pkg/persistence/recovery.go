package persistence

import (
	"context"
	"fmt"

	"github.com/wehubfusion/Daedalus/pkg/marking"
)

// RecoveredState is the exact pre-crash state of one case, rebuilt by
// replaying its delta log.
type RecoveredState struct {
	CaseID string

	// SpecID is the specification id recorded in the delta log.
	SpecID string

	Marking *marking.Marking

	// Items holds the last recorded snapshot of every work item, keyed by
	// work item id.
	Items map[string]marking.ItemSnapshot

	// Status is the last recorded case status (empty if none was recorded,
	// which indicates a truncated log).
	Status string

	// Data is the last recorded case data document.
	Data map[string]any

	// Replayed is how many deltas were applied.
	Replayed int
}

// Recover replays all persisted deltas for a case in append order and
// reconstructs its marking, work items and status. Replay is idempotent:
// deltas carry absolute values, so recovering the same log twice yields
// identical state. Delta application uses the same pure marking.Apply path
// as live execution.
func Recover(ctx context.Context, store Store, caseID string) (*RecoveredState, error) {
	deltas, err := store.ReadDeltas(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("read delta log for case %s: %w", caseID, err)
	}
	if len(deltas) == 0 {
		return nil, fmt.Errorf("no persisted state for case %s", caseID)
	}

	state := &RecoveredState{
		CaseID:  caseID,
		Marking: marking.New(),
		Items:   make(map[string]marking.ItemSnapshot),
	}
	for _, delta := range deltas {
		next, err := marking.Apply(state.Marking, delta)
		if err != nil {
			return nil, fmt.Errorf("replay delta %d for case %s: %w", delta.Seq, caseID, err)
		}
		state.Marking = next
		for _, snap := range delta.Items {
			state.Items[snap.ID] = snap
		}
		if delta.SpecID != "" {
			state.SpecID = delta.SpecID
		}
		if delta.CaseStatus != "" {
			state.Status = delta.CaseStatus
		}
		if delta.Data != nil {
			state.Data = delta.Data
		}
		state.Replayed++
	}
	return state, nil
}
