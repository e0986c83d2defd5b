// Package enablement computes which tasks of a net are enabled under a given
// marking, including the non-local reachability analysis required for
// OR-joins, and resolves split routing when an enabled task fires.
package enablement

import (
	"sort"

	"github.com/wehubfusion/Daedalus/pkg/marking"
	"github.com/wehubfusion/Daedalus/pkg/model"
)

// DefaultMaxStates bounds the OR-join reachability search. The value follows
// the default state budget of comparable Petri net analyzers; raise it via
// WithMaxStates (or DAEDALUS_ORJOIN_MAX_STATES at the engine level) for nets
// with very wide parallelism.
const DefaultMaxStates = 10000

// Evaluator decides task enablement. It is a pure computation over
// (net, marking): no side effects, no I/O, deterministic output. Callers must
// re-evaluate after every marking mutation.
type Evaluator struct {
	maxStates int
}

// NewEvaluator creates an evaluator with the default OR-join search bound.
func NewEvaluator() *Evaluator {
	return &Evaluator{maxStates: DefaultMaxStates}
}

// WithMaxStates sets the OR-join reachability state bound.
func (e *Evaluator) WithMaxStates(max int) *Evaluator {
	if max > 0 {
		e.maxStates = max
	}
	return e
}

// Result is the outcome of one evaluation pass.
type Result struct {
	// Enabled lists enabled task ids in sorted order.
	Enabled []string

	// Unresolved lists OR-join tasks whose reachability analysis hit the
	// state bound. They are NOT enabled: non-convergence blocks the join
	// rather than firing it.
	Unresolved []string

	// StatesExplored records, per analyzed OR-join, how many markings the
	// search visited. Used for observability reporting.
	StatesExplored map[string]int
}

// IsEnabled reports whether the given task is in the enabled set.
func (r Result) IsEnabled(taskID string) bool {
	for _, id := range r.Enabled {
		if id == taskID {
			return true
		}
	}
	return false
}

// Evaluate returns the set of tasks enabled under m.
func (e *Evaluator) Evaluate(net *model.Net, m *marking.Marking) Result {
	res := Result{StatesExplored: make(map[string]int)}

	taskIDs := make([]string, 0, len(net.Tasks))
	for id := range net.Tasks {
		taskIDs = append(taskIDs, id)
	}
	sort.Strings(taskIDs)

	for _, id := range taskIDs {
		task := net.Tasks[id]
		// A busy task has already consumed its input tokens; it cannot
		// be enabled again until its work items complete.
		if m.IsBusy(id) {
			continue
		}
		switch joinType(task) {
		case model.GateAND:
			if andJoinEnabled(net, id, m) {
				res.Enabled = append(res.Enabled, id)
			}
		case model.GateXOR:
			if xorJoinEnabled(net, id, m) {
				res.Enabled = append(res.Enabled, id)
			}
		case model.GateOR:
			enabled, explored, converged := e.orJoinEnabled(net, id, m)
			res.StatesExplored[id] = explored
			if !converged {
				res.Unresolved = append(res.Unresolved, id)
				continue
			}
			if enabled {
				res.Enabled = append(res.Enabled, id)
			}
		}
	}
	return res
}

// joinType normalizes NONE to AND: a task without join gating has a single
// input flow, and the AND rule over one input is exactly "that input is
// marked".
func joinType(t *model.Task) model.GateType {
	switch t.JoinType {
	case model.GateXOR:
		return model.GateXOR
	case model.GateOR:
		return model.GateOR
	default:
		return model.GateAND
	}
}

// andJoinEnabled: every input condition holds at least one token.
func andJoinEnabled(net *model.Net, taskID string, m *marking.Marking) bool {
	inputs := net.InputConditions(taskID)
	for _, cond := range inputs {
		if !m.IsMarked(cond) {
			return false
		}
	}
	return len(inputs) > 0
}

// xorJoinEnabled: exactly one input condition holds a token. Mutual
// exclusivity of the inputs is structurally guaranteed upstream; a marking
// with several marked inputs indicates an unsound net, and the join stays
// disabled rather than guessing.
func xorJoinEnabled(net *model.Net, taskID string, m *marking.Marking) bool {
	markedCount := 0
	for _, cond := range net.InputConditions(taskID) {
		if m.IsMarked(cond) {
			markedCount++
		}
	}
	return markedCount == 1
}
