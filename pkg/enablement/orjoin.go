package enablement

import (
	"github.com/wehubfusion/Daedalus/pkg/marking"
	"github.com/wehubfusion/Daedalus/pkg/model"
)

// orJoinEnabled decides enablement of an OR-join task.
//
// Rule: the join is enabled iff (a) at least one of its input conditions
// holds a token, and (b) no marking reachable from the current one via
// firings that do not pass through this join can place a token on an input
// condition that is currently unmarked. Rule (b) prevents premature firing
// (consuming a partial set of tokens while more are still on their way)
// without blocking forever on branches that structurally cannot fire again.
//
// The check is a breadth-first exploration of the restricted net's state
// space, deduplicated by marking hash so cyclic nets reach a fixed point.
// The exploration is bounded by maxStates; hitting the bound is treated as
// "cannot determine", which blocks the join rather than enabling it.
//
// Within the search, split and join routing is approximated structurally
// (predicates cannot be evaluated against future data):
//   - XOR joins branch once per marked input; XOR splits branch once per
//     output flow.
//   - other OR-joins fire optimistically, consuming every marked input.
//   - OR splits branch once per single output and once for all outputs,
//     which covers both per-condition token arrival and downstream
//     AND-join enablement.
//   - cancellation sets are applied on firing, as in real execution.
func (e *Evaluator) orJoinEnabled(net *model.Net, joinID string, m *marking.Marking) (enabled bool, explored int, converged bool) {
	inputs := net.InputConditions(joinID)

	var unmarked []string
	anyMarked := false
	for _, cond := range inputs {
		if m.IsMarked(cond) {
			anyMarked = true
		} else {
			unmarked = append(unmarked, cond)
		}
	}
	if !anyMarked {
		return false, 0, true
	}
	// Every input marked: the join degenerates to an AND-join.
	if len(unmarked) == 0 {
		return true, 0, true
	}

	waitFor := make(map[string]bool, len(unmarked))
	for _, cond := range unmarked {
		waitFor[cond] = true
	}

	visited := map[string]bool{m.Hash(): true}
	queue := []*marking.Marking{m.Copy()}

	for len(queue) > 0 {
		if len(visited) > e.maxStates {
			return false, len(visited), false
		}
		current := queue[0]
		queue = queue[1:]

		for _, next := range successors(net, joinID, current) {
			for cond := range waitFor {
				if next.IsMarked(cond) {
					// A token can still arrive on an unmarked
					// input: the join must wait.
					return false, len(visited), true
				}
			}
			h := next.Hash()
			if !visited[h] {
				visited[h] = true
				queue = append(queue, next)
			}
		}
	}

	// Fixed point reached: no unmarked input can ever receive a token.
	return true, len(visited), true
}

// successors generates the markings reachable in one step of the restricted
// net (all firings except joinID itself). Busy tasks contribute completion
// steps; quiescent tasks contribute atomic fire-and-complete steps.
func successors(net *model.Net, joinID string, m *marking.Marking) []*marking.Marking {
	var out []*marking.Marking

	for taskID := range net.Tasks {
		task := net.Tasks[taskID]

		if m.IsBusy(taskID) {
			base := m.Copy()
			delete(base.Busy, taskID)
			out = append(out, produceVariants(net, task, base)...)
			continue
		}
		if taskID == joinID {
			continue
		}
		for _, consumed := range consumeVariants(net, task, m) {
			applyCancellation(net, task, consumed)
			out = append(out, produceVariants(net, task, consumed)...)
		}
	}
	return out
}

// consumeVariants returns the markings that result from consuming the task's
// input tokens, one variant per structural join choice. Empty when the task
// cannot fire under m.
func consumeVariants(net *model.Net, task *model.Task, m *marking.Marking) []*marking.Marking {
	inputs := net.InputConditions(task.ID)

	switch joinType(task) {
	case model.GateXOR:
		var out []*marking.Marking
		for _, cond := range inputs {
			if m.IsMarked(cond) {
				out = append(out, removeTokens(m, []string{cond}))
			}
		}
		return out
	case model.GateOR:
		var markedInputs []string
		for _, cond := range inputs {
			if m.IsMarked(cond) {
				markedInputs = append(markedInputs, cond)
			}
		}
		if len(markedInputs) == 0 {
			return nil
		}
		return []*marking.Marking{removeTokens(m, markedInputs)}
	default: // AND
		for _, cond := range inputs {
			if !m.IsMarked(cond) {
				return nil
			}
		}
		if len(inputs) == 0 {
			return nil
		}
		return []*marking.Marking{removeTokens(m, inputs)}
	}
}

// produceVariants returns the markings that result from the task producing
// its output tokens, one variant per structural split choice.
func produceVariants(net *model.Net, task *model.Task, m *marking.Marking) []*marking.Marking {
	outputs := net.OutputConditions(task.ID)
	if len(outputs) == 0 {
		return []*marking.Marking{m}
	}

	switch task.SplitType {
	case model.GateXOR:
		out := make([]*marking.Marking, 0, len(outputs))
		for _, cond := range outputs {
			out = append(out, addTokens(m, []string{cond}))
		}
		return out
	case model.GateOR:
		out := make([]*marking.Marking, 0, len(outputs)+1)
		for _, cond := range outputs {
			out = append(out, addTokens(m, []string{cond}))
		}
		if len(outputs) > 1 {
			out = append(out, addTokens(m, outputs))
		}
		return out
	default: // AND or NONE
		return []*marking.Marking{addTokens(m, outputs)}
	}
}

// applyCancellation removes, in place, all tokens and busy flags of the
// nodes in the task's cancellation set.
func applyCancellation(net *model.Net, task *model.Task, m *marking.Marking) {
	for _, ref := range task.CancellationSet {
		if _, ok := net.Conditions[ref]; ok {
			delete(m.Tokens, ref)
		}
		if _, ok := net.Tasks[ref]; ok {
			delete(m.Busy, ref)
		}
	}
}

func removeTokens(m *marking.Marking, conditions []string) *marking.Marking {
	out := m.Copy()
	for _, cond := range conditions {
		if out.Tokens[cond] > 1 {
			out.Tokens[cond]--
		} else {
			delete(out.Tokens, cond)
		}
	}
	return out
}

func addTokens(m *marking.Marking, conditions []string) *marking.Marking {
	out := m.Copy()
	for _, cond := range conditions {
		out.Tokens[cond]++
	}
	return out
}
