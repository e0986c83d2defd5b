package model

import (
	"fmt"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// Validate checks the structural invariants of the net and builds its
// adjacency lists. It must be called (successfully) exactly once before the
// net is registered with an engine; a net that fails validation never
// reaches a running case.
//
// Invariants checked:
//   - every flow endpoint references an existing condition or task
//   - every flow connects a condition to a task or a task to a condition
//   - every task has at least one input and one output flow
//   - exactly one designated input condition and one output condition exist,
//     the input condition has no incoming flows, the output none outgoing
//   - predicates appear only on flows leaving an XOR or OR split task
//   - multi-instance parameters satisfy 1 <= min <= max and
//     1 <= threshold <= max (a threshold below min is legal: the task
//     completes as soon as threshold instances finish)
//   - cancellation sets reference existing nodes
//   - the net graph is connected from the input condition
func (n *Net) Validate() error {
	if n.ID == "" {
		return sdkerrors.Structural("net id is empty", nil)
	}
	if len(n.Tasks) == 0 {
		return sdkerrors.Structural("net has no tasks", nil)
	}

	if _, ok := n.Conditions[n.InputCondition]; !ok {
		return sdkerrors.Structural(fmt.Sprintf("input condition %q is not defined", n.InputCondition), nil)
	}
	if _, ok := n.Conditions[n.OutputCondition]; !ok {
		return sdkerrors.Structural(fmt.Sprintf("output condition %q is not defined", n.OutputCondition), nil)
	}
	if n.InputCondition == n.OutputCondition {
		return sdkerrors.Structural("input and output condition must differ", nil)
	}

	n.inputFlows = make(map[string][]*Flow)
	n.outputFlows = make(map[string][]*Flow)

	for i, f := range n.Flows {
		_, fromCond := n.Conditions[f.From]
		_, fromTask := n.Tasks[f.From]
		_, toCond := n.Conditions[f.To]
		_, toTask := n.Tasks[f.To]

		if !fromCond && !fromTask {
			return sdkerrors.Structural(fmt.Sprintf("flow %d references unknown source %q", i, f.From), nil)
		}
		if !toCond && !toTask {
			return sdkerrors.Structural(fmt.Sprintf("flow %d references unknown target %q", i, f.To), nil)
		}
		// Arcs must alternate between conditions and tasks.
		if fromCond == toCond {
			return sdkerrors.Structural(fmt.Sprintf("flow %q -> %q does not connect a condition and a task", f.From, f.To), nil)
		}
		if f.Predicate != "" {
			if !fromTask {
				return sdkerrors.Structural(fmt.Sprintf("predicate on flow %q -> %q: predicates apply only to task output flows", f.From, f.To), nil)
			}
			split := gateOrNone(n.Tasks[f.From].SplitType)
			if split != GateXOR && split != GateOR {
				return sdkerrors.Structural(fmt.Sprintf("predicate on flow leaving task %q with %s split", f.From, split), nil)
			}
		}

		n.outputFlows[f.From] = append(n.outputFlows[f.From], f)
		n.inputFlows[f.To] = append(n.inputFlows[f.To], f)
	}

	if len(n.inputFlows[n.InputCondition]) != 0 {
		return sdkerrors.Structural("input condition must have no incoming flows", nil)
	}
	if len(n.outputFlows[n.OutputCondition]) != 0 {
		return sdkerrors.Structural("output condition must have no outgoing flows", nil)
	}

	for id, t := range n.Tasks {
		if id == "" {
			return sdkerrors.Structural("task with empty id", nil)
		}
		if len(n.inputFlows[id]) == 0 {
			return sdkerrors.Structural(fmt.Sprintf("task %q has no input flows", id), nil)
		}
		if len(n.outputFlows[id]) == 0 {
			return sdkerrors.Structural(fmt.Sprintf("task %q has no output flows", id), nil)
		}
		if err := validateGate(id, "split", t.SplitType); err != nil {
			return err
		}
		if err := validateGate(id, "join", t.JoinType); err != nil {
			return err
		}
		if t.MI != nil {
			if t.MI.Min < 1 || t.MI.Min > t.MI.Max || t.MI.Threshold < 1 || t.MI.Threshold > t.MI.Max {
				return sdkerrors.Structural(
					fmt.Sprintf("task %q multi-instance parameters must satisfy 1 <= min <= max and 1 <= threshold <= max, got min=%d threshold=%d max=%d",
						id, t.MI.Min, t.MI.Threshold, t.MI.Max), nil)
			}
			if t.MI.Mode != CreationStatic && t.MI.Mode != CreationDynamic {
				return sdkerrors.Structural(fmt.Sprintf("task %q has unknown creation mode %q", id, t.MI.Mode), nil)
			}
		}
		for _, ref := range t.CancellationSet {
			_, isCond := n.Conditions[ref]
			_, isTask := n.Tasks[ref]
			if !isCond && !isTask {
				return sdkerrors.Structural(fmt.Sprintf("task %q cancellation set references unknown node %q", id, ref), nil)
			}
		}
	}

	if err := n.checkConnected(); err != nil {
		return err
	}
	return nil
}

func validateGate(taskID, role string, g GateType) error {
	switch gateOrNone(g) {
	case GateAND, GateOR, GateXOR, GateNone:
		return nil
	default:
		return sdkerrors.Structural(fmt.Sprintf("task %q has unknown %s type %q", taskID, role, g), nil)
	}
}

// checkConnected verifies every node is reachable from the input condition
// following flow direction. Treating the graph as undirected would be too
// permissive: a node that only a cancellation set references is still
// unreachable work.
func (n *Net) checkConnected() error {
	visited := make(map[string]bool, len(n.Conditions)+len(n.Tasks))
	stack := []string{n.InputCondition}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[id] {
			continue
		}
		visited[id] = true
		for _, f := range n.outputFlows[id] {
			stack = append(stack, f.To)
		}
	}
	for id := range n.Conditions {
		if !visited[id] {
			return sdkerrors.Structural(fmt.Sprintf("condition %q is unreachable from the input condition", id), nil)
		}
	}
	for id := range n.Tasks {
		if !visited[id] {
			return sdkerrors.Structural(fmt.Sprintf("task %q is unreachable from the input condition", id), nil)
		}
	}
	return nil
}
