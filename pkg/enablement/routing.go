package enablement

import (
	"fmt"

	"github.com/wehubfusion/Daedalus/pkg/marking"
	"github.com/wehubfusion/Daedalus/pkg/model"
	"github.com/wehubfusion/Daedalus/pkg/predicate"
)

// Router resolves which output conditions receive tokens when a task fires,
// and which input tokens are consumed. Split predicates are evaluated against
// the case data through the predicate evaluator.
type Router struct {
	predicates *predicate.Evaluator
}

// NewRouter creates a router using the given predicate evaluator.
func NewRouter(predicates *predicate.Evaluator) *Router {
	return &Router{predicates: predicates}
}

// Route returns the output condition ids that receive a token when the task
// fires, according to its split semantics:
//
//   - AND (and NONE): every output flow.
//   - XOR: the first flow, in declaration order, whose predicate evaluates
//     true. An empty predicate is always true, so a trailing predicate-free
//     flow acts as the default. No match is an error and fails the case.
//   - OR: every flow whose predicate evaluates true; at least one must.
func (r *Router) Route(net *model.Net, task *model.Task, data map[string]any) ([]string, error) {
	flows := net.OutputFlows(task.ID)

	switch task.SplitType {
	case model.GateXOR:
		for _, f := range flows {
			ok, err := r.predicates.Evaluate(f.Predicate, data)
			if err != nil {
				return nil, fmt.Errorf("xor split of task %s: %w", task.ID, err)
			}
			if ok {
				return []string{f.To}, nil
			}
		}
		return nil, fmt.Errorf("xor split of task %s: no output predicate matched", task.ID)

	case model.GateOR:
		var targets []string
		for _, f := range flows {
			ok, err := r.predicates.Evaluate(f.Predicate, data)
			if err != nil {
				return nil, fmt.Errorf("or split of task %s: %w", task.ID, err)
			}
			if ok {
				targets = append(targets, f.To)
			}
		}
		if len(targets) == 0 {
			return nil, fmt.Errorf("or split of task %s: no output predicate matched", task.ID)
		}
		return targets, nil

	default: // AND or NONE
		targets := make([]string, 0, len(flows))
		for _, f := range flows {
			targets = append(targets, f.To)
		}
		return targets, nil
	}
}

// ConsumeSet returns the input condition ids from which one token each is
// consumed when the task fires under m:
//
//   - AND (and NONE): one token from every input condition.
//   - XOR: one token from the single marked input condition.
//   - OR: one token from every currently marked input condition.
//
// It returns an error if the task is not actually enabled under m, which
// guards token conservation: a firing may never drive a count negative.
func ConsumeSet(net *model.Net, task *model.Task, m *marking.Marking) ([]string, error) {
	inputs := net.InputConditions(task.ID)

	switch joinType(task) {
	case model.GateXOR:
		var marked []string
		for _, cond := range inputs {
			if m.IsMarked(cond) {
				marked = append(marked, cond)
			}
		}
		if len(marked) != 1 {
			return nil, fmt.Errorf("xor join of task %s requires exactly one marked input, found %d", task.ID, len(marked))
		}
		return marked, nil

	case model.GateOR:
		var marked []string
		for _, cond := range inputs {
			if m.IsMarked(cond) {
				marked = append(marked, cond)
			}
		}
		if len(marked) == 0 {
			return nil, fmt.Errorf("or join of task %s has no marked inputs", task.ID)
		}
		return marked, nil

	default: // AND
		for _, cond := range inputs {
			if !m.IsMarked(cond) {
				return nil, fmt.Errorf("and join of task %s: input %s holds no token", task.ID, cond)
			}
		}
		return inputs, nil
	}
}
