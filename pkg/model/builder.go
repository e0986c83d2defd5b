package model

// Builder assembles a Net incrementally. Build validates the result, so a
// net obtained from Build is safe to register with an engine.
type Builder struct {
	net *Net
}

// NewBuilder starts a net with the given id and designated input and output
// conditions (both are added as conditions automatically).
func NewBuilder(id, inputCondition, outputCondition string) *Builder {
	b := &Builder{
		net: &Net{
			ID:              id,
			Conditions:      make(map[string]*Condition),
			Tasks:           make(map[string]*Task),
			InputCondition:  inputCondition,
			OutputCondition: outputCondition,
		},
	}
	b.Condition(inputCondition)
	b.Condition(outputCondition)
	return b
}

// Condition adds a condition (place) to the net.
func (b *Builder) Condition(id string) *Builder {
	b.net.Conditions[id] = &Condition{ID: id}
	return b
}

// Task adds a task with the given join and split semantics.
func (b *Builder) Task(id string, join, split GateType) *Builder {
	b.net.Tasks[id] = &Task{ID: id, JoinType: join, SplitType: split}
	return b
}

// MultiInstanceTask adds a multi-instance task.
func (b *Builder) MultiInstanceTask(id string, join, split GateType, mi MISpec) *Builder {
	b.net.Tasks[id] = &Task{ID: id, JoinType: join, SplitType: split, MI: &mi}
	return b
}

// Cancels sets the cancellation set of a previously added task.
func (b *Builder) Cancels(taskID string, nodeIDs ...string) *Builder {
	if t, ok := b.net.Tasks[taskID]; ok {
		t.CancellationSet = append(t.CancellationSet, nodeIDs...)
	}
	return b
}

// Flow connects two nodes. Declaration order is preserved and meaningful for
// XOR-split predicate evaluation.
func (b *Builder) Flow(from, to string) *Builder {
	b.net.Flows = append(b.net.Flows, &Flow{From: from, To: to})
	return b
}

// FlowIf connects two nodes with a predicate expression.
func (b *Builder) FlowIf(from, to, predicate string) *Builder {
	b.net.Flows = append(b.net.Flows, &Flow{From: from, To: to, Predicate: predicate})
	return b
}

// FaultPolicy sets the case-level reaction to work item failures.
func (b *Builder) FaultPolicy(p FaultPolicy) *Builder {
	b.net.Faults = p
	return b
}

// Build validates the assembled net and returns it.
func (b *Builder) Build() (*Net, error) {
	if err := b.net.Validate(); err != nil {
		return nil, err
	}
	return b.net, nil
}
