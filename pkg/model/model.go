// Package model defines the immutable process net model: conditions (places),
// tasks (transitions), flows (arcs), split/join semantics, multi-instance
// parameters and cancellation sets. A validated Net is shared read-only across
// every case launched from it.
package model

// GateType is the split/join semantics tag of a task. The set is closed:
// AND, OR, XOR, or NONE (single flow, no gating).
type GateType string

const (
	GateAND  GateType = "AND"
	GateOR   GateType = "OR"
	GateXOR  GateType = "XOR"
	GateNone GateType = "NONE"
)

// CreationMode controls whether a multi-instance task may grow beyond its
// initial instance count at runtime.
type CreationMode string

const (
	// CreationStatic creates all instances when the task fires.
	CreationStatic CreationMode = "static"

	// CreationDynamic allows additional instances to be added at runtime,
	// up to the configured maximum.
	CreationDynamic CreationMode = "dynamic"
)

// FaultPolicy decides what happens to a case when a work item fails.
type FaultPolicy string

const (
	// FaultFailCase fails the whole case on any work item failure.
	FaultFailCase FaultPolicy = "fail_case"

	// FaultTolerate records the failure and lets the case continue.
	FaultTolerate FaultPolicy = "tolerate"
)

// Condition is a place in the net. It may hold zero or more tokens.
type Condition struct {
	ID string `json:"id"`
}

// MISpec holds multi-instance parameters for a task.
type MISpec struct {
	// Min is the number of instances created when the task fires.
	Min int `json:"min"`

	// Max is the upper bound on total instances.
	Max int `json:"max"`

	// Threshold is how many instances must complete before the task
	// itself is considered complete.
	Threshold int `json:"threshold"`

	// Mode controls runtime instance addition.
	Mode CreationMode `json:"mode"`
}

// Task is a transition in the net.
type Task struct {
	ID        string   `json:"id"`
	SplitType GateType `json:"splitType"`
	JoinType  GateType `json:"joinType"`

	// MI is present only for multi-instance tasks.
	MI *MISpec `json:"mi,omitempty"`

	// CancellationSet lists condition and task ids whose tokens and
	// outstanding work items are removed atomically when this task fires.
	CancellationSet []string `json:"cancellationSet,omitempty"`
}

// IsMultiInstance reports whether the task spawns multiple work items.
func (t *Task) IsMultiInstance() bool {
	return t.MI != nil
}

// Flow is a directed arc between a condition and a task (in either direction).
// Predicates apply only on flows leaving an XOR or OR split task; they are
// JavaScript boolean expressions evaluated against case data. An empty
// predicate on the last-declared flow of an XOR split marks the default flow.
type Flow struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Predicate string `json:"predicate,omitempty"`
}

// Net is the immutable, validated description of a process. Nodes are
// addressed by string id with explicit adjacency lists; the structure holds
// no pointer cycles so cyclic nets are representable directly.
type Net struct {
	ID         string                `json:"id"`
	Conditions map[string]*Condition `json:"conditions"`
	Tasks      map[string]*Task      `json:"tasks"`

	// Flows are kept in declaration order; XOR-split predicate evaluation
	// depends on it.
	Flows []*Flow `json:"flows"`

	// InputCondition and OutputCondition are the unique start and end
	// places of the net.
	InputCondition  string `json:"inputCondition"`
	OutputCondition string `json:"outputCondition"`

	// Faults selects the case-level reaction to work item failure.
	// Empty means FaultFailCase.
	Faults FaultPolicy `json:"faults,omitempty"`

	// Adjacency, built once by Validate.
	inputFlows  map[string][]*Flow // node id -> flows into it, declaration order
	outputFlows map[string][]*Flow // node id -> flows out of it, declaration order
}

// InputFlows returns the flows into the given node in declaration order.
func (n *Net) InputFlows(nodeID string) []*Flow {
	return n.inputFlows[nodeID]
}

// OutputFlows returns the flows out of the given node in declaration order.
func (n *Net) OutputFlows(nodeID string) []*Flow {
	return n.outputFlows[nodeID]
}

// InputConditions returns the ids of conditions feeding the given task,
// in flow declaration order.
func (n *Net) InputConditions(taskID string) []string {
	flows := n.inputFlows[taskID]
	ids := make([]string, 0, len(flows))
	for _, f := range flows {
		ids = append(ids, f.From)
	}
	return ids
}

// OutputConditions returns the ids of conditions fed by the given task,
// in flow declaration order.
func (n *Net) OutputConditions(taskID string) []string {
	flows := n.outputFlows[taskID]
	ids := make([]string, 0, len(flows))
	for _, f := range flows {
		ids = append(ids, f.To)
	}
	return ids
}

// FaultPolicy returns the configured fault policy, defaulting to FaultFailCase.
func (n *Net) FaultPolicy() FaultPolicy {
	if n.Faults == "" {
		return FaultFailCase
	}
	return n.Faults
}

// gateOrNone normalizes an empty gate tag to GateNone.
func gateOrNone(g GateType) GateType {
	if g == "" {
		return GateNone
	}
	return g
}
