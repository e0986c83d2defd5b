package marking

import (
	"fmt"
	"time"
)

// ItemSnapshot is the absolute state of one work item as recorded in a delta.
// Status is carried as a plain string so the delta format has no dependency
// on lifecycle internals.
type ItemSnapshot struct {
	ID       string         `json:"id"`
	TaskID   string         `json:"taskId"`
	Instance int            `json:"instance"`
	// Activation is the ordinal of the task firing that created the item.
	// Recovery uses it to rebuild which items belong to the task's current
	// activation in cyclic nets.
	Activation int            `json:"activation,omitempty"`
	Status     string         `json:"status"`
	Data       map[string]any `json:"data,omitempty"`
}

// Delta is one persisted state transition of a case. Every field carries
// absolute values for the entities it touches; entities not mentioned are
// unchanged. Applying the same delta twice therefore yields the same state.
type Delta struct {
	// Seq is the per-case sequence number, assigned by the store on append.
	Seq int64 `json:"seq"`

	// CaseID identifies the case this delta belongs to.
	CaseID string `json:"caseId"`

	// SpecID identifies the specification the case runs. Recorded on every
	// delta so recovery can rebind a case to its net from the log alone.
	SpecID string `json:"specId,omitempty"`

	// Reason names the transition that produced the delta (launch, fire,
	// complete, cancel-case, ...). Informational only; replay ignores it.
	Reason string `json:"reason"`

	// Conditions maps condition id to its new absolute token count.
	Conditions map[string]int `json:"conditions,omitempty"`

	// Busy maps task id to its new absolute busy flag.
	Busy map[string]bool `json:"busy,omitempty"`

	// Items are absolute snapshots of work items touched by the transition.
	Items []ItemSnapshot `json:"items,omitempty"`

	// CaseStatus, when non-empty, sets the case status.
	CaseStatus string `json:"caseStatus,omitempty"`

	// Data, when non-nil, replaces the case data document.
	Data map[string]any `json:"data,omitempty"`

	// RecordedAt is when the delta was appended.
	RecordedAt time.Time `json:"recordedAt"`
}

// Apply returns the marking that results from applying d to m. It is a pure
// function: m is not modified, and applying the same delta to equal markings
// always yields equal results. Both live operation and crash-recovery replay
// go through this path.
func Apply(m *Marking, d *Delta) (*Marking, error) {
	out := m.Copy()
	for cond, count := range d.Conditions {
		if count < 0 {
			return nil, fmt.Errorf("delta %d for case %s sets condition %s to negative count %d", d.Seq, d.CaseID, cond, count)
		}
		if count == 0 {
			delete(out.Tokens, cond)
		} else {
			out.Tokens[cond] = count
		}
	}
	for task, busy := range d.Busy {
		if busy {
			out.Busy[task] = true
		} else {
			delete(out.Busy, task)
		}
	}
	return out, nil
}

// NewDelta starts a delta for the given case and reason.
func NewDelta(caseID, reason string) *Delta {
	return &Delta{
		CaseID:     caseID,
		Reason:     reason,
		RecordedAt: time.Now().UTC(),
	}
}

// SetCondition records an absolute token count for a condition.
func (d *Delta) SetCondition(conditionID string, count int) *Delta {
	if d.Conditions == nil {
		d.Conditions = make(map[string]int)
	}
	d.Conditions[conditionID] = count
	return d
}

// SetBusy records an absolute busy flag for a task.
func (d *Delta) SetBusy(taskID string, busy bool) *Delta {
	if d.Busy == nil {
		d.Busy = make(map[string]bool)
	}
	d.Busy[taskID] = busy
	return d
}

// Snapshot records the absolute state of a work item.
func (d *Delta) Snapshot(item ItemSnapshot) *Delta {
	d.Items = append(d.Items, item)
	return d
}

// SetCaseStatus records a case status change.
func (d *Delta) SetCaseStatus(status string) *Delta {
	d.CaseStatus = status
	return d
}

// SetData records a replacement case data document.
func (d *Delta) SetData(data map[string]any) *Delta {
	d.Data = data
	return d
}

// Empty reports whether the delta carries no changes at all.
func (d *Delta) Empty() bool {
	return len(d.Conditions) == 0 && len(d.Busy) == 0 && len(d.Items) == 0 &&
		d.CaseStatus == "" && d.Data == nil
}
