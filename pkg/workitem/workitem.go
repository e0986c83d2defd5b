// Package workitem implements the work item lifecycle: the state machine
// every task instance moves through from creation to a terminal state, and
// the per-case manager that tracks instances and multi-instance thresholds.
package workitem

import (
	"time"

	"github.com/google/uuid"
	"github.com/wehubfusion/Daedalus/pkg/marking"
)

// Status is the lifecycle state of a work item.
type Status string

const (
	StatusEnabled   Status = "Enabled"
	StatusFired     Status = "Fired"
	StatusExecuting Status = "Executing"
	StatusComplete  Status = "Complete"
	StatusCancelled Status = "Cancelled"
	StatusFailed    Status = "Failed"
	StatusSuspended Status = "Suspended"
)

// IsTerminal reports whether the status permits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusCancelled || s == StatusFailed
}

// WorkItem is one instance of a task's execution within a case. Multi-instance
// tasks spawn several work items sharing TaskID and CaseID with distinct
// Instance indexes. All mutation goes through the owning Manager.
type WorkItem struct {
	ID       string `json:"id"`
	TaskID   string `json:"taskId"`
	CaseID   string `json:"caseId"`
	Instance int    `json:"instance"`

	// Activation is the ordinal of the task firing that created this item,
	// starting at 1. In a cyclic net the same task fires repeatedly; only
	// siblings of the same activation count toward its completion threshold.
	Activation int `json:"activation"`

	Status Status `json:"status"`

	// Data is the input data captured at creation, replaced by the merged
	// output data on completion.
	Data map[string]any `json:"data,omitempty"`

	// Reason records why a terminal state was reached (cancellation reason
	// or failure cause). Empty otherwise.
	Reason string `json:"reason,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// resumeTo remembers the status a suspended item returns to.
	resumeTo Status
}

func newWorkItem(caseID, taskID string, instance int, data map[string]any) *WorkItem {
	now := time.Now().UTC()
	return &WorkItem{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		CaseID:    caseID,
		Instance:  instance,
		Status:    StatusEnabled,
		Data:      data,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Snapshot returns the absolute state of the item for delta persistence.
func (w *WorkItem) Snapshot() marking.ItemSnapshot {
	return marking.ItemSnapshot{
		ID:         w.ID,
		TaskID:     w.TaskID,
		Instance:   w.Instance,
		Activation: w.Activation,
		Status:     string(w.Status),
		Data:       w.Data,
	}
}
