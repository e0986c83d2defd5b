package runner

import (
	"time"

	"github.com/wehubfusion/Daedalus/pkg/workitem"
)

// CaseStatus is the lifecycle state of a case.
type CaseStatus string

const (
	CaseRunning   CaseStatus = "Running"
	CaseSuspended CaseStatus = "Suspended"
	CaseCompleted CaseStatus = "Completed"
	CaseCancelled CaseStatus = "Cancelled"
	CaseFailed    CaseStatus = "Failed"
)

// IsTerminal reports whether the case accepts no further events.
func (s CaseStatus) IsTerminal() bool {
	return s == CaseCompleted || s == CaseCancelled || s == CaseFailed
}

// EventKind classifies case runner announcements.
type EventKind string

const (
	EventCaseStarted    EventKind = "case.started"
	EventCaseCompleted  EventKind = "case.completed"
	EventCaseCancelled  EventKind = "case.cancelled"
	EventCaseFailed     EventKind = "case.failed"
	EventCaseSuspended  EventKind = "case.suspended"
	EventCaseResumed    EventKind = "case.resumed"
	EventCaseDeadlocked EventKind = "case.deadlocked"
	EventItemEnabled    EventKind = "item.enabled"
	EventItemStatus     EventKind = "item.status"
)

// Event is an announcement emitted by a case runner after the corresponding
// state delta has been durably persisted. Work-dispatch collaborators consume
// item.enabled events and answer with start/complete/fail calls.
type Event struct {
	Kind   EventKind `json:"kind"`
	CaseID string    `json:"caseId"`
	SpecID string    `json:"specId"`

	// Item is a copy of the affected work item for item events.
	Item *workitem.WorkItem `json:"item,omitempty"`

	// Reason carries cancellation/failure causes.
	Reason string `json:"reason,omitempty"`

	At time.Time `json:"at"`
}

// Listener receives case runner events. Calls are made from the runner's
// event loop after the transition committed; implementations must return
// quickly and do their own queueing for slow delivery paths.
type Listener interface {
	OnCaseEvent(event Event)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(event Event)

// OnCaseEvent implements Listener.
func (f ListenerFunc) OnCaseEvent(event Event) { f(event) }
