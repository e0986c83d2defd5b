// Package errors defines the error taxonomy shared by all engine components.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrStructural indicates that a net definition violates a structural invariant.
	// It is detected at specification registration time and never reaches a running case.
	ErrStructural = errors.New("structural violation in net definition")

	// ErrInvalidState indicates an operation attempted on a work item or case
	// whose current state does not permit it.
	ErrInvalidState = errors.New("operation not permitted in current state")

	// ErrUnresolvedJoin indicates that OR-join reachability analysis did not
	// converge within its configured bound. The join stays blocked.
	ErrUnresolvedJoin = errors.New("or-join reachability analysis did not converge")

	// ErrPersistence indicates that a durable write did not confirm.
	// The in-flight operation must be rolled back.
	ErrPersistence = errors.New("persistence write failed")

	// ErrExternalFault indicates that a dispatched work item's execution
	// collaborator reported failure.
	ErrExternalFault = errors.New("external task execution failed")

	// ErrCaseNotFound indicates that no runner exists for the addressed case.
	ErrCaseNotFound = errors.New("case not found")

	// ErrSpecNotFound indicates that the addressed specification is not registered.
	ErrSpecNotFound = errors.New("specification not found")

	// ErrEngineClosed indicates that the engine has been shut down.
	ErrEngineClosed = errors.New("engine is shut down")
)

// Kind is a machine-readable classification of an engine error.
type Kind string

const (
	KindStructural     Kind = "structural"
	KindInvalidState   Kind = "invalid_state"
	KindUnresolvedJoin Kind = "unresolved_join"
	KindPersistence    Kind = "persistence"
	KindExternalFault  Kind = "external_fault"
	KindNotFound       Kind = "not_found"
	KindInternal       Kind = "internal"
)

// Error is a structured engine error. Any error that reaches the engine
// boundary is reported in this form: kind plus the case/work-item it concerns
// plus a human-readable cause.
type Error struct {
	// Kind is the error classification.
	Kind Kind

	// CaseID identifies the affected case, if any.
	CaseID string

	// WorkItemID identifies the affected work item, if any.
	WorkItemID string

	// Message is a human-readable description.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	prefix := fmt.Sprintf("[%s]", e.Kind)
	if e.CaseID != "" {
		prefix += " case=" + e.CaseID
	}
	if e.WorkItemID != "" {
		prefix += " item=" + e.WorkItemID
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s %s", prefix, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a structured engine error.
func NewError(kind Kind, caseID, workItemID, message string, err error) *Error {
	return &Error{
		Kind:       kind,
		CaseID:     caseID,
		WorkItemID: workItemID,
		Message:    message,
		Err:        err,
	}
}

// Structural wraps err as a structural error for the given message.
func Structural(message string, err error) *Error {
	if err == nil {
		err = ErrStructural
	}
	return NewError(KindStructural, "", "", message, err)
}

// InvalidState builds an invalid-state error for a work item or case operation.
func InvalidState(caseID, workItemID, message string) *Error {
	return NewError(KindInvalidState, caseID, workItemID, message, ErrInvalidState)
}

// Persistence wraps a failed durable write.
func Persistence(caseID string, err error) *Error {
	return NewError(KindPersistence, caseID, "", "durable write did not confirm", errors.Join(ErrPersistence, err))
}

// UnresolvedJoin reports a non-converging OR-join analysis for a task.
func UnresolvedJoin(caseID, taskID string, statesExplored int) *Error {
	return NewError(KindUnresolvedJoin, caseID, "",
		fmt.Sprintf("or-join %s blocked after exploring %d states", taskID, statesExplored),
		ErrUnresolvedJoin)
}

// IsInvalidState checks whether err is an invalid-state error.
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}

// IsPersistence checks whether err is a persistence failure.
func IsPersistence(err error) bool {
	return errors.Is(err, ErrPersistence)
}

// IsStructural checks whether err is a structural error.
func IsStructural(err error) bool {
	return errors.Is(err, ErrStructural)
}

// IsUnresolvedJoin checks whether err is an unresolved OR-join condition.
func IsUnresolvedJoin(err error) bool {
	return errors.Is(err, ErrUnresolvedJoin)
}
