package workitem

import (
	"fmt"
	"time"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/marking"
	"github.com/wehubfusion/Daedalus/pkg/model"
)

// Manager tracks the work items of exactly one case. It is not safe for
// concurrent use on its own: the owning case runner serializes every call,
// which is also what keeps multi-instance threshold checks race-free.
type Manager struct {
	caseID string
	items  map[string]*WorkItem

	// creation order per task, for stable instance indexing
	nextInstance map[string]int

	// current activation ordinal per task, starting at 1 on first firing.
	// In a cyclic net a task fires more than once; completions from an
	// earlier activation must not count toward the current threshold.
	activation map[string]int
}

// NewManager creates an empty manager for a case.
func NewManager(caseID string) *Manager {
	return &Manager{
		caseID:       caseID,
		items:        make(map[string]*WorkItem),
		nextInstance: make(map[string]int),
		activation:   make(map[string]int),
	}
}

// Create makes work items for a newly enabled task: one item for a plain
// task, MI.Min items for a multi-instance task. Each call starts a fresh
// activation of the task.
func (m *Manager) Create(task *model.Task, data map[string]any) []*WorkItem {
	m.activation[task.ID]++
	count := 1
	if task.IsMultiInstance() {
		count = task.MI.Min
	}
	out := make([]*WorkItem, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, m.newItem(task.ID, data))
	}
	return out
}

// AddInstance adds a runtime instance to a dynamic multi-instance task.
func (m *Manager) AddInstance(task *model.Task, data map[string]any) (*WorkItem, error) {
	if !task.IsMultiInstance() {
		return nil, sdkerrors.InvalidState(m.caseID, "", fmt.Sprintf("task %s is not multi-instance", task.ID))
	}
	if task.MI.Mode != model.CreationDynamic {
		return nil, sdkerrors.InvalidState(m.caseID, "", fmt.Sprintf("task %s does not allow runtime instance addition", task.ID))
	}
	if m.activeInstances(task.ID) >= task.MI.Max {
		return nil, sdkerrors.InvalidState(m.caseID, "", fmt.Sprintf("task %s already has the maximum of %d instances", task.ID, task.MI.Max))
	}
	return m.newItem(task.ID, data), nil
}

func (m *Manager) newItem(taskID string, data map[string]any) *WorkItem {
	item := newWorkItem(m.caseID, taskID, m.nextInstance[taskID], data)
	item.Activation = m.activation[taskID]
	m.nextInstance[taskID]++
	m.items[item.ID] = item
	return item
}

// activeInstances counts the items created by the task's current activation.
func (m *Manager) activeInstances(taskID string) int {
	count := 0
	for _, item := range m.items {
		if item.TaskID == taskID && item.Activation == m.activation[taskID] {
			count++
		}
	}
	return count
}

// Get returns the work item with the given id.
func (m *Manager) Get(id string) (*WorkItem, error) {
	item, ok := m.items[id]
	if !ok {
		return nil, sdkerrors.NewError(sdkerrors.KindNotFound, m.caseID, id, "work item not found", nil)
	}
	return item, nil
}

// Start transitions an item Enabled -> Fired -> Executing. The two hops are
// one operation at this level: firing hands the item to the execution
// collaborator immediately.
func (m *Manager) Start(id string) (*WorkItem, error) {
	item, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if item.Status != StatusEnabled {
		return nil, sdkerrors.InvalidState(m.caseID, id, fmt.Sprintf("cannot start work item in status %s", item.Status))
	}
	m.setStatus(item, StatusExecuting)
	return item, nil
}

// Complete transitions an item to Complete and records its output data.
func (m *Manager) Complete(id string, output map[string]any) (*WorkItem, error) {
	item, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if item.Status != StatusExecuting && item.Status != StatusFired {
		return nil, sdkerrors.InvalidState(m.caseID, id, fmt.Sprintf("cannot complete work item in status %s", item.Status))
	}
	if output != nil {
		item.Data = output
	}
	m.setStatus(item, StatusComplete)
	return item, nil
}

// Fail transitions an item to Failed.
func (m *Manager) Fail(id string, cause string) (*WorkItem, error) {
	item, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if item.Status.IsTerminal() {
		return nil, sdkerrors.InvalidState(m.caseID, id, fmt.Sprintf("cannot fail work item in status %s", item.Status))
	}
	item.Reason = cause
	m.setStatus(item, StatusFailed)
	return item, nil
}

// Cancel forces an item to Cancelled from any non-terminal state. Used by
// cancellation-set application, enabled-task withdrawal, and explicit case
// cancellation.
func (m *Manager) Cancel(id string, reason string) (*WorkItem, error) {
	item, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if item.Status.IsTerminal() {
		return nil, sdkerrors.InvalidState(m.caseID, id, fmt.Sprintf("cannot cancel work item in status %s", item.Status))
	}
	item.Reason = reason
	m.setStatus(item, StatusCancelled)
	return item, nil
}

// Suspend freezes an item that is Fired or Executing.
func (m *Manager) Suspend(id string) (*WorkItem, error) {
	item, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if item.Status != StatusFired && item.Status != StatusExecuting {
		return nil, sdkerrors.InvalidState(m.caseID, id, fmt.Sprintf("cannot suspend work item in status %s", item.Status))
	}
	item.resumeTo = item.Status
	m.setStatus(item, StatusSuspended)
	return item, nil
}

// Resume returns a suspended item to the status it was suspended from.
func (m *Manager) Resume(id string) (*WorkItem, error) {
	item, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if item.Status != StatusSuspended {
		return nil, sdkerrors.InvalidState(m.caseID, id, fmt.Sprintf("cannot resume work item in status %s", item.Status))
	}
	to := item.resumeTo
	if to == "" {
		to = StatusExecuting
	}
	m.setStatus(item, to)
	return item, nil
}

func (m *Manager) setStatus(item *WorkItem, status Status) {
	item.Status = status
	item.UpdatedAt = time.Now().UTC()
}

// Items returns all work items of the case, in unspecified order.
func (m *Manager) Items() []*WorkItem {
	out := make([]*WorkItem, 0, len(m.items))
	for _, item := range m.items {
		out = append(out, item)
	}
	return out
}

// ItemsForTask returns all work items of one task.
func (m *Manager) ItemsForTask(taskID string) []*WorkItem {
	var out []*WorkItem
	for _, item := range m.items {
		if item.TaskID == taskID {
			out = append(out, item)
		}
	}
	return out
}

// Outstanding returns all non-terminal work items.
func (m *Manager) Outstanding() []*WorkItem {
	var out []*WorkItem
	for _, item := range m.items {
		if !item.Status.IsTerminal() {
			out = append(out, item)
		}
	}
	return out
}

// OutstandingForTask returns all non-terminal work items of one task.
func (m *Manager) OutstandingForTask(taskID string) []*WorkItem {
	var out []*WorkItem
	for _, item := range m.items {
		if item.TaskID == taskID && !item.Status.IsTerminal() {
			out = append(out, item)
		}
	}
	return out
}

// InstanceCount returns how many instances have been created for a task.
func (m *Manager) InstanceCount(taskID string) int {
	return m.nextInstance[taskID]
}

// CompletedCount returns how many instances of the task's current activation
// have completed. Items from earlier activations are ignored.
func (m *Manager) CompletedCount(taskID string) int {
	count := 0
	for _, item := range m.items {
		if item.TaskID == taskID && item.Status == StatusComplete && item.Activation == m.activation[taskID] {
			count++
		}
	}
	return count
}

// TaskComplete reports whether the task's current activation is complete:
// for a plain task, its item is Complete; for a multi-instance task, exactly
// when the completion threshold is reached across sibling instances,
// regardless of how many instances were created.
func (m *Manager) TaskComplete(task *model.Task) bool {
	if task.IsMultiInstance() {
		return m.CompletedCount(task.ID) >= task.MI.Threshold
	}
	return m.CompletedCount(task.ID) > 0
}

// Clone returns a deep copy of the manager. The case runner stages every
// transition on a clone and swaps it in only after the delta persists, which
// makes rollback on persistence failure trivial.
func (m *Manager) Clone() *Manager {
	out := &Manager{
		caseID:       m.caseID,
		items:        make(map[string]*WorkItem, len(m.items)),
		nextInstance: make(map[string]int, len(m.nextInstance)),
		activation:   make(map[string]int, len(m.activation)),
	}
	for id, item := range m.items {
		copied := *item
		if item.Data != nil {
			copied.Data = make(map[string]any, len(item.Data))
			for k, v := range item.Data {
				copied.Data[k] = v
			}
		}
		out.items[id] = &copied
	}
	for k, v := range m.nextInstance {
		out.nextInstance[k] = v
	}
	for k, v := range m.activation {
		out.activation[k] = v
	}
	return out
}

// Restore rebuilds a work item from a persisted snapshot during recovery.
// Instance and activation counters advance so post-recovery indexes never
// collide, regardless of the order snapshots arrive in.
func (m *Manager) Restore(snap marking.ItemSnapshot) {
	item := &WorkItem{
		ID:         snap.ID,
		TaskID:     snap.TaskID,
		CaseID:     m.caseID,
		Instance:   snap.Instance,
		Activation: snap.Activation,
		Status:     Status(snap.Status),
		Data:       snap.Data,
	}
	m.items[item.ID] = item
	if snap.Instance >= m.nextInstance[snap.TaskID] {
		m.nextInstance[snap.TaskID] = snap.Instance + 1
	}
	if snap.Activation > m.activation[snap.TaskID] {
		m.activation[snap.TaskID] = snap.Activation
	}
}
