package runner

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/enablement"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/marking"
	"github.com/wehubfusion/Daedalus/pkg/model"
	"github.com/wehubfusion/Daedalus/pkg/workitem"
)

// txn stages one state transition. All mutation happens on copies; commit
// persists the delta first and swaps the copies in only after the store
// confirms, so a failed append leaves the runner state entirely unchanged.
type txn struct {
	r      *Runner
	wm     *marking.Marking
	items  *workitem.Manager
	data   map[string]any
	status CaseStatus
	delta  *marking.Delta
	events []Event
}

func (r *Runner) begin(reason string) *txn {
	delta := marking.NewDelta(r.caseID, reason)
	delta.SpecID = r.specID
	return &txn{
		r:      r,
		wm:     r.mark.Copy(),
		items:  r.items.Clone(),
		data:   copyData(r.data),
		status: r.status,
		delta:  delta,
	}
}

// setTokens records an absolute token count, mutating the working marking
// and the delta together.
func (t *txn) setTokens(conditionID string, count int) {
	if count <= 0 {
		delete(t.wm.Tokens, conditionID)
		count = 0
	} else {
		t.wm.Tokens[conditionID] = count
	}
	t.delta.SetCondition(conditionID, count)
}

func (t *txn) addToken(conditionID string) {
	t.setTokens(conditionID, t.wm.Tokens[conditionID]+1)
}

func (t *txn) removeToken(conditionID string) {
	t.setTokens(conditionID, t.wm.Tokens[conditionID]-1)
}

func (t *txn) setBusy(taskID string, busy bool) {
	if busy {
		t.wm.Busy[taskID] = true
	} else {
		delete(t.wm.Busy, taskID)
	}
	t.delta.SetBusy(taskID, busy)
}

func (t *txn) setStatus(status CaseStatus) {
	t.status = status
	t.delta.SetCaseStatus(string(status))
}

func (t *txn) setData(data map[string]any) {
	t.data = data
	t.delta.SetData(data)
}

func (t *txn) snapshot(item *workitem.WorkItem) {
	t.delta.Snapshot(item.Snapshot())
}

func (t *txn) event(kind EventKind, item *workitem.WorkItem, reason string) {
	ev := Event{
		Kind:   kind,
		CaseID: t.r.caseID,
		SpecID: t.r.specID,
		Reason: reason,
		At:     time.Now().UTC(),
	}
	if item != nil {
		copied := *item
		ev.Item = &copied
	}
	t.events = append(t.events, ev)
}

// commit persists the staged delta and, only on confirmation, swaps the
// staged state in and emits the collected events. A persistence failure
// surfaces to the caller and the in-memory state stays untouched.
func (t *txn) commit(ctx context.Context) error {
	if err := t.r.store.AppendDelta(ctx, t.delta); err != nil {
		t.r.logger.Error("Delta append failed, rolling back transition",
			zap.String("reason", t.delta.Reason),
			zap.Error(err))
		return sdkerrors.Persistence(t.r.caseID, err)
	}
	t.r.mark = t.wm
	t.r.items = t.items
	t.r.data = t.data
	t.r.status = t.status
	t.r.emit(t.events)
	return nil
}

// Launch creates the case: a single token on the net's input condition, the
// initial case data, and the first round of enabled work items.
func (r *Runner) Launch(ctx context.Context, initialData map[string]any) error {
	return r.do(ctx, func(ctx context.Context) error {
		if r.status != "" {
			return sdkerrors.InvalidState(r.caseID, "", "case already launched")
		}
		t := r.begin("launch")
		t.setStatus(CaseRunning)
		if initialData == nil {
			initialData = map[string]any{}
		}
		t.setData(initialData)
		t.addToken(r.net.InputCondition)
		t.event(EventCaseStarted, nil, "")
		r.reevaluate(t)
		return t.commit(ctx)
	})
}

// StartItem fires a work item: Enabled -> Executing. The first start of a
// task consumes its input tokens per the join semantics, marks the task
// busy, and applies its cancellation set, all within one atomic delta.
func (r *Runner) StartItem(ctx context.Context, itemID string) error {
	return r.do(ctx, func(ctx context.Context) error {
		if err := r.requireStatus(CaseRunning, CaseSuspended); err != nil {
			return err
		}
		t := r.begin("start-item")
		item, err := t.items.Start(itemID)
		if err != nil {
			return err
		}
		t.snapshot(item)
		t.event(EventItemStatus, item, "")

		task := r.net.Tasks[item.TaskID]
		if !t.wm.IsBusy(task.ID) {
			consumed, err := enablement.ConsumeSet(r.net, task, t.wm)
			if err != nil {
				return sdkerrors.InvalidState(r.caseID, itemID, err.Error())
			}
			for _, cond := range consumed {
				t.removeToken(cond)
			}
			t.setBusy(task.ID, true)
			r.applyCancellationSet(t, task)
			r.reevaluate(t)
		}
		return t.commit(ctx)
	})
}

// CompleteItem records a work item completion. When the owning task reaches
// completion (its single item, or the multi-instance threshold), the task's
// input consumption is settled, output tokens are produced per the split
// semantics, and any running sibling instances are cancelled.
func (r *Runner) CompleteItem(ctx context.Context, itemID string, output map[string]any) error {
	return r.do(ctx, func(ctx context.Context) error {
		if err := r.requireStatus(CaseRunning, CaseSuspended); err != nil {
			return err
		}
		t := r.begin("complete-item")
		item, err := t.items.Complete(itemID, output)
		if err != nil {
			return err
		}
		t.snapshot(item)
		t.event(EventItemStatus, item, "")

		if len(output) > 0 {
			merged := copyData(t.data)
			for k, v := range output {
				merged[k] = v
			}
			t.setData(merged)
		}

		task := r.net.Tasks[item.TaskID]
		if t.wm.IsBusy(task.ID) && t.items.TaskComplete(task) {
			if err := r.completeTask(t, task); err != nil {
				return err
			}
		}
		r.reevaluate(t)
		return t.commit(ctx)
	})
}

// completeTask produces the task's output tokens and cancels any sibling
// instances still running past the multi-instance threshold.
func (r *Runner) completeTask(t *txn, task *model.Task) error {
	targets, err := r.router.Route(r.net, task, t.data)
	if err != nil {
		// No matching split predicate fails the whole case.
		r.logger.Error("Split routing failed", zap.String("taskID", task.ID), zap.Error(err))
		r.failCase(t, err.Error())
		return nil
	}
	t.setBusy(task.ID, false)
	for _, cond := range targets {
		t.addToken(cond)
	}
	for _, sibling := range t.items.OutstandingForTask(task.ID) {
		cancelled, err := t.items.Cancel(sibling.ID, "completion threshold reached")
		if err != nil {
			continue
		}
		t.snapshot(cancelled)
		t.event(EventItemStatus, cancelled, cancelled.Reason)
	}
	return nil
}

// FailItem records a work item failure. The net's fault policy decides
// whether the case fails with it or tolerates the loss of the branch.
func (r *Runner) FailItem(ctx context.Context, itemID string, cause string) error {
	return r.do(ctx, func(ctx context.Context) error {
		if err := r.requireStatus(CaseRunning, CaseSuspended); err != nil {
			return err
		}
		t := r.begin("fail-item")
		item, err := t.items.Fail(itemID, cause)
		if err != nil {
			return err
		}
		t.snapshot(item)
		t.event(EventItemStatus, item, cause)

		if r.net.FaultPolicy() == model.FaultFailCase {
			r.failCase(t, fmt.Sprintf("work item %s failed: %s", itemID, cause))
			return t.commit(ctx)
		}

		r.settleDeadBranch(t, r.net.Tasks[item.TaskID])
		r.reevaluate(t)
		return t.commit(ctx)
	})
}

// CancelItem forces a single work item to Cancelled.
func (r *Runner) CancelItem(ctx context.Context, itemID string, reason string) error {
	return r.do(ctx, func(ctx context.Context) error {
		if err := r.requireStatus(CaseRunning, CaseSuspended); err != nil {
			return err
		}
		t := r.begin("cancel-item")
		item, err := t.items.Cancel(itemID, reason)
		if err != nil {
			return err
		}
		t.snapshot(item)
		t.event(EventItemStatus, item, reason)
		r.settleDeadBranch(t, r.net.Tasks[item.TaskID])
		r.reevaluate(t)
		return t.commit(ctx)
	})
}

// settleDeadBranch clears a task's busy flag when its last live instance is
// gone without the task completing. No output tokens are produced: the
// branch is dead, and deadlock detection reports the case if nothing else
// can progress.
func (r *Runner) settleDeadBranch(t *txn, task *model.Task) {
	if !t.wm.IsBusy(task.ID) {
		return
	}
	if len(t.items.OutstandingForTask(task.ID)) > 0 || t.items.TaskComplete(task) {
		return
	}
	t.setBusy(task.ID, false)
}

// SuspendItem freezes one work item.
func (r *Runner) SuspendItem(ctx context.Context, itemID string) error {
	return r.itemStatusOp(ctx, "suspend-item", func(t *txn) (*workitem.WorkItem, error) {
		return t.items.Suspend(itemID)
	})
}

// ResumeItem unfreezes a suspended work item.
func (r *Runner) ResumeItem(ctx context.Context, itemID string) error {
	return r.itemStatusOp(ctx, "resume-item", func(t *txn) (*workitem.WorkItem, error) {
		return t.items.Resume(itemID)
	})
}

func (r *Runner) itemStatusOp(ctx context.Context, reason string, op func(*txn) (*workitem.WorkItem, error)) error {
	return r.do(ctx, func(ctx context.Context) error {
		if err := r.requireStatus(CaseRunning, CaseSuspended); err != nil {
			return err
		}
		t := r.begin(reason)
		item, err := op(t)
		if err != nil {
			return err
		}
		t.snapshot(item)
		t.event(EventItemStatus, item, "")
		return t.commit(ctx)
	})
}

// AddInstance adds a runtime instance to a dynamic multi-instance task whose
// instances are currently running. Returns the new work item id.
func (r *Runner) AddInstance(ctx context.Context, taskID string, data map[string]any) (string, error) {
	var itemID string
	err := r.do(ctx, func(ctx context.Context) error {
		if err := r.requireStatus(CaseRunning); err != nil {
			return err
		}
		task, ok := r.net.Tasks[taskID]
		if !ok {
			return sdkerrors.NewError(sdkerrors.KindNotFound, r.caseID, "", fmt.Sprintf("task %s not found", taskID), nil)
		}
		if !r.mark.IsBusy(taskID) {
			return sdkerrors.InvalidState(r.caseID, "", fmt.Sprintf("task %s has no running instances", taskID))
		}
		t := r.begin("add-instance")
		item, err := t.items.AddInstance(task, data)
		if err != nil {
			return err
		}
		t.snapshot(item)
		t.event(EventItemEnabled, item, "")
		if err := t.commit(ctx); err != nil {
			return err
		}
		itemID = item.ID
		return nil
	})
	return itemID, err
}

// Suspend freezes work-item issuance without discarding the marking.
// Already-issued items may still be started and completed.
func (r *Runner) Suspend(ctx context.Context) error {
	return r.do(ctx, func(ctx context.Context) error {
		if err := r.requireStatus(CaseRunning); err != nil {
			return err
		}
		t := r.begin("suspend-case")
		t.setStatus(CaseSuspended)
		t.event(EventCaseSuspended, nil, "")
		return t.commit(ctx)
	})
}

// Resume unfreezes the case and issues any work items whose tasks became
// enabled while suspended.
func (r *Runner) Resume(ctx context.Context) error {
	return r.do(ctx, func(ctx context.Context) error {
		if err := r.requireStatus(CaseSuspended); err != nil {
			return err
		}
		t := r.begin("resume-case")
		t.setStatus(CaseRunning)
		t.event(EventCaseResumed, nil, "")
		r.reevaluate(t)
		return t.commit(ctx)
	})
}

// Cancel terminates the case: every outstanding work item is cancelled and
// all tokens are discarded in one persisted transition. Cancellation is
// cooperative at the work-item level (collaborators learn via the emitted
// events) but unconditional at the marking level.
func (r *Runner) Cancel(ctx context.Context, reason string) error {
	return r.do(ctx, func(ctx context.Context) error {
		if r.status.IsTerminal() {
			return sdkerrors.InvalidState(r.caseID, "", fmt.Sprintf("case is %s", r.status))
		}
		t := r.begin("cancel-case")
		for _, item := range t.items.Outstanding() {
			cancelled, err := t.items.Cancel(item.ID, reason)
			if err != nil {
				continue
			}
			t.snapshot(cancelled)
			t.event(EventItemStatus, cancelled, reason)
		}
		for _, cond := range t.wm.MarkedConditions() {
			t.setTokens(cond, 0)
		}
		for _, taskID := range t.wm.BusyTasks() {
			t.setBusy(taskID, false)
		}
		t.setStatus(CaseCancelled)
		t.event(EventCaseCancelled, nil, reason)
		return t.commit(ctx)
	})
}

// applyCancellationSet atomically removes tokens from every condition in the
// task's cancellation set and cancels every listed task's outstanding work
// items, as part of the firing task's delta.
func (r *Runner) applyCancellationSet(t *txn, task *model.Task) {
	for _, ref := range task.CancellationSet {
		if _, ok := r.net.Conditions[ref]; ok && t.wm.IsMarked(ref) {
			t.setTokens(ref, 0)
			r.logger.Info("Cancellation set removed tokens",
				zap.String("firingTask", task.ID),
				zap.String("condition", ref))
		}
		if _, ok := r.net.Tasks[ref]; ok {
			for _, item := range t.items.OutstandingForTask(ref) {
				cancelled, err := t.items.Cancel(item.ID, fmt.Sprintf("cancelled by task %s", task.ID))
				if err != nil {
					continue
				}
				t.snapshot(cancelled)
				t.event(EventItemStatus, cancelled, cancelled.Reason)
			}
			if t.wm.IsBusy(ref) {
				t.setBusy(ref, false)
			}
		}
	}
}

// failCase moves the case to Failed, cancelling whatever is outstanding.
func (r *Runner) failCase(t *txn, reason string) {
	for _, item := range t.items.Outstanding() {
		cancelled, err := t.items.Cancel(item.ID, "case failed")
		if err != nil {
			continue
		}
		t.snapshot(cancelled)
		t.event(EventItemStatus, cancelled, cancelled.Reason)
	}
	t.setStatus(CaseFailed)
	t.event(EventCaseFailed, nil, reason)
}

// reevaluate recomputes enablement after a marking change: it withdraws work
// items whose tasks lost their tokens, issues work items for newly enabled
// tasks (unless issuance is frozen), and checks for case completion and
// deadlock.
func (r *Runner) reevaluate(t *txn) {
	res := r.eval.Evaluate(r.net, t.wm)

	for _, taskID := range res.Unresolved {
		err := sdkerrors.UnresolvedJoin(r.caseID, taskID, res.StatesExplored[taskID])
		r.logger.Warn("OR-join analysis did not converge; join stays blocked",
			zap.String("taskID", taskID),
			zap.Int("statesExplored", res.StatesExplored[taskID]))
		if r.anomaly != nil {
			r.anomaly(err)
		}
	}

	// Withdraw enabled items of tasks that are no longer enabled, e.g.
	// after a competing XOR path consumed the shared token or a
	// cancellation set emptied their inputs.
	for _, item := range t.items.Outstanding() {
		if item.Status != workitem.StatusEnabled {
			continue
		}
		if t.wm.IsBusy(item.TaskID) || res.IsEnabled(item.TaskID) {
			continue
		}
		withdrawn, err := t.items.Cancel(item.ID, "withdrawn: task no longer enabled")
		if err != nil {
			continue
		}
		t.snapshot(withdrawn)
		t.event(EventItemStatus, withdrawn, withdrawn.Reason)
	}

	// Issue work items for newly enabled tasks.
	if t.status == CaseRunning {
		for _, taskID := range res.Enabled {
			if len(t.items.OutstandingForTask(taskID)) > 0 {
				continue
			}
			task := r.net.Tasks[taskID]
			for _, item := range t.items.Create(task, copyData(t.data)) {
				t.snapshot(item)
				t.event(EventItemEnabled, item, "")
			}
		}
	}

	// A token on the output condition completes the case.
	if t.status == CaseRunning && t.wm.IsMarked(r.net.OutputCondition) {
		for _, item := range t.items.Outstanding() {
			cancelled, err := t.items.Cancel(item.ID, "case completed")
			if err != nil {
				continue
			}
			t.snapshot(cancelled)
			t.event(EventItemStatus, cancelled, cancelled.Reason)
		}
		t.setStatus(CaseCompleted)
		t.event(EventCaseCompleted, nil, "")
		return
	}

	// Deadlock: tokens remain but nothing can ever progress. An
	// unresolved OR-join is a block, not a deadlock; it stays observable.
	if t.status == CaseRunning &&
		len(res.Enabled) == 0 && len(res.Unresolved) == 0 &&
		len(t.wm.Busy) == 0 && len(t.items.Outstanding()) == 0 &&
		t.wm.TotalTokens() > 0 {
		r.logger.Error("Case deadlocked: tokens remain but no task can fire",
			zap.String("marking", t.wm.String()))
		t.event(EventCaseDeadlocked, nil, t.wm.String())
		if r.anomaly != nil {
			r.anomaly(sdkerrors.NewError(sdkerrors.KindInternal, r.caseID, "",
				"case deadlocked: "+t.wm.String(), nil))
		}
		t.setStatus(CaseFailed)
		t.event(EventCaseFailed, nil, "deadlock")
	}
}
