package runner

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/enablement"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/model"
	"github.com/wehubfusion/Daedalus/pkg/persistence"
	"github.com/wehubfusion/Daedalus/pkg/predicate"
	"github.com/wehubfusion/Daedalus/pkg/workitem"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) OnCaseEvent(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

func newTestRunner(t *testing.T, net *model.Net, store persistence.Store) (*Runner, *eventRecorder) {
	t.Helper()
	rec := &eventRecorder{}
	r, err := New(Config{
		Net:      net,
		SpecID:   net.ID,
		Store:    store,
		Eval:     enablement.NewEvaluator(),
		Router:   enablement.NewRouter(predicate.NewEvaluator()),
		Logger:   zap.NewNop(),
		Listener: rec,
	})
	require.NoError(t, err)
	t.Cleanup(r.Stop)
	return r, rec
}

func itemsForTask(t *testing.T, r *Runner, taskID string) []workitem.WorkItem {
	t.Helper()
	info, err := r.Snapshot(context.Background())
	require.NoError(t, err)
	var out []workitem.WorkItem
	for _, item := range info.Items {
		if item.TaskID == taskID {
			out = append(out, item)
		}
	}
	return out
}

func soleItem(t *testing.T, r *Runner, taskID string, status workitem.Status) workitem.WorkItem {
	t.Helper()
	var matches []workitem.WorkItem
	for _, item := range itemsForTask(t, r, taskID) {
		if item.Status == status {
			matches = append(matches, item)
		}
	}
	require.Len(t, matches, 1, "expected one %s item for task %s", status, taskID)
	return matches[0]
}

func runItem(t *testing.T, r *Runner, taskID string, output map[string]any) {
	t.Helper()
	ctx := context.Background()
	item := soleItem(t, r, taskID, workitem.StatusEnabled)
	require.NoError(t, r.StartItem(ctx, item.ID))
	require.NoError(t, r.CompleteItem(ctx, item.ID, output))
}

func seqNet(t *testing.T) *model.Net {
	t.Helper()
	net, err := model.NewBuilder("seq", "start", "end").
		Condition("mid").
		Task("first", model.GateNone, model.GateNone).
		Task("second", model.GateNone, model.GateNone).
		Flow("start", "first").
		Flow("first", "mid").
		Flow("mid", "second").
		Flow("second", "end").
		Build()
	require.NoError(t, err)
	return net
}

func TestSequentialCaseRunsToCompletion(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryStore()
	r, rec := newTestRunner(t, seqNet(t), store)

	require.NoError(t, r.Launch(ctx, map[string]any{"order": "o-1"}))
	runItem(t, r, "first", nil)
	runItem(t, r, "second", nil)

	info, err := r.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, CaseCompleted, info.Status)
	assert.Equal(t, 1, info.Marking.TokenCount("end"))
	assert.Equal(t, 1, info.Marking.TotalTokens())
	assert.Empty(t, info.Marking.BusyTasks())

	kinds := rec.kinds()
	assert.Contains(t, kinds, EventCaseStarted)
	assert.Contains(t, kinds, EventCaseCompleted)
}

func TestLaunchTwiceFails(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRunner(t, seqNet(t), persistence.NewMemoryStore())

	require.NoError(t, r.Launch(ctx, nil))
	err := r.Launch(ctx, nil)
	require.Error(t, err)
	assert.True(t, sdkerrors.IsInvalidState(err))
}

func andNet(t *testing.T) *model.Net {
	t.Helper()
	net, err := model.NewBuilder("parallel", "start", "end").
		Condition("c1").
		Condition("c2").
		Condition("d1").
		Condition("d2").
		Task("split", model.GateNone, model.GateAND).
		Task("left", model.GateNone, model.GateNone).
		Task("right", model.GateNone, model.GateNone).
		Task("join", model.GateAND, model.GateNone).
		Flow("start", "split").
		Flow("split", "c1").
		Flow("split", "c2").
		Flow("c1", "left").
		Flow("c2", "right").
		Flow("left", "d1").
		Flow("right", "d2").
		Flow("d1", "join").
		Flow("d2", "join").
		Flow("join", "end").
		Build()
	require.NoError(t, err)
	return net
}

func TestAndSplitJoinSynchronizes(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRunner(t, andNet(t), persistence.NewMemoryStore())

	require.NoError(t, r.Launch(ctx, nil))
	runItem(t, r, "split", nil)

	// both branches run; the join waits for the second
	runItem(t, r, "left", nil)
	assert.Empty(t, itemsForTask(t, r, "join"))

	runItem(t, r, "right", nil)
	runItem(t, r, "join", nil)

	info, err := r.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, CaseCompleted, info.Status)
	assert.Equal(t, 1, info.Marking.TotalTokens())
}

func xorNet(t *testing.T) *model.Net {
	t.Helper()
	net, err := model.NewBuilder("choice", "start", "end").
		Condition("hi").
		Condition("lo").
		Condition("done").
		Task("route", model.GateNone, model.GateXOR).
		Task("approve", model.GateNone, model.GateNone).
		Task("autopay", model.GateNone, model.GateNone).
		Task("close", model.GateXOR, model.GateNone).
		Flow("start", "route").
		FlowIf("route", "hi", "data.amount > 1000").
		Flow("route", "lo").
		Flow("hi", "approve").
		Flow("lo", "autopay").
		Flow("approve", "done").
		Flow("autopay", "done").
		Flow("done", "close").
		Flow("close", "end").
		Build()
	require.NoError(t, err)
	return net
}

func TestXorSplitRoutesByPredicate(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRunner(t, xorNet(t), persistence.NewMemoryStore())

	require.NoError(t, r.Launch(ctx, map[string]any{"amount": 5000.0}))
	runItem(t, r, "route", nil)

	// only the matching branch gets a work item
	assert.Len(t, itemsForTask(t, r, "approve"), 1)
	assert.Empty(t, itemsForTask(t, r, "autopay"))

	runItem(t, r, "approve", nil)
	runItem(t, r, "close", nil)

	info, err := r.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, CaseCompleted, info.Status)
}

func TestXorSplitDefaultFlow(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRunner(t, xorNet(t), persistence.NewMemoryStore())

	require.NoError(t, r.Launch(ctx, map[string]any{"amount": 10.0}))
	runItem(t, r, "route", nil)

	assert.Len(t, itemsForTask(t, r, "autopay"), 1)
	assert.Empty(t, itemsForTask(t, r, "approve"))
}

func TestXorSplitNoMatchFailsCase(t *testing.T) {
	ctx := context.Background()
	net, err := model.NewBuilder("strict", "start", "end").
		Condition("c1").
		Task("route", model.GateNone, model.GateXOR).
		Task("t1", model.GateNone, model.GateNone).
		Flow("start", "route").
		FlowIf("route", "c1", "data.kind === 'a'").
		FlowIf("route", "end", "data.kind === 'b'").
		Flow("c1", "t1").
		Flow("t1", "end").
		Build()
	require.NoError(t, err)

	r, rec := newTestRunner(t, net, persistence.NewMemoryStore())
	require.NoError(t, r.Launch(ctx, map[string]any{"kind": "c"}))
	runItem(t, r, "route", nil)

	info, err := r.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, CaseFailed, info.Status)
	assert.Contains(t, rec.kinds(), EventCaseFailed)
}

func miNet(t *testing.T) *model.Net {
	t.Helper()
	net, err := model.NewBuilder("signoff", "start", "end").
		MultiInstanceTask("sign", model.GateNone, model.GateNone,
			model.MISpec{Min: 3, Max: 3, Threshold: 2, Mode: model.CreationStatic}).
		Flow("start", "sign").
		Flow("sign", "end").
		Build()
	require.NoError(t, err)
	return net
}

func TestMultiInstanceThresholdCompletesTask(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRunner(t, miNet(t), persistence.NewMemoryStore())

	require.NoError(t, r.Launch(ctx, nil))

	items := itemsForTask(t, r, "sign")
	require.Len(t, items, 3)

	for _, item := range items {
		require.NoError(t, r.StartItem(ctx, item.ID))
	}
	require.NoError(t, r.CompleteItem(ctx, items[0].ID, nil))

	// threshold not reached yet
	info, err := r.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, CaseRunning, info.Status)

	require.NoError(t, r.CompleteItem(ctx, items[1].ID, nil))

	// threshold reached: the case completes and the remaining sibling
	// is cancelled
	info, err = r.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, CaseCompleted, info.Status)

	var cancelled int
	for _, item := range itemsForTask(t, r, "sign") {
		if item.Status == workitem.StatusCancelled {
			cancelled++
		}
	}
	assert.Equal(t, 1, cancelled)
}

func TestDynamicInstanceAddition(t *testing.T) {
	ctx := context.Background()
	net, err := model.NewBuilder("dyn", "start", "end").
		MultiInstanceTask("collect", model.GateNone, model.GateNone,
			model.MISpec{Min: 1, Max: 3, Threshold: 2, Mode: model.CreationDynamic}).
		Flow("start", "collect").
		Flow("collect", "end").
		Build()
	require.NoError(t, err)

	r, _ := newTestRunner(t, net, persistence.NewMemoryStore())
	require.NoError(t, r.Launch(ctx, nil))

	first := soleItem(t, r, "collect", workitem.StatusEnabled)

	// instances may only be added while the task is running
	_, err = r.AddInstance(ctx, "collect", nil)
	require.Error(t, err)

	require.NoError(t, r.StartItem(ctx, first.ID))
	secondID, err := r.AddInstance(ctx, "collect", map[string]any{"n": 2})
	require.NoError(t, err)

	require.NoError(t, r.StartItem(ctx, secondID))
	require.NoError(t, r.CompleteItem(ctx, first.ID, nil))
	require.NoError(t, r.CompleteItem(ctx, secondID, nil))

	info, err := r.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, CaseCompleted, info.Status)
}

func cancelNet(t *testing.T) *model.Net {
	t.Helper()
	// escalate cancels the pending approval branch
	net, err := model.NewBuilder("escalation", "start", "end").
		Condition("c1").
		Condition("c2").
		Condition("d1").
		Task("split", model.GateNone, model.GateAND).
		Task("approve", model.GateNone, model.GateNone).
		Task("escalate", model.GateNone, model.GateNone).
		Task("finish", model.GateXOR, model.GateNone).
		Flow("start", "split").
		Flow("split", "c1").
		Flow("split", "c2").
		Flow("c1", "approve").
		Flow("c2", "escalate").
		Flow("approve", "d1").
		Flow("escalate", "d1").
		Flow("d1", "finish").
		Flow("finish", "end").
		Cancels("escalate", "c1", "approve").
		Build()
	require.NoError(t, err)
	return net
}

func TestCancellationSetAppliedAtomicallyOnFiring(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRunner(t, cancelNet(t), persistence.NewMemoryStore())

	require.NoError(t, r.Launch(ctx, nil))
	runItem(t, r, "split", nil)

	approval := soleItem(t, r, "approve", workitem.StatusEnabled)
	escalation := soleItem(t, r, "escalate", workitem.StatusEnabled)

	// firing escalate empties c1 and withdraws the approval item
	require.NoError(t, r.StartItem(ctx, escalation.ID))

	info, err := r.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, info.Marking.TokenCount("c1"))

	for _, item := range info.Items {
		if item.ID == approval.ID {
			assert.Equal(t, workitem.StatusCancelled, item.Status)
		}
	}

	require.NoError(t, r.CompleteItem(ctx, escalation.ID, nil))
	runItem(t, r, "finish", nil)

	info, err = r.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, CaseCompleted, info.Status)
}

func TestPersistenceFailureRollsBackTransition(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryStore()
	r, _ := newTestRunner(t, seqNet(t), store)

	require.NoError(t, r.Launch(ctx, nil))
	item := soleItem(t, r, "first", workitem.StatusEnabled)

	store.FailAppends = errors.New("disk full")
	err := r.StartItem(ctx, item.ID)
	require.Error(t, err)
	assert.True(t, sdkerrors.IsPersistence(err))

	// state is exactly as before the failed transition
	info, err := r.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, info.Marking.TokenCount("start"))
	assert.Empty(t, info.Marking.BusyTasks())
	assert.Equal(t, workitem.StatusEnabled, soleItem(t, r, "first", workitem.StatusEnabled).Status)

	// the same transition succeeds once the store recovers
	store.FailAppends = nil
	require.NoError(t, r.StartItem(ctx, item.ID))
	require.NoError(t, r.CompleteItem(ctx, item.ID, nil))
	runItem(t, r, "second", nil)

	info, err = r.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, CaseCompleted, info.Status)
}

func TestDeadlockDetected(t *testing.T) {
	ctx := context.Background()
	// exclusive choice feeding a synchronizing join: one branch can
	// never deliver its token
	net, err := model.NewBuilder("stuck", "start", "end").
		Condition("c1").
		Condition("c2").
		Task("choose", model.GateNone, model.GateXOR).
		Task("join", model.GateAND, model.GateNone).
		Flow("start", "choose").
		FlowIf("choose", "c1", "data.left").
		Flow("choose", "c2").
		Flow("c1", "join").
		Flow("c2", "join").
		Flow("join", "end").
		Build()
	require.NoError(t, err)

	r, rec := newTestRunner(t, net, persistence.NewMemoryStore())
	require.NoError(t, r.Launch(ctx, map[string]any{"left": true}))
	runItem(t, r, "choose", nil)

	info, err := r.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, CaseFailed, info.Status)
	assert.Contains(t, rec.kinds(), EventCaseDeadlocked)
}

func TestSuspendFreezesIssuance(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRunner(t, seqNet(t), persistence.NewMemoryStore())

	require.NoError(t, r.Launch(ctx, nil))
	item := soleItem(t, r, "first", workitem.StatusEnabled)

	require.NoError(t, r.Suspend(ctx))

	// running items may finish, but no new items are issued
	require.NoError(t, r.StartItem(ctx, item.ID))
	require.NoError(t, r.CompleteItem(ctx, item.ID, nil))
	assert.Empty(t, itemsForTask(t, r, "second"))

	require.NoError(t, r.Resume(ctx))
	assert.Len(t, itemsForTask(t, r, "second"), 1)

	runItem(t, r, "second", nil)
	info, err := r.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, CaseCompleted, info.Status)
}

func TestCancelCaseDiscardsEverything(t *testing.T) {
	ctx := context.Background()
	r, rec := newTestRunner(t, andNet(t), persistence.NewMemoryStore())

	require.NoError(t, r.Launch(ctx, nil))
	runItem(t, r, "split", nil)

	require.NoError(t, r.Cancel(ctx, "operator request"))

	info, err := r.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, CaseCancelled, info.Status)
	assert.Equal(t, 0, info.Marking.TotalTokens())
	for _, item := range info.Items {
		assert.True(t, item.Status.IsTerminal())
	}
	assert.Contains(t, rec.kinds(), EventCaseCancelled)

	// a terminal case accepts no further events
	err = r.Cancel(ctx, "again")
	require.Error(t, err)
}

func TestFaultPolicyFailCase(t *testing.T) {
	ctx := context.Background()
	r, rec := newTestRunner(t, andNet(t), persistence.NewMemoryStore())

	require.NoError(t, r.Launch(ctx, nil))
	runItem(t, r, "split", nil)

	left := soleItem(t, r, "left", workitem.StatusEnabled)
	require.NoError(t, r.StartItem(ctx, left.ID))
	require.NoError(t, r.FailItem(ctx, left.ID, "executor crashed"))

	info, err := r.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, CaseFailed, info.Status)
	assert.Contains(t, rec.kinds(), EventCaseFailed)
}

func TestFaultPolicyTolerateKeepsCaseAlive(t *testing.T) {
	ctx := context.Background()
	net, err := model.NewBuilder("tolerant", "start", "end").
		MultiInstanceTask("sign", model.GateNone, model.GateNone,
			model.MISpec{Min: 2, Max: 2, Threshold: 1, Mode: model.CreationStatic}).
		Flow("start", "sign").
		Flow("sign", "end").
		FaultPolicy(model.FaultTolerate).
		Build()
	require.NoError(t, err)

	r, _ := newTestRunner(t, net, persistence.NewMemoryStore())
	require.NoError(t, r.Launch(ctx, nil))

	items := itemsForTask(t, r, "sign")
	require.Len(t, items, 2)
	for _, item := range items {
		require.NoError(t, r.StartItem(ctx, item.ID))
	}

	require.NoError(t, r.FailItem(ctx, items[0].ID, "signer unavailable"))

	info, err := r.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, CaseRunning, info.Status)

	require.NoError(t, r.CompleteItem(ctx, items[1].ID, nil))

	info, err = r.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, CaseCompleted, info.Status)
}

func TestCompletionDataMergesIntoCaseData(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRunner(t, seqNet(t), persistence.NewMemoryStore())

	require.NoError(t, r.Launch(ctx, map[string]any{"order": "o-1", "total": 10.0}))

	first := soleItem(t, r, "first", workitem.StatusEnabled)
	require.NoError(t, r.StartItem(ctx, first.ID))
	require.NoError(t, r.CompleteItem(ctx, first.ID, map[string]any{"total": 25.0, "checked": true}))

	info, err := r.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "o-1", info.Data["order"])
	assert.Equal(t, 25.0, info.Data["total"])
	assert.Equal(t, true, info.Data["checked"])
}

func TestRecoveredRunnerResumesMidCase(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryStore()
	first, _ := newTestRunner(t, seqNet(t), store)

	require.NoError(t, first.Launch(ctx, map[string]any{"order": "o-9"}))
	item := soleItem(t, first, "first", workitem.StatusEnabled)
	require.NoError(t, first.StartItem(ctx, item.ID))
	first.Stop()

	state, err := persistence.Recover(ctx, store, first.CaseID())
	require.NoError(t, err)

	rec := &eventRecorder{}
	r, err := NewFromRecovered(Config{
		Net:      seqNet(t),
		SpecID:   "seq",
		Store:    store,
		Eval:     enablement.NewEvaluator(),
		Router:   enablement.NewRouter(predicate.NewEvaluator()),
		Logger:   zap.NewNop(),
		Listener: rec,
	}, state)
	require.NoError(t, err)
	t.Cleanup(r.Stop)

	assert.Equal(t, first.CaseID(), r.CaseID())

	// the in-flight item is still executing after recovery
	recovered := soleItem(t, r, "first", workitem.StatusExecuting)
	assert.Equal(t, item.ID, recovered.ID)

	require.NoError(t, r.CompleteItem(ctx, recovered.ID, nil))
	runItem(t, r, "second", nil)

	info, err := r.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, CaseCompleted, info.Status)
	assert.Equal(t, "o-9", info.Data["order"])
}

func TestStoppedRunnerRejectsOperations(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRunner(t, seqNet(t), persistence.NewMemoryStore())
	require.NoError(t, r.Launch(ctx, nil))
	r.Stop()

	err := r.Suspend(ctx)
	require.ErrorIs(t, err, sdkerrors.ErrEngineClosed)
}
