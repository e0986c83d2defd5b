// Package runner implements the per-case orchestrator. A Runner owns one
// case's marking and work items and is their sole mutator: every external
// event is delivered through a mailbox and processed to completion,
// including the persistence round-trip, before the next one is accepted.
// No transition is acknowledged to the caller before its delta is durable.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/enablement"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/marking"
	"github.com/wehubfusion/Daedalus/pkg/model"
	"github.com/wehubfusion/Daedalus/pkg/persistence"
	"github.com/wehubfusion/Daedalus/pkg/workitem"
)

// Runner executes one case. All fields below the mailbox are owned by the
// event loop goroutine and never touched from outside it.
type Runner struct {
	caseID string
	specID string
	net    *model.Net

	store    persistence.Store
	eval     *enablement.Evaluator
	router   *enablement.Router
	logger   *zap.Logger
	listener Listener
	anomaly  func(error)

	mailbox chan request
	quit    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup

	// event-loop-owned state
	mark   *marking.Marking
	items  *workitem.Manager
	data   map[string]any
	status CaseStatus
}

type request struct {
	fn    func(ctx context.Context) error
	ctx   context.Context
	reply chan error
}

// Config carries the collaborators a runner needs.
type Config struct {
	Net      *model.Net
	SpecID   string
	Store    persistence.Store
	Eval     *enablement.Evaluator
	Router   *enablement.Router
	Logger   *zap.Logger
	Listener Listener

	// Anomaly, when set, receives non-fatal anomalies worth escalating to
	// error tracking: non-convergent OR-join analyses and deadlocked cases.
	Anomaly func(error)

	// CaseID is assigned when empty (new case) and required for recovery.
	CaseID string

	// MailboxSize bounds queued events per case; 0 uses a default of 64.
	MailboxSize int
}

// New creates a runner for a fresh case. The case does not exist until
// Launch succeeds.
func New(cfg Config) (*Runner, error) {
	if cfg.Net == nil {
		return nil, errors.New("net cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if cfg.Eval == nil {
		return nil, errors.New("evaluator cannot be nil")
	}
	if cfg.Router == nil {
		return nil, errors.New("router cannot be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger, _ = zap.NewProduction()
	}
	caseID := cfg.CaseID
	if caseID == "" {
		caseID = uuid.NewString()
	}
	size := cfg.MailboxSize
	if size <= 0 {
		size = 64
	}

	r := &Runner{
		caseID:   caseID,
		specID:   cfg.SpecID,
		net:      cfg.Net,
		store:    cfg.Store,
		eval:     cfg.Eval,
		router:   cfg.Router,
		logger:   cfg.Logger.With(zap.String("caseID", caseID), zap.String("specID", cfg.SpecID)),
		listener: cfg.Listener,
		anomaly:  cfg.Anomaly,
		mailbox:  make(chan request, size),
		quit:     make(chan struct{}),
		mark:     marking.New(),
		items:    workitem.NewManager(caseID),
		data:     map[string]any{},
	}
	r.wg.Add(1)
	go r.loop()
	return r, nil
}

// NewFromRecovered creates a runner whose state is rebuilt from a persisted
// delta log. The runner resumes exactly where the log left off.
func NewFromRecovered(cfg Config, state *persistence.RecoveredState) (*Runner, error) {
	cfg.CaseID = state.CaseID
	r, err := New(cfg)
	if err != nil {
		return nil, err
	}
	r.mark = state.Marking.Copy()
	for _, snap := range state.Items {
		r.items.Restore(snap)
	}
	if state.Data != nil {
		r.data = state.Data
	}
	r.status = CaseStatus(state.Status)
	if r.status == "" {
		r.status = CaseRunning
	}
	r.logger.Info("Recovered case state",
		zap.Int("deltasReplayed", state.Replayed),
		zap.String("status", string(r.status)),
		zap.String("marking", r.mark.String()))
	return r, nil
}

// CaseID returns the case identifier.
func (r *Runner) CaseID() string { return r.caseID }

// SpecID returns the specification identifier the case was launched from.
func (r *Runner) SpecID() string { return r.specID }

// loop is the single consumer of the mailbox. Events are processed strictly
// in receipt order, one at a time to completion.
func (r *Runner) loop() {
	defer r.wg.Done()
	for {
		select {
		case req := <-r.mailbox:
			req.reply <- req.fn(req.ctx)
		case <-r.quit:
			// Reject requests that already made it into the mailbox.
			for {
				select {
				case req := <-r.mailbox:
					req.reply <- sdkerrors.ErrEngineClosed
				default:
					return
				}
			}
		}
	}
}

// do submits fn to the event loop and waits for its result.
func (r *Runner) do(ctx context.Context, fn func(ctx context.Context) error) error {
	req := request{fn: fn, ctx: ctx, reply: make(chan error, 1)}
	select {
	case r.mailbox <- req:
	case <-r.quit:
		return sdkerrors.ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-r.quit:
		return sdkerrors.ErrEngineClosed
	}
}

// Stop terminates the event loop. In-flight work finishes first; queued but
// unprocessed events are rejected. Stop does not cancel the case.
func (r *Runner) Stop() {
	r.stopped.Do(func() { close(r.quit) })
	r.wg.Wait()
}

// Info is a point-in-time snapshot of the case, safe to retain.
type Info struct {
	CaseID  string
	SpecID  string
	Status  CaseStatus
	Marking *marking.Marking
	Items   []workitem.WorkItem
	Data    map[string]any
}

// Snapshot returns a consistent snapshot of the case state.
func (r *Runner) Snapshot(ctx context.Context) (Info, error) {
	var info Info
	err := r.do(ctx, func(context.Context) error {
		info = Info{
			CaseID:  r.caseID,
			SpecID:  r.specID,
			Status:  r.status,
			Marking: r.mark.Copy(),
			Data:    copyData(r.data),
		}
		for _, item := range r.items.Items() {
			info.Items = append(info.Items, *item)
		}
		return nil
	})
	return info, err
}

func (r *Runner) emit(events []Event) {
	if r.listener == nil {
		return
	}
	for _, ev := range events {
		r.listener.OnCaseEvent(ev)
	}
}

func copyData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

func (r *Runner) requireStatus(want ...CaseStatus) error {
	for _, s := range want {
		if r.status == s {
			return nil
		}
	}
	return sdkerrors.InvalidState(r.caseID, "", fmt.Sprintf("case is %s", r.status))
}
