// Package engine coordinates specifications and running cases. The engine
// owns the spec registry and the case registry, admits new cases through a
// concurrency limiter, routes work item operations to the owning case
// runner, and finalizes cases when they reach a terminal status.
package engine

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/internal/observe"
	"github.com/wehubfusion/Daedalus/pkg/archive"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/enablement"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/model"
	"github.com/wehubfusion/Daedalus/pkg/persistence"
	"github.com/wehubfusion/Daedalus/pkg/predicate"
	"github.com/wehubfusion/Daedalus/pkg/runner"
)

// Options carries the engine's collaborators. Store is required; everything
// else has a working default.
type Options struct {
	Store persistence.Store

	Logger *zap.Logger

	// Listener receives every case event from every case.
	Listener runner.Listener

	// Archiver, when set, exports terminal cases to blob storage.
	Archiver *archive.Archiver

	// Reporter receives engine anomalies. Defaults to log-only.
	Reporter *observe.Reporter

	// OrJoinMaxStates bounds OR-join analysis; 0 uses the default.
	OrJoinMaxStates int

	// Concurrency overrides the environment-derived concurrency config.
	Concurrency *concurrency.Config
}

// Engine is the coordinator. Safe for concurrent use.
type Engine struct {
	mu     sync.RWMutex
	specs  map[string]*model.Net
	cases  map[string]*runner.Runner
	closed bool

	store    persistence.Store
	eval     *enablement.Evaluator
	router   *enablement.Router
	limiter  *concurrency.Limiter
	logger   *zap.Logger
	listener runner.Listener
	archiver *archive.Archiver
	reporter *observe.Reporter
	tracer   trace.Tracer

	// finalizing tracks cases whose terminal handling is in flight so
	// Shutdown can wait for archives to land.
	finalizing sync.WaitGroup
}

// New creates an engine.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if opts.Logger == nil {
		opts.Logger, _ = zap.NewProduction()
	}
	if opts.Reporter == nil {
		r, err := observe.NewReporter(observe.Config{}, opts.Logger)
		if err != nil {
			return nil, err
		}
		opts.Reporter = r
	}
	conc := opts.Concurrency
	if conc == nil {
		conc = concurrency.LoadConfig()
	}
	opts.Logger.Info("Engine concurrency configured", zap.String("config", conc.String()))

	eval := enablement.NewEvaluator()
	if opts.OrJoinMaxStates > 0 {
		eval = eval.WithMaxStates(opts.OrJoinMaxStates)
	}

	return &Engine{
		specs:    make(map[string]*model.Net),
		cases:    make(map[string]*runner.Runner),
		store:    opts.Store,
		eval:     eval,
		router:   enablement.NewRouter(predicate.NewEvaluator()),
		limiter:  concurrency.NewLimiter(conc.MaxConcurrentCases),
		logger:   opts.Logger,
		listener: opts.Listener,
		archiver: opts.Archiver,
		reporter: opts.Reporter,
		tracer:   otel.Tracer("daedalus/engine"),
	}, nil
}

// RegisterSpec validates a net and adds it to the spec registry. Registering
// the same id again replaces the spec for future launches; running cases
// keep the net they were launched with.
func (e *Engine) RegisterSpec(net *model.Net) error {
	if net == nil {
		return errors.New("net cannot be nil")
	}
	if err := net.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return sdkerrors.ErrEngineClosed
	}
	e.specs[net.ID] = net
	e.logger.Info("Registered specification",
		zap.String("specID", net.ID),
		zap.Int("tasks", len(net.Tasks)),
		zap.Int("conditions", len(net.Conditions)))
	return nil
}

// Spec returns a registered net by id.
func (e *Engine) Spec(specID string) (*model.Net, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	net, ok := e.specs[specID]
	if !ok {
		return nil, sdkerrors.ErrSpecNotFound
	}
	return net, nil
}

// LaunchCase creates and launches a new case of a registered spec, blocking
// while the engine is at its concurrent case limit. Returns the case id.
func (e *Engine) LaunchCase(ctx context.Context, specID string, initialData map[string]any) (string, error) {
	ctx, span := e.tracer.Start(ctx, "engine.LaunchCase",
		trace.WithAttributes(attribute.String("spec.id", specID)))
	defer span.End()

	net, err := e.Spec(specID)
	if err != nil {
		return "", err
	}

	if err := e.limiter.Acquire(ctx); err != nil {
		return "", err
	}

	r, err := runner.New(runner.Config{
		Net:      net,
		SpecID:   specID,
		Store:    e.store,
		Eval:     e.eval,
		Router:   e.router,
		Logger:   e.logger,
		Listener: e.caseListener(),
		Anomaly:  e.reporter.Capture,
	})
	if err != nil {
		e.limiter.Release()
		return "", err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		r.Stop()
		e.limiter.Release()
		return "", sdkerrors.ErrEngineClosed
	}
	e.cases[r.CaseID()] = r
	e.mu.Unlock()

	if err := r.Launch(ctx, initialData); err != nil {
		e.removeCase(r.CaseID())
		r.Stop()
		e.limiter.Release()
		return "", err
	}

	span.SetAttributes(attribute.String("case.id", r.CaseID()))
	e.logger.Info("Launched case",
		zap.String("caseID", r.CaseID()),
		zap.String("specID", specID))
	return r.CaseID(), nil
}

// caseListener fans case events out to the engine listener and triggers
// terminal finalization. Finalization runs on its own goroutine because the
// callback executes on the case's event loop.
func (e *Engine) caseListener() runner.Listener {
	return runner.ListenerFunc(func(event runner.Event) {
		if e.listener != nil {
			e.listener.OnCaseEvent(event)
		}
		switch event.Kind {
		case runner.EventCaseCompleted, runner.EventCaseCancelled, runner.EventCaseFailed:
			e.finalizing.Add(1)
			go e.finalizeCase(event.CaseID)
		}
	})
}

// finalizeCase archives a terminal case, stops its runner and frees its
// admission slot.
func (e *Engine) finalizeCase(caseID string) {
	defer e.finalizing.Done()

	e.mu.RLock()
	r, ok := e.cases[caseID]
	e.mu.RUnlock()
	if !ok {
		return
	}

	ctx := context.Background()
	if e.archiver != nil {
		info, err := r.Snapshot(ctx)
		if err == nil {
			if _, err := e.archiver.Archive(ctx, info); err != nil {
				e.logger.Error("Failed to archive case",
					zap.String("caseID", caseID),
					zap.Error(err))
			}
		}
	}

	r.Stop()
	e.removeCase(caseID)
	e.limiter.Release()
	e.logger.Info("Finalized case", zap.String("caseID", caseID))
}

func (e *Engine) removeCase(caseID string) {
	e.mu.Lock()
	delete(e.cases, caseID)
	e.mu.Unlock()
}

func (e *Engine) caseRunner(caseID string) (*runner.Runner, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, sdkerrors.ErrEngineClosed
	}
	r, ok := e.cases[caseID]
	if !ok {
		return nil, sdkerrors.ErrCaseNotFound
	}
	return r, nil
}

// StartWorkItem starts a work item on its owning case.
func (e *Engine) StartWorkItem(ctx context.Context, caseID, itemID string) error {
	return e.itemOp(ctx, "engine.StartWorkItem", caseID, itemID,
		func(ctx context.Context, r *runner.Runner) error {
			return r.StartItem(ctx, itemID)
		})
}

// CompleteWorkItem completes a work item with its output data.
func (e *Engine) CompleteWorkItem(ctx context.Context, caseID, itemID string, output map[string]any) error {
	return e.itemOp(ctx, "engine.CompleteWorkItem", caseID, itemID,
		func(ctx context.Context, r *runner.Runner) error {
			return r.CompleteItem(ctx, itemID, output)
		})
}

// FailWorkItem records a work item failure.
func (e *Engine) FailWorkItem(ctx context.Context, caseID, itemID, cause string) error {
	return e.itemOp(ctx, "engine.FailWorkItem", caseID, itemID,
		func(ctx context.Context, r *runner.Runner) error {
			return r.FailItem(ctx, itemID, cause)
		})
}

// CancelWorkItem cancels a single work item.
func (e *Engine) CancelWorkItem(ctx context.Context, caseID, itemID, reason string) error {
	return e.itemOp(ctx, "engine.CancelWorkItem", caseID, itemID,
		func(ctx context.Context, r *runner.Runner) error {
			return r.CancelItem(ctx, itemID, reason)
		})
}

// SuspendWorkItem freezes a running work item.
func (e *Engine) SuspendWorkItem(ctx context.Context, caseID, itemID string) error {
	return e.itemOp(ctx, "engine.SuspendWorkItem", caseID, itemID,
		func(ctx context.Context, r *runner.Runner) error {
			return r.SuspendItem(ctx, itemID)
		})
}

// ResumeWorkItem resumes a suspended work item.
func (e *Engine) ResumeWorkItem(ctx context.Context, caseID, itemID string) error {
	return e.itemOp(ctx, "engine.ResumeWorkItem", caseID, itemID,
		func(ctx context.Context, r *runner.Runner) error {
			return r.ResumeItem(ctx, itemID)
		})
}

func (e *Engine) itemOp(ctx context.Context, op, caseID, itemID string, fn func(context.Context, *runner.Runner) error) error {
	ctx, span := e.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("case.id", caseID),
		attribute.String("workitem.id", itemID)))
	defer span.End()

	r, err := e.caseRunner(caseID)
	if err != nil {
		return err
	}
	return fn(ctx, r)
}

// AddInstance adds a runtime instance to a dynamic multi-instance task.
// Returns the new work item id.
func (e *Engine) AddInstance(ctx context.Context, caseID, taskID string, data map[string]any) (string, error) {
	ctx, span := e.tracer.Start(ctx, "engine.AddInstance", trace.WithAttributes(
		attribute.String("case.id", caseID),
		attribute.String("task.id", taskID)))
	defer span.End()

	r, err := e.caseRunner(caseID)
	if err != nil {
		return "", err
	}
	return r.AddInstance(ctx, taskID, data)
}

// SuspendCase freezes work item issuance for a case.
func (e *Engine) SuspendCase(ctx context.Context, caseID string) error {
	r, err := e.caseRunner(caseID)
	if err != nil {
		return err
	}
	return r.Suspend(ctx)
}

// ResumeCase unfreezes a suspended case.
func (e *Engine) ResumeCase(ctx context.Context, caseID string) error {
	r, err := e.caseRunner(caseID)
	if err != nil {
		return err
	}
	return r.Resume(ctx)
}

// CancelCase terminates a case, discarding its marking and cancelling its
// outstanding work items.
func (e *Engine) CancelCase(ctx context.Context, caseID, reason string) error {
	ctx, span := e.tracer.Start(ctx, "engine.CancelCase",
		trace.WithAttributes(attribute.String("case.id", caseID)))
	defer span.End()

	r, err := e.caseRunner(caseID)
	if err != nil {
		return err
	}
	return r.Cancel(ctx, reason)
}

// CaseInfo returns a consistent snapshot of one case.
func (e *Engine) CaseInfo(ctx context.Context, caseID string) (runner.Info, error) {
	r, err := e.caseRunner(caseID)
	if err != nil {
		return runner.Info{}, err
	}
	return r.Snapshot(ctx)
}

// Cases returns the ids of the currently live cases.
func (e *Engine) Cases() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.cases))
	for id := range e.cases {
		out = append(out, id)
	}
	return out
}

// Shutdown stops all case runners, waits for in-flight finalizations, and
// closes the store. Cases remain recoverable from their delta logs.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	runners := make([]*runner.Runner, 0, len(e.cases))
	for _, r := range e.cases {
		runners = append(runners, r)
	}
	e.cases = make(map[string]*runner.Runner)
	e.mu.Unlock()

	for _, r := range runners {
		r.Stop()
	}

	done := make(chan struct{})
	go func() {
		e.finalizing.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.logger.Warn("Shutdown timed out waiting for case finalization")
	}

	err := e.store.Close()
	e.logger.Info("Engine shut down", zap.Int("stoppedCases", len(runners)))
	return err
}
