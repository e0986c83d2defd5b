package engine

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/persistence"
	"github.com/wehubfusion/Daedalus/pkg/runner"
)

// RecoverCases rebuilds every non-terminal persisted case from its delta log
// and resumes it under this engine. Replay is idempotent, so recovering a
// log that was already partially recovered yields the same state. Each case
// is rebound to its net via the spec id recorded in its delta log; cases
// whose spec is not registered are reported and skipped.
//
// Call after RegisterSpec and before accepting new work.
func (e *Engine) RecoverCases(ctx context.Context, mode concurrency.RecoveryMode) error {
	caseIDs, err := e.store.CaseIDs(ctx)
	if err != nil {
		return fmt.Errorf("list persisted cases: %w", err)
	}
	if len(caseIDs) == 0 {
		return nil
	}

	e.logger.Info("Recovering persisted cases",
		zap.Int("count", len(caseIDs)),
		zap.String("mode", string(mode)))

	if mode != concurrency.RecoveryModeParallel {
		var firstErr error
		for _, caseID := range caseIDs {
			if err := e.recoverCase(ctx, caseID); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, caseID := range caseIDs {
		wg.Add(1)
		go func(caseID string) {
			defer wg.Done()
			if err := e.recoverCase(ctx, caseID); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(caseID)
	}
	wg.Wait()
	return firstErr
}

func (e *Engine) recoverCase(ctx context.Context, caseID string) error {
	state, err := persistence.Recover(ctx, e.store, caseID)
	if err != nil {
		e.reporter.Capture(fmt.Errorf("recover case %s: %w", caseID, err))
		return err
	}

	status := runner.CaseStatus(state.Status)
	if status.IsTerminal() {
		e.logger.Debug("Skipping terminal case during recovery",
			zap.String("caseID", caseID),
			zap.String("status", state.Status))
		return nil
	}

	specID := state.SpecID
	net, err := e.Spec(specID)
	if err != nil {
		err := fmt.Errorf("case %s references unregistered spec %q", caseID, specID)
		e.reporter.Capture(err)
		return err
	}

	if err := e.limiter.Acquire(ctx); err != nil {
		return err
	}

	r, err := runner.NewFromRecovered(runner.Config{
		Net:      net,
		SpecID:   specID,
		Store:    e.store,
		Eval:     e.eval,
		Router:   e.router,
		Logger:   e.logger,
		Listener: e.caseListener(),
		Anomaly:  e.reporter.Capture,
	}, state)
	if err != nil {
		e.limiter.Release()
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		r.Stop()
		e.limiter.Release()
		return nil
	}
	e.cases[caseID] = r
	e.mu.Unlock()

	e.logger.Info("Recovered case",
		zap.String("caseID", caseID),
		zap.String("specID", specID),
		zap.Int("deltasReplayed", state.Replayed))
	return nil
}
