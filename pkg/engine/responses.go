package engine

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/dispatch"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// ApplyResponse applies one executor response to its owning case.
func (e *Engine) ApplyResponse(ctx context.Context, resp *dispatch.Response) error {
	switch resp.Outcome {
	case dispatch.OutcomeStarted:
		return e.StartWorkItem(ctx, resp.CaseID, resp.ItemID)
	case dispatch.OutcomeComplete:
		return e.CompleteWorkItem(ctx, resp.CaseID, resp.ItemID, resp.Output)
	case dispatch.OutcomeFailed:
		return e.FailWorkItem(ctx, resp.CaseID, resp.ItemID, resp.Cause)
	default:
		return fmt.Errorf("unknown response outcome %q for work item %s", resp.Outcome, resp.ItemID)
	}
}

// RunResponseLoop pulls executor responses and applies them through a worker
// pool until the context is cancelled. Persistence failures are Nak'd for
// redelivery; anything else is acknowledged, since redelivering an invalid
// transition can never make it valid.
func (e *Engine) RunResponseLoop(ctx context.Context, d *dispatch.Dispatcher, workers int) {
	if workers <= 0 {
		workers = 4
	}

	work := make(chan *dispatch.Response)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for resp := range work {
				e.handleResponse(ctx, resp)
			}
		}()
	}

	e.logger.Info("Response loop started", zap.Int("workers", workers))
	for ctx.Err() == nil {
		responses, err := d.PullResponses(ctx, 10)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			e.logger.Error("Failed to pull responses", zap.Error(err))
			continue
		}
		for _, resp := range responses {
			select {
			case work <- resp:
			case <-ctx.Done():
			}
		}
	}

	close(work)
	wg.Wait()
	e.logger.Info("Response loop stopped")
}

func (e *Engine) handleResponse(ctx context.Context, resp *dispatch.Response) {
	err := e.ApplyResponse(ctx, resp)
	if err == nil {
		if ackErr := resp.Ack(); ackErr != nil {
			e.logger.Warn("Failed to acknowledge response",
				zap.String("itemID", resp.ItemID),
				zap.Error(ackErr))
		}
		return
	}

	if sdkerrors.IsPersistence(err) {
		// Transient; the transition was rolled back and can be retried.
		e.logger.Warn("Persistence failure applying response, requesting redelivery",
			zap.String("caseID", resp.CaseID),
			zap.String("itemID", resp.ItemID),
			zap.Error(err))
		_ = resp.Nak()
		return
	}

	e.logger.Error("Discarding unapplicable response",
		zap.String("caseID", resp.CaseID),
		zap.String("itemID", resp.ItemID),
		zap.String("outcome", resp.Outcome),
		zap.Error(err))
	_ = resp.Ack()
}
