package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/runner"
)

// Notifier adapts the dispatcher to the case runner's Listener interface.
// Runner callbacks happen on the case event loop and must not block, so the
// notifier queues events and publishes from its own goroutine.
type Notifier struct {
	dispatcher *Dispatcher
	logger     *zap.Logger
	queue      chan runner.Event
	quit       chan struct{}
	closed     sync.Once
	wg         sync.WaitGroup
}

// NewNotifier creates a notifier with a bounded event queue. A queueSize of
// zero uses a default of 256.
func NewNotifier(dispatcher *Dispatcher, queueSize int, logger *zap.Logger) *Notifier {
	if queueSize <= 0 {
		queueSize = 256
	}
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	n := &Notifier{
		dispatcher: dispatcher,
		logger:     logger,
		queue:      make(chan runner.Event, queueSize),
		quit:       make(chan struct{}),
	}
	n.wg.Add(1)
	go n.run()
	return n
}

// OnCaseEvent implements runner.Listener. Events are dropped with a warning
// when the queue is full; the delta log remains the source of truth.
func (n *Notifier) OnCaseEvent(event runner.Event) {
	select {
	case n.queue <- event:
	case <-n.quit:
	default:
		n.logger.Warn("Notification queue full, dropping event",
			zap.String("caseID", event.CaseID),
			zap.String("kind", string(event.Kind)))
	}
}

func (n *Notifier) run() {
	defer n.wg.Done()
	for {
		select {
		case event := <-n.queue:
			n.publish(event)
		case <-n.quit:
			// Flush whatever is already queued.
			for {
				select {
				case event := <-n.queue:
					n.publish(event)
				default:
					return
				}
			}
		}
	}
}

func (n *Notifier) publish(event runner.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := n.dispatcher.PublishEvent(ctx, event); err != nil {
		n.logger.Error("Failed to publish case event",
			zap.String("caseID", event.CaseID),
			zap.String("kind", string(event.Kind)),
			zap.Error(err))
	}
}

// Close stops the notifier after flushing queued events.
func (n *Notifier) Close() {
	n.closed.Do(func() { close(n.quit) })
	n.wg.Wait()
}
