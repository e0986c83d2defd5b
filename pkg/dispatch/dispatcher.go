// Package dispatch connects case runners to external task executors over
// NATS JetStream. Enabled work items are published as notifications on the
// work subject; executors report starts, completions and failures on the
// response subject, which the engine pulls and applies to the owning case.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/runner"
)

// JSContext is the minimal subset of JetStream operations the dispatcher
// depends on. Tests provide a mock without a running NATS server.
type JSContext interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
	PullSubscribe(subj, durable string, opts ...nats.SubOpt) (JSSubscription, error)
	StreamInfo(stream string) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error)
	ConsumerInfo(stream, consumer string) (*nats.ConsumerInfo, error)
	AddConsumer(stream string, cfg *nats.ConsumerConfig) (*nats.ConsumerInfo, error)
}

// JSSubscription abstracts the subscription operations the dispatcher uses.
type JSSubscription interface {
	Unsubscribe() error
	Drain() error
	IsValid() bool
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
}

// WrapNATSJetStream adapts a nats.JetStreamContext to the JSContext interface.
func WrapNATSJetStream(js nats.JetStreamContext) JSContext {
	return &natsJSAdapter{js: js}
}

type natsJSAdapter struct {
	js nats.JetStreamContext
}

func (a *natsJSAdapter) Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error) {
	return a.js.Publish(subj, data, opts...)
}

func (a *natsJSAdapter) PullSubscribe(subj, durable string, opts ...nats.SubOpt) (JSSubscription, error) {
	sub, err := a.js.PullSubscribe(subj, durable, opts...)
	if err != nil {
		return nil, err
	}
	return &natsSubAdapter{sub: sub}, nil
}

func (a *natsJSAdapter) StreamInfo(stream string) (*nats.StreamInfo, error) {
	return a.js.StreamInfo(stream)
}

func (a *natsJSAdapter) AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error) {
	return a.js.AddStream(cfg)
}

func (a *natsJSAdapter) ConsumerInfo(stream, consumer string) (*nats.ConsumerInfo, error) {
	return a.js.ConsumerInfo(stream, consumer)
}

func (a *natsJSAdapter) AddConsumer(stream string, cfg *nats.ConsumerConfig) (*nats.ConsumerInfo, error) {
	return a.js.AddConsumer(stream, cfg)
}

type natsSubAdapter struct {
	sub *nats.Subscription
}

func (s *natsSubAdapter) Unsubscribe() error { return s.sub.Unsubscribe() }
func (s *natsSubAdapter) Drain() error       { return s.sub.Drain() }
func (s *natsSubAdapter) IsValid() bool      { return s.sub.IsValid() }
func (s *natsSubAdapter) Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error) {
	return s.sub.Fetch(batch, opts...)
}

// Config configures the dispatcher's streams, subjects and retry behavior.
type Config struct {
	// WorkStream is the JetStream stream for outgoing notifications.
	// Default is "DAEDALUS_WORK".
	WorkStream string

	// WorkSubject is the subject notifications are published on.
	// Default is "work.item".
	WorkSubject string

	// ResponseStream holds incoming executor responses.
	// Default is "DAEDALUS_RESPONSES".
	ResponseStream string

	// ResponseSubject is the subject executors publish responses on.
	// Default is "work.response".
	ResponseSubject string

	// ResponseConsumer is the durable consumer name for the response pull
	// loop. Default is "daedalus-engine".
	ResponseConsumer string

	// PublishMaxRetries bounds retry attempts for notification publishes.
	// Default is 3 with a linear backoff between attempts.
	PublishMaxRetries int

	// MaxDeliver bounds redelivery of unacknowledged responses. Default 5.
	MaxDeliver int
}

func (c *Config) applyDefaults() {
	if c.WorkStream == "" {
		c.WorkStream = "DAEDALUS_WORK"
	}
	if c.WorkSubject == "" {
		c.WorkSubject = "work.item"
	}
	if c.ResponseStream == "" {
		c.ResponseStream = "DAEDALUS_RESPONSES"
	}
	if c.ResponseSubject == "" {
		c.ResponseSubject = "work.response"
	}
	if c.ResponseConsumer == "" {
		c.ResponseConsumer = "daedalus-engine"
	}
	if c.PublishMaxRetries <= 0 {
		c.PublishMaxRetries = 3
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = 5
	}
}

// Dispatcher publishes case notifications and pulls executor responses.
type Dispatcher struct {
	js     JSContext
	cfg    Config
	logger *zap.Logger
}

// NewDispatcher creates a dispatcher over the given JetStream context.
func NewDispatcher(js JSContext, cfg Config, logger *zap.Logger) (*Dispatcher, error) {
	if js == nil {
		return nil, fmt.Errorf("JetStream context cannot be nil")
	}
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	cfg.applyDefaults()
	return &Dispatcher{js: js, cfg: cfg, logger: logger}, nil
}

// EnsureStreams creates the work and response streams and the durable
// response consumer when they do not exist yet.
func (d *Dispatcher) EnsureStreams() error {
	streams := []struct {
		name    string
		subject string
	}{
		{d.cfg.WorkStream, d.cfg.WorkSubject},
		{d.cfg.ResponseStream, d.cfg.ResponseSubject},
	}
	for _, s := range streams {
		if err := d.ensureStream(s.name, s.subject); err != nil {
			return err
		}
	}
	return d.ensureConsumer(d.cfg.ResponseStream, d.cfg.ResponseConsumer)
}

func (d *Dispatcher) ensureStream(name, subject string) error {
	info, err := d.js.StreamInfo(name)
	if err == nil {
		d.logger.Info("JetStream stream already exists",
			zap.String("stream", name),
			zap.Uint64("messages", info.State.Msgs))
		return nil
	}
	if err != nats.ErrStreamNotFound {
		return fmt.Errorf("failed to get stream info for '%s': %w", name, err)
	}

	d.logger.Info("Creating JetStream stream",
		zap.String("stream", name),
		zap.String("subject", subject))
	_, err = d.js.AddStream(&nats.StreamConfig{
		Name:     name,
		Subjects: []string{fmt.Sprintf("%s.>", subject), subject},
		Storage:  nats.FileStorage,
		MaxAge:   24 * time.Hour,
		MaxMsgs:  100000,
		Replicas: 1,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream '%s': %w", name, err)
	}
	return nil
}

func (d *Dispatcher) ensureConsumer(stream, consumer string) error {
	_, err := d.js.ConsumerInfo(stream, consumer)
	if err == nil {
		return nil
	}
	if err != nats.ErrConsumerNotFound {
		return fmt.Errorf("failed to get consumer info for '%s' in stream '%s': %w", consumer, stream, err)
	}

	d.logger.Info("Creating JetStream consumer",
		zap.String("stream", stream),
		zap.String("consumer", consumer))
	_, err = d.js.AddConsumer(stream, &nats.ConsumerConfig{
		Durable:       consumer,
		AckPolicy:     nats.AckExplicitPolicy,
		DeliverPolicy: nats.DeliverAllPolicy,
		MaxAckPending: 1000,
		MaxDeliver:    d.cfg.MaxDeliver,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer '%s' in stream '%s': %w", consumer, stream, err)
	}
	return nil
}

// PublishEvent publishes a case event as a notification on the work subject,
// retrying transient publish failures.
func (d *Dispatcher) PublishEvent(ctx context.Context, event runner.Event) error {
	n := &Notification{
		Kind:   string(event.Kind),
		CaseID: event.CaseID,
		SpecID: event.SpecID,
		Reason: event.Reason,
		At:     event.At,
	}
	if event.Item != nil {
		n.ItemID = event.Item.ID
		n.TaskID = event.Item.TaskID
		n.Instance = event.Item.Instance
		n.Status = string(event.Item.Status)
		n.Data = event.Item.Data
	}

	data, err := n.ToBytes()
	if err != nil {
		return err
	}

	subject := fmt.Sprintf("%s.%s", d.cfg.WorkSubject, event.CaseID)
	var publishErr error
	for attempt := 1; attempt <= d.cfg.PublishMaxRetries; attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("publish cancelled: %w", ctx.Err())
		}
		_, publishErr = d.js.Publish(subject, data)
		if publishErr == nil {
			break
		}
		if attempt < d.cfg.PublishMaxRetries {
			d.logger.Warn("Failed to publish notification, retrying",
				zap.String("caseID", event.CaseID),
				zap.String("kind", string(event.Kind)),
				zap.Int("attempt", attempt),
				zap.Error(publishErr))
			time.Sleep(time.Duration(attempt) * time.Second)
		}
	}
	if publishErr != nil {
		d.logger.Error("Failed to publish notification after all retries",
			zap.String("caseID", event.CaseID),
			zap.String("kind", string(event.Kind)),
			zap.Int("attempts", d.cfg.PublishMaxRetries),
			zap.Error(publishErr))
		return fmt.Errorf("failed to publish notification: %w", publishErr)
	}
	return nil
}

// PullResponses fetches a batch of executor responses from the durable
// consumer. Responses are not acknowledged here; callers Ack after applying
// the response or Nak to have it redelivered. Returns an empty slice when no
// responses arrive within the wait window.
func (d *Dispatcher) PullResponses(ctx context.Context, batchSize int) ([]*Response, error) {
	if batchSize <= 0 {
		batchSize = 10
	}

	sub, err := d.js.PullSubscribe("", d.cfg.ResponseConsumer,
		nats.Bind(d.cfg.ResponseStream, d.cfg.ResponseConsumer))
	if err != nil {
		return nil, fmt.Errorf("failed to bind response consumer: %w", err)
	}
	defer sub.Unsubscribe()

	timeout := 3 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < timeout {
			timeout = remaining
		}
	}

	msgs, err := sub.Fetch(batchSize, nats.MaxWait(timeout))
	if err != nil {
		if err == nats.ErrTimeout {
			return []*Response{}, nil
		}
		return nil, fmt.Errorf("failed to fetch responses: %w", err)
	}

	responses := make([]*Response, 0, len(msgs))
	for _, msg := range msgs {
		resp, err := ResponseFromNATSMsg(msg)
		if err != nil {
			d.logger.Warn("Discarding malformed response", zap.Error(err))
			_ = msg.Term()
			continue
		}
		responses = append(responses, resp)
	}
	return responses, nil
}
