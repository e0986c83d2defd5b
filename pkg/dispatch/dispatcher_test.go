package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/runner"
	"github.com/wehubfusion/Daedalus/pkg/workitem"
)

type publishedMsg struct {
	subject string
	data    []byte
}

// mockJetStream implements JSContext in memory.
type mockJetStream struct {
	mu         sync.Mutex
	streams    map[string]*nats.StreamConfig
	consumers  map[string]*nats.ConsumerConfig
	published  []publishedMsg
	publishErr error
	fetchMsgs  []*nats.Msg
	fetchErr   error
}

func newMockJetStream() *mockJetStream {
	return &mockJetStream{
		streams:   make(map[string]*nats.StreamConfig),
		consumers: make(map[string]*nats.ConsumerConfig),
	}
}

func (m *mockJetStream) Publish(subj string, data []byte, _ ...nats.PubOpt) (*nats.PubAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return nil, m.publishErr
	}
	m.published = append(m.published, publishedMsg{subject: subj, data: data})
	return &nats.PubAck{Sequence: uint64(len(m.published))}, nil
}

func (m *mockJetStream) PullSubscribe(_, _ string, _ ...nats.SubOpt) (JSSubscription, error) {
	return &mockSubscription{js: m}, nil
}

func (m *mockJetStream) StreamInfo(stream string) (*nats.StreamInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.streams[stream]; !ok {
		return nil, nats.ErrStreamNotFound
	}
	return &nats.StreamInfo{}, nil
}

func (m *mockJetStream) AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[cfg.Name] = cfg
	return &nats.StreamInfo{Config: *cfg}, nil
}

func (m *mockJetStream) ConsumerInfo(stream, consumer string) (*nats.ConsumerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.consumers[stream+"/"+consumer]; !ok {
		return nil, nats.ErrConsumerNotFound
	}
	return &nats.ConsumerInfo{}, nil
}

func (m *mockJetStream) AddConsumer(stream string, cfg *nats.ConsumerConfig) (*nats.ConsumerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumers[stream+"/"+cfg.Durable] = cfg
	return &nats.ConsumerInfo{Config: *cfg}, nil
}

func (m *mockJetStream) publishedSubjects() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.published))
	for _, p := range m.published {
		out = append(out, p.subject)
	}
	return out
}

type mockSubscription struct {
	js *mockJetStream
}

func (s *mockSubscription) Unsubscribe() error { return nil }
func (s *mockSubscription) Drain() error       { return nil }
func (s *mockSubscription) IsValid() bool      { return true }

func (s *mockSubscription) Fetch(batch int, _ ...nats.PullOpt) ([]*nats.Msg, error) {
	s.js.mu.Lock()
	defer s.js.mu.Unlock()
	if s.js.fetchErr != nil {
		return nil, s.js.fetchErr
	}
	if len(s.js.fetchMsgs) == 0 {
		return nil, nats.ErrTimeout
	}
	if batch > len(s.js.fetchMsgs) {
		batch = len(s.js.fetchMsgs)
	}
	msgs := s.js.fetchMsgs[:batch]
	s.js.fetchMsgs = s.js.fetchMsgs[batch:]
	return msgs, nil
}

func newTestDispatcher(t *testing.T, js JSContext, cfg Config) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(js, cfg, zap.NewNop())
	require.NoError(t, err)
	return d
}

func TestEnsureStreamsCreatesStreamsAndConsumer(t *testing.T) {
	js := newMockJetStream()
	d := newTestDispatcher(t, js, Config{})

	require.NoError(t, d.EnsureStreams())

	work, ok := js.streams["DAEDALUS_WORK"]
	require.True(t, ok)
	assert.Contains(t, work.Subjects, "work.item.>")
	assert.Equal(t, nats.FileStorage, work.Storage)

	_, ok = js.streams["DAEDALUS_RESPONSES"]
	require.True(t, ok)

	consumer, ok := js.consumers["DAEDALUS_RESPONSES/daedalus-engine"]
	require.True(t, ok)
	assert.Equal(t, nats.AckExplicitPolicy, consumer.AckPolicy)
	assert.Equal(t, 5, consumer.MaxDeliver)

	// second call is a no-op on existing streams
	require.NoError(t, d.EnsureStreams())
	assert.Len(t, js.streams, 2)
}

func TestPublishEventBuildsNotification(t *testing.T) {
	js := newMockJetStream()
	d := newTestDispatcher(t, js, Config{})

	event := runner.Event{
		Kind:   runner.EventItemEnabled,
		CaseID: "case-1",
		SpecID: "approval",
		Item: &workitem.WorkItem{
			ID:       "wi-1",
			TaskID:   "review",
			Instance: 0,
			Status:   workitem.StatusEnabled,
			Data:     map[string]any{"doc": "d-1"},
		},
		At: time.Now(),
	}
	require.NoError(t, d.PublishEvent(context.Background(), event))

	require.Len(t, js.published, 1)
	assert.Equal(t, "work.item.case-1", js.published[0].subject)

	var n Notification
	require.NoError(t, json.Unmarshal(js.published[0].data, &n))
	assert.Equal(t, "item.enabled", n.Kind)
	assert.Equal(t, "wi-1", n.ItemID)
	assert.Equal(t, "review", n.TaskID)
	assert.Equal(t, "d-1", n.Data["doc"])
}

func TestPublishEventReturnsErrorAfterRetries(t *testing.T) {
	js := newMockJetStream()
	js.publishErr = errors.New("nats: connection closed")
	d := newTestDispatcher(t, js, Config{PublishMaxRetries: 1})

	err := d.PublishEvent(context.Background(), runner.Event{
		Kind:   runner.EventCaseStarted,
		CaseID: "case-1",
	})
	require.Error(t, err)
}

func responseMsg(t *testing.T, resp *Response) *nats.Msg {
	t.Helper()
	data, err := resp.ToBytes()
	require.NoError(t, err)
	return &nats.Msg{Subject: "work.response", Data: data}
}

func TestPullResponsesParsesBatch(t *testing.T) {
	js := newMockJetStream()
	js.fetchMsgs = []*nats.Msg{
		responseMsg(t, &Response{CaseID: "case-1", ItemID: "wi-1", Outcome: OutcomeComplete, Output: map[string]any{"ok": true}}),
		responseMsg(t, &Response{CaseID: "case-1", ItemID: "wi-2", Outcome: OutcomeFailed, Cause: "boom"}),
	}
	d := newTestDispatcher(t, js, Config{})

	responses, err := d.PullResponses(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, responses, 2)
	assert.Equal(t, "wi-1", responses[0].ItemID)
	assert.Equal(t, OutcomeComplete, responses[0].Outcome)
	assert.Equal(t, "boom", responses[1].Cause)
}

func TestPullResponsesEmptyOnTimeout(t *testing.T) {
	d := newTestDispatcher(t, newMockJetStream(), Config{})

	responses, err := d.PullResponses(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, responses)
}

func TestPullResponsesDiscardsMalformed(t *testing.T) {
	js := newMockJetStream()
	js.fetchMsgs = []*nats.Msg{
		{Subject: "work.response", Data: []byte("not json")},
		responseMsg(t, &Response{CaseID: "case-1", ItemID: "wi-1", Outcome: OutcomeStarted}),
	}
	d := newTestDispatcher(t, js, Config{})

	responses, err := d.PullResponses(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, "wi-1", responses[0].ItemID)
}

func TestNotifierPublishesQueuedEvents(t *testing.T) {
	js := newMockJetStream()
	d := newTestDispatcher(t, js, Config{})
	n := NewNotifier(d, 16, zap.NewNop())

	for i := 0; i < 3; i++ {
		n.OnCaseEvent(runner.Event{Kind: runner.EventItemEnabled, CaseID: "case-1"})
	}
	n.Close()

	assert.Len(t, js.publishedSubjects(), 3)
}
