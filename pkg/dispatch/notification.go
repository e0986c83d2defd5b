package dispatch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Notification is the wire form of a case event published to JetStream.
// External task executors consume item notifications and answer with a
// Response on the response subject.
type Notification struct {
	Kind   string `json:"kind"`
	CaseID string `json:"caseId"`
	SpecID string `json:"specId"`

	// Work item fields, present for item notifications.
	ItemID   string         `json:"itemId,omitempty"`
	TaskID   string         `json:"taskId,omitempty"`
	Instance int            `json:"instance,omitempty"`
	Status   string         `json:"status,omitempty"`
	Data     map[string]any `json:"data,omitempty"`

	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// ToBytes serializes the notification to JSON for transmission.
func (n *Notification) ToBytes() ([]byte, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal notification: %w", err)
	}
	return data, nil
}

// Response outcomes reported by task executors.
const (
	OutcomeStarted  = "started"
	OutcomeComplete = "complete"
	OutcomeFailed   = "failed"
)

// Response is an executor's answer for one work item. Outcome drives which
// case runner operation the engine invokes.
type Response struct {
	CaseID  string `json:"caseId"`
	ItemID  string `json:"itemId"`
	Outcome string `json:"outcome"`

	// Output carries the work item's result data for complete outcomes.
	Output map[string]any `json:"output,omitempty"`

	// Cause describes the failure for failed outcomes.
	Cause string `json:"cause,omitempty"`

	// natsMsg holds the original message for acknowledgment (not serialized).
	natsMsg *nats.Msg `json:"-"`
}

// ToBytes serializes the response to JSON for transmission.
func (r *Response) ToBytes() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}
	return data, nil
}

// ResponseFromNATSMsg parses a Response from a raw NATS message, keeping the
// message reference so the caller can Ack or Nak after processing.
func ResponseFromNATSMsg(msg *nats.Msg) (*Response, error) {
	if msg == nil {
		return nil, fmt.Errorf("nats message cannot be nil")
	}
	var resp Response
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	resp.natsMsg = msg
	return &resp, nil
}

// Ack acknowledges the underlying JetStream message.
func (r *Response) Ack() error {
	if r.natsMsg == nil {
		return nil
	}
	return r.natsMsg.Ack()
}

// Nak negatively acknowledges the underlying message for redelivery.
func (r *Response) Nak() error {
	if r.natsMsg == nil {
		return nil
	}
	return r.natsMsg.Nak()
}
