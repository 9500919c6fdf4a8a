// Package task carries detection tasks over NATS JetStream. A task names
// an alert and the window to run it over; delivery is at-least-once.
package task

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/wehubfusion/Argus/pkg/detection"
	sdkerrors "github.com/wehubfusion/Argus/pkg/errors"
)

// Task is one detection run request.
type Task struct {
	// ID identifies the task and doubles as the JetStream message id, so a
	// re-publish of the same task is dropped by the stream.
	ID      string `json:"id"`
	AlertID string `json:"alertId"`
	Start   int64  `json:"start"`
	End     int64  `json:"end"`

	// Metadata holds additional key-value pairs, e.g. the submitter
	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt string `json:"createdAt"`

	// Subject is the subject the task was received on (not serialised)
	Subject string `json:"-"`

	natsMsg *nats.Msg
}

// New creates a task for alertID over [start, end).
func New(alertID string, start, end int64) *Task {
	return &Task{
		ID:        uuid.NewString(),
		AlertID:   alertID,
		Start:     start,
		End:       end,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
}

// WithMetadata adds a metadata entry.
func (t *Task) WithMetadata(key, value string) *Task {
	if t.Metadata == nil {
		t.Metadata = make(map[string]string)
	}
	t.Metadata[key] = value
	return t
}

// Bounds returns the run bounds of the task.
func (t *Task) Bounds() detection.TaskBounds {
	return detection.TaskBounds{TaskID: t.ID, AlertID: t.AlertID, Start: t.Start, End: t.End}
}

// Validate checks the task can be run.
func (t *Task) Validate() error {
	if t.ID == "" {
		return sdkerrors.NewValidationError("task id is required", sdkerrors.ErrInvalidTask)
	}
	if err := t.Bounds().Validate(); err != nil {
		return sdkerrors.NewValidationError(err.Error(), sdkerrors.ErrInvalidTask)
	}
	return nil
}

// ToBytes encodes the task as JSON.
func (t *Task) ToBytes() ([]byte, error) {
	return json.Marshal(t)
}

// FromBytes decodes and validates a task.
func FromBytes(data []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, sdkerrors.NewValidationError("failed to decode task", fmt.Errorf("%w: %w", sdkerrors.ErrInvalidTask, err))
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// FromNATSMsg decodes a task and keeps the message for acknowledgment.
func FromNATSMsg(msg *nats.Msg) (*Task, error) {
	t, err := FromBytes(msg.Data)
	if err != nil {
		return nil, err
	}
	t.Subject = msg.Subject
	t.natsMsg = msg
	return t, nil
}

// Ack marks the task done. It will not be redelivered.
func (t *Task) Ack() error {
	if t.natsMsg == nil || t.natsMsg.Reply == "" {
		return nil
	}
	return t.natsMsg.Ack()
}

// Nak asks JetStream to redeliver the task.
func (t *Task) Nak() error {
	if t.natsMsg == nil || t.natsMsg.Reply == "" {
		return nil
	}
	return t.natsMsg.Nak()
}

// Term stops redelivery of a task that can never succeed.
func (t *Task) Term() error {
	if t.natsMsg == nil || t.natsMsg.Reply == "" {
		return nil
	}
	return t.natsMsg.Term()
}

// InProgress extends the ack deadline of a long-running task.
func (t *Task) InProgress() error {
	if t.natsMsg == nil || t.natsMsg.Reply == "" {
		return nil
	}
	return t.natsMsg.InProgress()
}

// Delivered returns how many times JetStream has delivered the task, or 1
// when the task did not come from JetStream.
func (t *Task) Delivered() uint64 {
	if t.natsMsg == nil || t.natsMsg.Reply == "" {
		return 1
	}
	meta, err := t.natsMsg.Metadata()
	if err != nil {
		return 1
	}
	return meta.NumDelivered
}
