package client

import (
	"context"
	"testing"

	natsclient "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Argus/internal/nats"
	sdkerrors "github.com/wehubfusion/Argus/pkg/errors"
	"github.com/wehubfusion/Argus/pkg/task"
)

type recordingJS struct {
	subjects []string
}

func (r *recordingJS) Publish(subj string, _ []byte, _ ...natsclient.PubOpt) (*natsclient.PubAck, error) {
	r.subjects = append(r.subjects, subj)
	return &natsclient.PubAck{}, nil
}

func (r *recordingJS) PullSubscribe(string, string, ...natsclient.SubOpt) (task.JSSubscription, error) {
	return nil, natsclient.ErrConsumerNotFound
}

func (r *recordingJS) StreamInfo(string) (*natsclient.StreamInfo, error) {
	return &natsclient.StreamInfo{}, nil
}

func (r *recordingJS) AddStream(cfg *natsclient.StreamConfig) (*natsclient.StreamInfo, error) {
	return &natsclient.StreamInfo{Config: *cfg}, nil
}

func (r *recordingJS) ConsumerInfo(string, string) (*natsclient.ConsumerInfo, error) {
	return &natsclient.ConsumerInfo{}, nil
}

func (r *recordingJS) AddConsumer(string, *natsclient.ConsumerConfig) (*natsclient.ConsumerInfo, error) {
	return &natsclient.ConsumerInfo{}, nil
}

func TestNewClientWithJSContext(t *testing.T) {
	cfg := nats.DefaultConnectionConfig("nats://localhost:4222")
	cfg.TaskStream = "DETECTION_UAT"
	cfg.TaskSubject = "DETECTION_UAT.tasks"

	js := &recordingJS{}
	c, err := NewClientWithJSContext(js, cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, c.Tasks)
	assert.Equal(t, "DETECTION_UAT", c.Tasks.Config().Stream)

	require.NoError(t, c.Tasks.Publish(context.Background(), task.New("alert-1", 0, 10)))
	assert.Equal(t, []string{"DETECTION_UAT.tasks"}, js.subjects)
}

func TestClient_NotConnected(t *testing.T) {
	c := NewClient("nats://localhost:4222", nil)
	assert.False(t, c.IsConnected())
	assert.NoError(t, c.Close())
	assert.Equal(t, ConnectionStats{}, c.Stats())

	err := c.Ping(context.Background())
	assert.ErrorIs(t, err, sdkerrors.ErrNotConnected)
}
