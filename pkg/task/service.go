package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/Argus/pkg/errors"
)

// JSContext is the subset of JetStream the service depends on, so tests
// can run without a NATS server.
type JSContext interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
	PullSubscribe(subj, durable string, opts ...nats.SubOpt) (JSSubscription, error)
	StreamInfo(stream string) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error)
	ConsumerInfo(stream, consumer string) (*nats.ConsumerInfo, error)
	AddConsumer(stream string, cfg *nats.ConsumerConfig) (*nats.ConsumerInfo, error)
}

// JSSubscription is the subset of a pull subscription the service uses.
type JSSubscription interface {
	Unsubscribe() error
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
}

// WrapNATSJetStream adapts a nats.JetStreamContext to JSContext.
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
	return sub, nil
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

// ServiceConfig configures a Service.
type ServiceConfig struct {
	Stream            string
	Subject           string
	MaxDeliver        int
	AckWait           time.Duration
	PublishMaxRetries int
	// RetryDelay is the pause between publish retries
	RetryDelay time.Duration
}

func (c *ServiceConfig) applyDefaults() {
	if c.Stream == "" {
		c.Stream = "DETECTION"
	}
	if c.Subject == "" {
		c.Subject = c.Stream + ".tasks"
	}
	if c.MaxDeliver == 0 {
		c.MaxDeliver = 5
	}
	if c.AckWait <= 0 {
		c.AckWait = 60 * time.Second
	}
	if c.PublishMaxRetries == 0 {
		c.PublishMaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
}

// Service publishes and pulls detection tasks.
type Service struct {
	js     JSContext
	config ServiceConfig
	logger *zap.Logger
}

// NewService creates a task service over js.
func NewService(js JSContext, config ServiceConfig, logger *zap.Logger) (*Service, error) {
	if js == nil {
		return nil, fmt.Errorf("JetStream context cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config.applyDefaults()
	return &Service{js: js, config: config, logger: logger}, nil
}

// Config returns the effective configuration.
func (s *Service) Config() ServiceConfig {
	return s.config
}

// EnsureStream creates the task stream if it does not exist.
func (s *Service) EnsureStream() error {
	info, err := s.js.StreamInfo(s.config.Stream)
	if err == nil {
		s.logger.Debug("JetStream stream already exists",
			zap.String("stream", s.config.Stream),
			zap.Uint64("messages", info.State.Msgs))
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info for '%s': %w", s.config.Stream, err)
	}

	cfg := &nats.StreamConfig{
		Name:       s.config.Stream,
		Subjects:   []string{s.config.Stream + ".>"},
		Storage:    nats.FileStorage,
		Retention:  nats.WorkQueuePolicy,
		MaxAge:     24 * time.Hour,
		MaxMsgs:    100000,
		Replicas:   1,
		Duplicates: 10 * time.Minute,
	}
	if _, err := s.js.AddStream(cfg); err != nil {
		return fmt.Errorf("failed to create stream '%s': %w", s.config.Stream, err)
	}
	s.logger.Info("Created JetStream stream",
		zap.String("stream", cfg.Name),
		zap.Strings("subjects", cfg.Subjects))
	return nil
}

// EnsureConsumer creates the durable pull consumer if it does not exist.
func (s *Service) EnsureConsumer(consumer string) error {
	info, err := s.js.ConsumerInfo(s.config.Stream, consumer)
	if err == nil {
		s.logger.Debug("JetStream consumer already exists",
			zap.String("stream", s.config.Stream),
			zap.String("consumer", consumer),
			zap.Uint64("pending", info.NumPending))
		return nil
	}
	if !errors.Is(err, nats.ErrConsumerNotFound) {
		return fmt.Errorf("failed to get consumer info for '%s' in stream '%s': %w", consumer, s.config.Stream, err)
	}

	cfg := &nats.ConsumerConfig{
		Durable:       consumer,
		AckPolicy:     nats.AckExplicitPolicy,
		DeliverPolicy: nats.DeliverAllPolicy,
		FilterSubject: s.config.Subject,
		AckWait:       s.config.AckWait,
		MaxAckPending: 1000,
		MaxDeliver:    s.config.MaxDeliver,
	}
	if _, err := s.js.AddConsumer(s.config.Stream, cfg); err != nil {
		return fmt.Errorf("failed to create consumer '%s' in stream '%s': %w", consumer, s.config.Stream, err)
	}
	s.logger.Info("Created JetStream consumer",
		zap.String("stream", s.config.Stream),
		zap.String("consumer", consumer),
		zap.Int("max_deliver", s.config.MaxDeliver))
	return nil
}

// Publish sends a task, retrying transient publish failures. The task id
// is the message id, so JetStream drops duplicates within its window.
func (s *Service) Publish(ctx context.Context, t *Task) error {
	if t == nil {
		return sdkerrors.NewValidationError("task cannot be nil", sdkerrors.ErrInvalidTask)
	}
	if err := t.Validate(); err != nil {
		return err
	}
	data, err := t.ToBytes()
	if err != nil {
		return sdkerrors.NewInternalError("failed to encode task", err)
	}

	var lastErr error
	for attempt := 0; attempt <= s.config.PublishMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("publish cancelled: %w", ctx.Err())
			case <-time.After(s.config.RetryDelay):
			}
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("publish cancelled: %w", err)
		}

		_, lastErr = s.js.Publish(s.config.Subject, data, nats.MsgId(t.ID), nats.Context(ctx))
		if lastErr == nil {
			s.logger.Info("Task published",
				zap.String("task_id", t.ID),
				zap.String("alert_id", t.AlertID),
				zap.String("subject", s.config.Subject))
			return nil
		}
		s.logger.Warn("Failed to publish task",
			zap.String("task_id", t.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
	}
	return sdkerrors.NewInternalError("failed to publish task", fmt.Errorf("%w: %w", sdkerrors.ErrPublishFailed, lastErr))
}

// Pull fetches up to batchSize tasks from the durable consumer. An empty
// slice means no task arrived before the wait expired. Undecodable
// messages are terminated since no redelivery can fix them.
func (s *Service) Pull(ctx context.Context, consumer string, batchSize int) ([]*Task, error) {
	if consumer == "" {
		return nil, sdkerrors.NewValidationError("consumer name is required", nil)
	}
	if batchSize <= 0 {
		batchSize = 10
	}

	sub, err := s.js.PullSubscribe(s.config.Subject, consumer, nats.Bind(s.config.Stream, consumer))
	if err != nil {
		if errors.Is(err, nats.ErrConsumerNotFound) {
			return nil, sdkerrors.NewNotFoundError("consumer not found", fmt.Errorf("%w: %s", sdkerrors.ErrConsumerNotFound, consumer))
		}
		return nil, sdkerrors.NewInternalError("failed to bind consumer", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	wait := 3 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < wait {
			wait = remaining
		}
	}

	msgs, err := sub.Fetch(batchSize, nats.MaxWait(wait))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return []*Task{}, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("pull cancelled: %w", ctx.Err())
		}
		return nil, sdkerrors.NewInternalError("failed to pull tasks", err)
	}

	tasks := make([]*Task, 0, len(msgs))
	for _, msg := range msgs {
		t, err := FromNATSMsg(msg)
		if err != nil {
			s.logger.Warn("Terminating malformed task",
				zap.String("subject", msg.Subject),
				zap.Error(err))
			if msg.Reply != "" {
				_ = msg.Term()
			}
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}
