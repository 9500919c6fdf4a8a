// Package client connects to NATS JetStream and exposes the detection
// task service.
package client

import (
	"context"
	"fmt"

	natsclient "github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/wehubfusion/Argus/internal/nats"
	sdkerrors "github.com/wehubfusion/Argus/pkg/errors"
	"github.com/wehubfusion/Argus/pkg/task"
)

// Client owns the NATS connection and the task service built on it.
//
// Example usage:
//
//	c := client.NewClient("nats://localhost:4222", logger)
//	if err := c.Connect(ctx); err != nil {
//	    logger.Fatal("Failed to connect", zap.Error(err))
//	}
//	defer c.Close()
//	c.Tasks.Publish(ctx, task.New(alertID, start, end))
type Client struct {
	conn   *natsclient.Conn
	js     natsclient.JetStreamContext
	config *nats.ConnectionConfig
	logger *zap.Logger

	// Tasks publishes and pulls detection tasks
	Tasks *task.Service
}

// NewClient creates a client with the default connection configuration.
func NewClient(url string, logger *zap.Logger) *Client {
	return NewClientWithConfig(nats.DefaultConnectionConfig(url), logger)
}

// NewClientWithConfig creates a client with a custom configuration.
func NewClientWithConfig(config *nats.ConnectionConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{config: config, logger: logger}
}

// NewClientWithJSContext creates a client over a provided JSContext. Tests
// use it to avoid a NATS server.
func NewClientWithJSContext(js task.JSContext, config *nats.ConnectionConfig, logger *zap.Logger) (*Client, error) {
	c := NewClientWithConfig(config, logger)
	svc, err := task.NewService(js, c.serviceConfig(), c.logger)
	if err != nil {
		return nil, err
	}
	c.Tasks = svc
	return c, nil
}

func (c *Client) serviceConfig() task.ServiceConfig {
	if c.config == nil {
		return task.ServiceConfig{}
	}
	return task.ServiceConfig{
		Stream:            c.config.TaskStream,
		Subject:           c.config.TaskSubject,
		MaxDeliver:        c.config.MaxDeliver,
		AckWait:           c.config.AckWait,
		PublishMaxRetries: c.config.PublishMaxRetries,
	}
}

// Connect connects to NATS, requires JetStream and makes sure the task
// stream exists.
func (c *Client) Connect(ctx context.Context) error {
	if c.conn != nil && c.conn.IsConnected() {
		return nil
	}

	conn, err := nats.Connect(ctx, c.config, c.logger)
	if err != nil {
		return sdkerrors.NewInternalError("failed to connect to NATS", err)
	}
	c.conn = conn

	js, err := conn.JetStream()
	if err != nil {
		c.reset()
		return sdkerrors.NewInternalError("JetStream is not enabled on the NATS server", err)
	}
	c.js = js

	svc, err := task.NewService(task.WrapNATSJetStream(js), c.serviceConfig(), c.logger)
	if err != nil {
		c.reset()
		return sdkerrors.NewInternalError("failed to initialize task service", err)
	}
	if err := svc.EnsureStream(); err != nil {
		c.reset()
		return sdkerrors.NewInternalError("failed to ensure task stream", err)
	}
	c.Tasks = svc
	return nil
}

func (c *Client) reset() {
	_ = nats.Close(c.conn)
	c.conn = nil
	c.js = nil
	c.Tasks = nil
}

// Close drains the connection and releases resources.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := nats.Close(c.conn); err != nil {
		return sdkerrors.NewInternalError("failed to close connection", err)
	}
	c.conn = nil
	c.js = nil
	c.Tasks = nil
	return nil
}

// IsConnected reports whether the NATS connection is up.
func (c *Client) IsConnected() bool {
	return nats.IsConnected(c.conn)
}

// Ping flushes the connection as a health check.
func (c *Client) Ping(ctx context.Context) error {
	if !c.IsConnected() {
		return sdkerrors.NewInternalError("not connected to NATS", sdkerrors.ErrNotConnected)
	}

	resultCh := make(chan error, 1)
	go func() {
		resultCh <- c.conn.FlushTimeout(c.config.Timeout)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("ping cancelled: %w", ctx.Err())
	case err := <-resultCh:
		if err != nil {
			return sdkerrors.NewInternalError("ping failed", err)
		}
		return nil
	}
}

// Stats returns connection statistics.
func (c *Client) Stats() ConnectionStats {
	if c.conn == nil {
		return ConnectionStats{}
	}
	stats := c.conn.Stats()
	return ConnectionStats{
		InMsgs:     stats.InMsgs,
		OutMsgs:    stats.OutMsgs,
		Reconnects: stats.Reconnects,
	}
}

// ConnectionStats holds connection statistics.
type ConnectionStats struct {
	InMsgs     uint64
	OutMsgs    uint64
	Reconnects uint64
}
