package task

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Handler processes one task. Handlers do not acknowledge; the caller
// decides between Ack, Nak and Term from the returned error.
type Handler func(ctx context.Context, t *Task) error

// Middleware wraps a handler.
type Middleware func(Handler) Handler

// Chain applies middlewares so the first one is outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(h Handler) Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			h = middlewares[i](h)
		}
		return h
	}
}

// RecoveryMiddleware turns a panic in the handler into an error.
func RecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, t *Task) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic recovered: %v", r)
				}
			}()
			return next(ctx, t)
		}
	}
}

// LoggingMiddleware logs each task with structured fields.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, t *Task) error {
			fields := []zap.Field{
				zap.String("task_id", t.ID),
				zap.String("alert_id", t.AlertID),
				zap.Int64("start", t.Start),
				zap.Int64("end", t.End),
				zap.Uint64("delivered", t.Delivered()),
			}
			logger.Debug("Processing task", fields...)
			err := next(ctx, t)
			if err != nil {
				logger.Error("Error processing task", append(fields, zap.Error(err))...)
			} else {
				logger.Debug("Successfully processed task", fields...)
			}
			return err
		}
	}
}
