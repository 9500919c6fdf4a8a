package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinels matched through errors.Is on the typed errors below.
var (
	// ErrGraphConfiguration is returned when the node specs do not describe a runnable graph.
	ErrGraphConfiguration = errors.New("invalid pipeline graph")

	// ErrCycleDetected is returned when resolution re-enters a node that is still in progress.
	ErrCycleDetected = errors.New("cycle detected in pipeline graph")

	// ErrOperatorExecution is returned when a node's operator fails.
	ErrOperatorExecution = errors.New("operator execution failed")

	// ErrTimeout is returned when nested branches exceed their shared deadline.
	ErrTimeout = errors.New("nested pipeline timed out")

	// ErrNoCreator is returned when no creator is registered for a node type.
	ErrNoCreator = errors.New("no creator registered for node type")
)

// GraphConfigurationError reports a structural problem in the node specs:
// duplicate or missing names, an unknown type or a dangling input.
type GraphConfigurationError struct {
	// Node is the node being built or resolved, empty for graph-wide problems
	Node string
	// Reason describes the problem
	Reason string
	// Cause is an optional underlying error
	Cause error
}

func (e *GraphConfigurationError) Error() string {
	var b strings.Builder
	b.WriteString("graph configuration error")
	if e.Node != "" {
		b.WriteString(" at node " + e.Node)
	}
	b.WriteString(": " + e.Reason)
	if e.Cause != nil {
		b.WriteString(": " + e.Cause.Error())
	}
	return b.String()
}

// Is matches ErrGraphConfiguration.
func (e *GraphConfigurationError) Is(target error) bool {
	return target == ErrGraphConfiguration
}

// Unwrap returns the underlying error.
func (e *GraphConfigurationError) Unwrap() error {
	return e.Cause
}

// NewGraphConfigurationError creates a new graph configuration error.
func NewGraphConfigurationError(node, reason string, cause error) *GraphConfigurationError {
	return &GraphConfigurationError{Node: node, Reason: reason, Cause: cause}
}

// CycleDetectedError reports the resolution path that closed a cycle. The
// last element of Path is the node that was re-entered.
type CycleDetectedError struct {
	Path []string
}

func (e *CycleDetectedError) Error() string {
	return fmt.Sprintf("cycle detected in pipeline graph: %s", strings.Join(e.Path, " -> "))
}

// Is matches ErrCycleDetected.
func (e *CycleDetectedError) Is(target error) bool {
	return target == ErrCycleDetected
}

// OperatorExecutionError wraps a failure raised while building or executing
// a node's operator.
type OperatorExecutionError struct {
	// Node is the name of the failing node
	Node string
	// NodeType is the registered type of the failing node
	NodeType string
	// Phase is "build" or "execute"
	Phase string
	// Cause is the underlying error
	Cause error
}

func (e *OperatorExecutionError) Error() string {
	return "operator error in node " + e.Node + " [" + e.NodeType + "] during " + e.Phase + ": " + e.Cause.Error()
}

// Is matches ErrOperatorExecution.
func (e *OperatorExecutionError) Is(target error) bool {
	return target == ErrOperatorExecution
}

// Unwrap returns the underlying error.
func (e *OperatorExecutionError) Unwrap() error {
	return e.Cause
}

// TimeoutError reports nested branches that did not finish within the
// shared deadline.
type TimeoutError struct {
	Timeout   time.Duration
	Completed int
	Total     int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("nested pipeline timed out after %s: %d of %d branches completed", e.Timeout, e.Completed, e.Total)
}

// Is matches ErrTimeout.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// isTyped reports whether err already carries one of the pipeline error
// kinds, in which case callers propagate it unchanged.
func isTyped(err error) bool {
	return errors.Is(err, ErrGraphConfiguration) ||
		errors.Is(err, ErrCycleDetected) ||
		errors.Is(err, ErrOperatorExecution) ||
		errors.Is(err, ErrTimeout)
}

// IsPermanentError determines if an error will fail again on redelivery.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}

	// The graph itself is broken
	if errors.Is(err, ErrGraphConfiguration) || errors.Is(err, ErrCycleDetected) {
		return true
	}

	return errors.Is(err, ErrNoCreator)
}

// IsRetryableError determines if an error may succeed on redelivery.
func IsRetryableError(err error) bool {
	if err == nil || IsPermanentError(err) {
		return false
	}

	if errors.Is(err, ErrTimeout) {
		return true
	}

	return errors.Is(err, ErrOperatorExecution)
}
