package merger

import (
	"errors"
	"fmt"
)

// ErrMergeConflict matches any MergeConflictError.
var ErrMergeConflict = errors.New("merge conflict")

// MergeConflictError is returned when a persisted anomaly changed between
// read and write. Retrying the run re-reads the current state.
type MergeConflictError struct {
	AlertID   string
	AnomalyID string
	Cause     error
}

func (e *MergeConflictError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("merge conflict on anomaly %s of alert %s: %v", e.AnomalyID, e.AlertID, e.Cause)
	}
	return fmt.Sprintf("merge conflict on anomaly %s of alert %s", e.AnomalyID, e.AlertID)
}

func (e *MergeConflictError) Is(target error) bool {
	return target == ErrMergeConflict
}

func (e *MergeConflictError) Unwrap() error {
	return e.Cause
}
