// Package storage archives run artifacts to blob storage.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"

	"go.uber.org/zap"

	"github.com/wehubfusion/Argus/pkg/detection"
)

// DefaultPrefix is the blob path prefix of archived documents.
const DefaultPrefix = "argus"

// RunRecord is the archived form of one run's result.
type RunRecord struct {
	TaskID    string                    `json:"task_id"`
	AlertID   string                    `json:"alert_id"`
	Start     int64                     `json:"start"`
	End       int64                     `json:"end"`
	Result    *detection.PipelineResult `json:"result"`
	Archived  int64                     `json:"archived_at"`
	Anomalies int                       `json:"anomaly_count"`
}

// EvaluationArchive writes evaluations and run results as JSON blobs. It
// satisfies postrun.EvaluationStore.
type EvaluationArchive struct {
	blob   BlobClient
	prefix string
	logger *zap.Logger
}

// NewEvaluationArchive creates an archive over client. An empty prefix
// uses DefaultPrefix.
func NewEvaluationArchive(client BlobClient, prefix string, logger *zap.Logger) (*EvaluationArchive, error) {
	if client == nil {
		return nil, errors.New("blob client is required")
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EvaluationArchive{blob: client, prefix: prefix, logger: logger}, nil
}

// EvaluationPath returns the blob path of an evaluation.
func (a *EvaluationArchive) EvaluationPath(e *detection.Evaluation) string {
	return path.Join(a.prefix, "evaluations", e.AlertID, strconv.FormatInt(e.CreatedAt, 10)+"-"+e.ID+".json")
}

// RunPath returns the blob path of a run record.
func (a *EvaluationArchive) RunPath(bounds detection.TaskBounds) string {
	name := fmt.Sprintf("%d-%d", bounds.Start, bounds.End)
	if bounds.TaskID != "" {
		name += "-" + bounds.TaskID
	}
	return path.Join(a.prefix, "runs", bounds.AlertID, name+".json")
}

// Save archives an evaluation.
func (a *EvaluationArchive) Save(ctx context.Context, e *detection.Evaluation) error {
	if e == nil || e.ID == "" || e.AlertID == "" {
		return errors.New("evaluation id and alert id are required")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode evaluation %s: %w", e.ID, err)
	}
	if _, err := a.blob.Upload(ctx, a.EvaluationPath(e), data, map[string]string{
		"alert_id":     e.AlertID,
		"detector_ref": e.DetectorRef,
		"kind":         "evaluation",
	}); err != nil {
		return fmt.Errorf("failed to archive evaluation %s: %w", e.ID, err)
	}
	return nil
}

// LoadEvaluation reads an archived evaluation by URL or path.
func (a *EvaluationArchive) LoadEvaluation(ctx context.Context, reference string) (*detection.Evaluation, error) {
	data, err := a.blob.Download(ctx, reference)
	if err != nil {
		return nil, err
	}
	var e detection.Evaluation
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode evaluation: %w", err)
	}
	return &e, nil
}

// ArchiveRun stores the full result of a run and returns its blob URL.
func (a *EvaluationArchive) ArchiveRun(ctx context.Context, bounds detection.TaskBounds, result *detection.PipelineResult, archivedAt int64) (string, error) {
	if result == nil {
		return "", errors.New("result is required")
	}
	record := RunRecord{
		TaskID:    bounds.TaskID,
		AlertID:   bounds.AlertID,
		Start:     bounds.Start,
		End:       bounds.End,
		Result:    result,
		Archived:  archivedAt,
		Anomalies: len(result.Anomalies),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("failed to encode run record: %w", err)
	}
	url, err := a.blob.Upload(ctx, a.RunPath(bounds), data, map[string]string{
		"alert_id": bounds.AlertID,
		"task_id":  bounds.TaskID,
		"kind":     "run",
	})
	if err != nil {
		return "", fmt.Errorf("failed to archive run %s: %w", bounds.RunKey(), err)
	}
	a.logger.Debug("Archived run",
		zap.String("alert_id", bounds.AlertID),
		zap.String("url", url),
		zap.Int("size_bytes", len(data)))
	return url, nil
}

// LoadRun reads an archived run record.
func (a *EvaluationArchive) LoadRun(ctx context.Context, reference string) (*RunRecord, error) {
	data, err := a.blob.Download(ctx, reference)
	if err != nil {
		return nil, err
	}
	var r RunRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode run record: %w", err)
	}
	return &r, nil
}

// EvaluationSaver is the subset of postrun.EvaluationStore Tee fans out to.
type EvaluationSaver interface {
	Save(ctx context.Context, e *detection.Evaluation) error
}

// Tee saves each evaluation to every target in order and stops at the
// first failure.
type Tee []EvaluationSaver

func (t Tee) Save(ctx context.Context, e *detection.Evaluation) error {
	for _, s := range t {
		if s == nil {
			continue
		}
		if err := s.Save(ctx, e); err != nil {
			return err
		}
	}
	return nil
}
