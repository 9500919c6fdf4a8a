package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wehubfusion/Argus/pkg/detection"
	"github.com/wehubfusion/Argus/pkg/detector"
	"github.com/wehubfusion/Argus/pkg/postrun"
	"github.com/wehubfusion/Argus/pkg/task"
)

type fakeSource struct {
	mu      sync.Mutex
	batches [][]*task.Task
	errs    []error
	pulls   int
}

func (s *fakeSource) Pull(ctx context.Context, consumer string, batchSize int) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pulls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return nil, err
	}
	if len(s.batches) == 0 {
		return nil, nil
	}
	b := s.batches[0]
	s.batches = s.batches[1:]
	return b, nil
}

type detectorFunc func(ctx context.Context, bounds detection.TaskBounds) (*detector.Outcome, error)

func (f detectorFunc) Run(ctx context.Context, bounds detection.TaskBounds) (*detector.Outcome, error) {
	return f(ctx, bounds)
}

type settled struct {
	mu   sync.Mutex
	byID map[string]Disposition
	done chan struct{}
	want int
}

func newSettled(want int) *settled {
	return &settled{byID: map[string]Disposition{}, done: make(chan struct{}), want: want}
}

func (s *settled) record(t *task.Task, d Disposition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[t.ID] = d
	if len(s.byID) == s.want {
		close(s.done)
	}
	return nil
}

func (s *settled) get(id string) Disposition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byID[id]
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.NumWorkers = 2
	cfg.ProcessTimeout = time.Second
	cfg.HeartbeatInterval = 0
	return cfg
}

func newTestRunner(t *testing.T, src TaskSource, det Detector, opts ...Option) *Runner {
	t.Helper()
	r, err := NewRunner(src, det, testConfig(), zap.NewNop(), opts...)
	require.NoError(t, err)
	r.idleWait = time.Millisecond
	return r
}

func TestNewRunner_Validation(t *testing.T) {
	src := &fakeSource{}
	det := detectorFunc(func(context.Context, detection.TaskBounds) (*detector.Outcome, error) { return nil, nil })

	_, err := NewRunner(nil, det, testConfig(), zap.NewNop())
	assert.Error(t, err)
	_, err = NewRunner(src, nil, testConfig(), zap.NewNop())
	assert.Error(t, err)
	_, err = NewRunner(src, det, testConfig(), nil)
	assert.Error(t, err)

	for name, mutate := range map[string]func(*Config){
		"consumer": func(c *Config) { c.Consumer = "" },
		"batch":    func(c *Config) { c.BatchSize = 0 },
		"workers":  func(c *Config) { c.NumWorkers = 0 },
		"timeout":  func(c *Config) { c.ProcessTimeout = 0 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			mutate(&cfg)
			_, err := NewRunner(src, det, cfg, zap.NewNop())
			assert.Error(t, err)
		})
	}
}

func TestRunner_SettlesByOutcome(t *testing.T) {
	ok := task.New("ok", 0, 100)
	missing := task.New("missing", 0, 100)
	flaky := task.New("flaky", 0, 100)

	src := &fakeSource{
		errs:    []error{errors.New("nats unavailable")},
		batches: [][]*task.Task{{ok, missing}, {flaky}},
	}
	det := detectorFunc(func(_ context.Context, b detection.TaskBounds) (*detector.Outcome, error) {
		switch b.AlertID {
		case "missing":
			return nil, fmt.Errorf("%w: missing", detector.ErrAlertNotFound)
		case "flaky":
			return nil, errors.New("store unavailable")
		}
		return &detector.Outcome{Bounds: b, Report: &postrun.Report{Watermark: 100}}, nil
	})

	r := newTestRunner(t, src, det)
	rec := newSettled(3)
	r.settle = rec.record

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	select {
	case <-rec.done:
	case <-time.After(5 * time.Second):
		t.Fatal("tasks were not settled")
	}
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	assert.Equal(t, Ack, rec.get(ok.ID))
	assert.Equal(t, Term, rec.get(missing.ID))
	assert.Equal(t, Nak, rec.get(flaky.ID))
}

func TestRunner_ProcessTimeoutNaks(t *testing.T) {
	det := detectorFunc(func(ctx context.Context, _ detection.TaskBounds) (*detector.Outcome, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	cfg := testConfig()
	cfg.ProcessTimeout = 10 * time.Millisecond
	r, err := NewRunner(&fakeSource{}, det, cfg, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, Nak, r.processTask(context.Background(), 0, task.New("a", 0, 1)))
}

func TestRunner_ReportsToSentry(t *testing.T) {
	var (
		mu     sync.Mutex
		events []*sentry.Event
	)
	client, err := sentry.NewClient(sentry.ClientOptions{
		SampleRate: 1.0,
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			mu.Lock()
			events = append(events, event)
			mu.Unlock()
			return nil
		},
	})
	require.NoError(t, err)
	hub := sentry.NewHub(client, sentry.NewScope())

	det := detectorFunc(func(context.Context, detection.TaskBounds) (*detector.Outcome, error) {
		return nil, detector.ErrInvalidTask
	})
	r := newTestRunner(t, &fakeSource{}, det, WithSentryHub(hub))

	tk := task.New("alert-1", 0, 10)
	assert.Equal(t, Term, r.processTask(context.Background(), 1, tk))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, tk.ID, events[0].Tags["task_id"])
	assert.Equal(t, "alert-1", events[0].Tags["alert_id"])
	assert.Equal(t, "term", events[0].Tags["disposition"])
	assert.Equal(t, sentry.LevelError, events[0].Level)
}

func TestRunner_ShutdownNaksQueuedTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	queued := task.New("queued", 0, 1)
	calls := 0
	det := detectorFunc(func(context.Context, detection.TaskBounds) (*detector.Outcome, error) {
		calls++
		return &detector.Outcome{}, nil
	})
	r := newTestRunner(t, &fakeSource{}, det)
	rec := newSettled(1)
	r.settle = rec.record

	tasks := make(chan *task.Task, 1)
	tasks <- queued
	close(tasks)
	r.worker(ctx, 0, tasks)

	assert.Equal(t, Nak, rec.get(queued.ID))
	assert.Zero(t, calls)
}

func TestDisposition_String(t *testing.T) {
	assert.Equal(t, "ack", Ack.String())
	assert.Equal(t, "nak", Nak.String())
	assert.Equal(t, "term", Term.String())
	assert.Equal(t, "unknown", Disposition(9).String())
}

func TestSettleTask_WithoutReplyIsNoop(t *testing.T) {
	tk := task.New("a", 0, 1)
	for _, d := range []Disposition{Ack, Nak, Term} {
		assert.NoError(t, settleTask(tk, d))
	}
	assert.Error(t, settleTask(tk, Disposition(9)))
}
