package concurrency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_BoundsConcurrency(t *testing.T) {
	l := NewLimiter(3)
	assert.Equal(t, 3, l.Capacity())

	var (
		mu      sync.Mutex
		running int
		peak    int
		wg      sync.WaitGroup
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.GoSync(context.Background(), func() error {
				mu.Lock()
				running++
				peak = max(peak, running)
				mu.Unlock()
				time.Sleep(2 * time.Millisecond)
				mu.Lock()
				running--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak, 3)
	m := l.GetMetrics()
	assert.Equal(t, int64(20), m.TotalAcquired)
	assert.Equal(t, int64(20), m.TotalReleased)
	assert.LessOrEqual(t, m.PeakConcurrent, int64(3))
	assert.Zero(t, l.CurrentActive())
}

func TestLimiter_AcquireCanceled(t *testing.T) {
	l := NewLimiter(1)
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Acquire(ctx), context.DeadlineExceeded)

	l.Release()
	l.Release() // extra release is ignored
	assert.Zero(t, l.CurrentActive())
}

func TestLimiter_CircuitOpens(t *testing.T) {
	l := NewLimiterWithCircuitBreaker(2, NewCircuitBreaker(2, time.Hour))
	boom := errors.New("boom")

	assert.ErrorIs(t, l.GoSync(context.Background(), func() error { return boom }), boom)
	assert.ErrorIs(t, l.GoSync(context.Background(), func() error { return boom }), boom)
	assert.Equal(t, StateOpen, l.CircuitBreakerState())

	called := false
	err := l.GoSync(context.Background(), func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_HalfOpen(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker(1, time.Minute)
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	assert.True(t, cb.IsOpen())

	now = now.Add(2 * time.Minute)
	assert.False(t, cb.IsOpen())
	assert.Equal(t, StateHalfOpen, cb.GetState())

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.GetState(), "a failure while half-open reopens")

	now = now.Add(2 * time.Minute)
	require.False(t, cb.IsOpen())
	for range halfOpenSuccesses {
		cb.RecordSuccess()
	}
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, "closed", cb.GetState().String())

	cb.RecordFailure()
	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("KUBERNETES_SERVICE_HOST", "")
	t.Setenv(EnvMaxConcurrent, "7")
	t.Setenv(EnvRunnerWorkers, "3")
	t.Setenv(EnvFanOutMode, "PARALLEL")

	cfg := LoadConfig()
	assert.Equal(t, 7, cfg.MaxConcurrent)
	assert.Equal(t, 3, cfg.RunnerWorkers)
	assert.Equal(t, FanOutParallel, cfg.FanOutMode)
	assert.Equal(t, ConfigSourceEnvVar, cfg.Source)
	assert.False(t, cfg.IsKubernetes)
	assert.Contains(t, cfg.String(), "MaxConcurrent: 7")
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("KUBERNETES_SERVICE_HOST", "")
	t.Setenv(EnvMaxConcurrent, "")
	t.Setenv(EnvConcurrencyMultiplier, "")
	t.Setenv(EnvRunnerWorkers, "not-a-number")
	t.Setenv(EnvFanOutMode, "")

	cfg := LoadConfig()
	assert.Equal(t, ConfigSourceAutoDetect, cfg.Source)
	assert.Equal(t, cfg.EffectiveCPUs*4, cfg.MaxConcurrent)
	assert.Equal(t, max(cfg.EffectiveCPUs*2, 8), cfg.RunnerWorkers)
	assert.Equal(t, FanOutSequential, cfg.FanOutMode)

	t.Setenv(EnvConcurrencyMultiplier, "3")
	assert.Equal(t, cfg.EffectiveCPUs*3, LoadConfig().MaxConcurrent)
}

func TestInitializeForKubernetes(t *testing.T) {
	undo := InitializeForKubernetes(nil)
	require.NotNil(t, undo)
	undo()
}
