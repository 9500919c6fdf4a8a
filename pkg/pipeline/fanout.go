package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/wehubfusion/Argus/pkg/concurrency"
	"github.com/wehubfusion/Argus/pkg/detection"
)

// FanOut runs the branches of a nested pipeline under one shared deadline.
// Results are returned in branch order whatever the completion order; the
// first failing branch fails the whole fan-out.
type FanOut struct {
	config  FanOutConfig
	limiter *concurrency.Limiter
}

// NewFanOut creates a fan-out. limiter is optional; when set, parallel
// branches also acquire a slot from it.
func NewFanOut(config FanOutConfig, limiter *concurrency.Limiter) *FanOut {
	config.Validate()
	return &FanOut{config: config, limiter: limiter}
}

// Config returns the effective configuration.
func (f *FanOut) Config() FanOutConfig {
	return f.config
}

// Run runs branches and returns their results in order.
func (f *FanOut) Run(ctx context.Context, branches int, fn BranchFunc) ([]*detection.PipelineResult, error) {
	if branches <= 0 {
		return []*detection.PipelineResult{}, nil
	}

	var deadline <-chan time.Time
	if f.config.Timeout > 0 {
		timer := time.NewTimer(f.config.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	if f.config.Strategy == StrategyParallel && branches > 1 {
		return f.runParallel(ctx, branches, fn, deadline)
	}
	return f.runSequential(ctx, branches, fn, deadline)
}

type branchOutcome struct {
	index  int
	result *detection.PipelineResult
	err    error
}

// runSequential runs branches one by one (fail-fast). With a deadline each
// branch is awaited against the remaining budget.
func (f *FanOut) runSequential(ctx context.Context, branches int, fn BranchFunc, deadline <-chan time.Time) ([]*detection.PipelineResult, error) {
	results := make([]*detection.PipelineResult, branches)

	for i := 0; i < branches; i++ {
		if deadline == nil {
			res, err := fn(ctx, i)
			if err != nil {
				return nil, fmt.Errorf("nested branch %d failed: %w", i, err)
			}
			results[i] = res
			continue
		}

		done := make(chan branchOutcome, 1)
		go func(idx int) {
			res, err := fn(ctx, idx)
			done <- branchOutcome{index: idx, result: res, err: err}
		}(i)

		select {
		case o := <-done:
			if o.err != nil {
				return nil, fmt.Errorf("nested branch %d failed: %w", i, o.err)
			}
			results[i] = o.result
		case <-deadline:
			return nil, &TimeoutError{Timeout: f.config.Timeout, Completed: i, Total: branches}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return results, nil
}

// runParallel runs branches on a bounded set of workers (fail-fast).
func (f *FanOut) runParallel(ctx context.Context, branches int, fn BranchFunc, deadline <-chan time.Time) ([]*detection.PipelineResult, error) {
	results := make([]*detection.PipelineResult, branches)

	numWorkers := f.config.MaxConcurrent
	if numWorkers > branches {
		numWorkers = branches
	}

	workCh := make(chan int, branches)
	for i := 0; i < branches; i++ {
		workCh <- i
	}
	close(workCh)

	// Buffered so abandoned workers never block once Run has returned.
	done := make(chan branchOutcome, branches)

	dispatchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for w := 0; w < numWorkers; w++ {
		go func() {
			for idx := range workCh {
				if dispatchCtx.Err() != nil {
					return
				}
				res, err := f.runBranch(dispatchCtx, idx, fn)
				done <- branchOutcome{index: idx, result: res, err: err}
			}
		}()
	}

	completed := 0
	for completed < branches {
		select {
		case o := <-done:
			if o.err != nil {
				cancel()
				return nil, fmt.Errorf("nested branch %d failed: %w", o.index, o.err)
			}
			results[o.index] = o.result
			completed++
		case <-deadline:
			cancel()
			return nil, &TimeoutError{Timeout: f.config.Timeout, Completed: completed, Total: branches}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return results, nil
}

// heldSlotKey marks a context whose goroutine already holds a slot of the
// limiter stored under it.
type heldSlotKey struct{}

func holdsSlot(ctx context.Context, limiter *concurrency.Limiter) bool {
	held, _ := ctx.Value(heldSlotKey{}).(*concurrency.Limiter)
	return held == limiter
}

// runBranch runs one branch under a limiter slot. A branch of a nested
// fan-out whose caller already holds a slot of the same limiter runs under
// that slot, otherwise inner branches could wait forever on slots held by
// their parents.
func (f *FanOut) runBranch(ctx context.Context, idx int, fn BranchFunc) (*detection.PipelineResult, error) {
	if f.limiter == nil || holdsSlot(ctx, f.limiter) {
		return fn(ctx, idx)
	}
	var res *detection.PipelineResult
	err := f.limiter.GoSync(ctx, func() error {
		var err error
		res, err = fn(context.WithValue(ctx, heldSlotKey{}, f.limiter), idx)
		return err
	})
	return res, err
}
