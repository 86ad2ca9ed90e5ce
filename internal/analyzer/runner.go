package analyzer

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/quantumlife/ponder/internal/core"
	"github.com/quantumlife/ponder/internal/logging"
)

// Runner bounds how many analyses run at once. Each analysis is an
// independent unit of work; the limit protects model rate limits and cost.
type Runner struct {
	analyzer *Analyzer
	limit    int
	sem      *semaphore.Weighted
	wg       sync.WaitGroup
}

// NewRunner creates a runner allowing limit concurrent analyses
func NewRunner(a *Analyzer, limit int) *Runner {
	if limit < 1 {
		limit = 1
	}
	return &Runner{analyzer: a, limit: limit, sem: semaphore.NewWeighted(int64(limit))}
}

// Limit returns the concurrency limit
func (r *Runner) Limit() int { return r.limit }

// Analyze waits for a slot, then runs the analysis in the caller's goroutine
func (r *Runner) Analyze(ctx context.Context, ev *core.PerceivedEvent) (*core.Analysis, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("wait for analysis slot: %w", err)
	}
	defer r.sem.Release(1)
	return r.analyzer.Analyze(ctx, ev)
}

// Submit waits for a slot and runs the analysis in the background. done,
// if non-nil, receives the outcome. Submit returns once the analysis has
// started, or with ctx's error if no slot became free.
func (r *Runner) Submit(ctx context.Context, ev *core.PerceivedEvent, done func(*core.Analysis, error)) error {
	if ev == nil || ev.ID == "" {
		return fmt.Errorf("%w: event with an id is required", core.ErrInvalidInput)
	}
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("wait for analysis slot: %w", err)
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.sem.Release(1)

		// The background run outlives the submitting request
		an, err := r.analyzer.Analyze(context.WithoutCancel(ctx), ev)
		if err != nil {
			logging.Warn("background analysis of %s failed: %v", ev.ID, err)
		}
		if done != nil {
			done(an, err)
		}
	}()
	return nil
}

// Wait blocks until every submitted analysis has finished
func (r *Runner) Wait() {
	r.wg.Wait()
}

// AnalyzeAll analyzes a batch and returns results in input order. Batch
// runs take slots from the same pool as Submit, so Limit holds across
// both. The first invalid event aborts the batch.
func (r *Runner) AnalyzeAll(ctx context.Context, events []*core.PerceivedEvent) ([]*core.Analysis, error) {
	out := make([]*core.Analysis, len(events))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.limit)
	for i, ev := range events {
		g.Go(func() error {
			an, err := r.Analyze(gctx, ev)
			if err != nil {
				return fmt.Errorf("event %d: %w", i, err)
			}
			out[i] = an
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
