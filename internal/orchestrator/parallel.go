package orchestrator

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// runParallel launches every task of the phase against the same input and
// waits for all of them. Results keep the declared task order. Launches are
// bounded by the phase concurrency limit and the engine dispatch rate.
func (p *Pipeline) runParallel(ctx context.Context, plan *phasePlan, base TaskRequest) []TaskResult {
	tasks := plan.spec.Tasks
	results := make([]TaskResult, len(tasks))
	for i, t := range tasks {
		results[i] = newTaskResult(t)
	}

	var sem chan struct{}
	if plan.maxConcurrency > 0 {
		sem = make(chan struct{}, plan.maxConcurrency)
	}
	limiter := p.dispatchLimiter()

	var wg sync.WaitGroup
	launched := 0
launch:
	for i, t := range tasks {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				break launch
			}
		}
		if sem != nil {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				break launch
			}
		}

		req := base
		req.TaskID = t.ID
		req.Kind = t.Kind
		req.Attempt = 1
		req.EffortLevel = t.EffortLevel
		req.Params = t.Params

		wg.Add(1)
		launched++
		go func() {
			defer wg.Done()
			if sem != nil {
				defer func() { <-sem }()
			}
			att, out := p.attempt(ctx, plan, i, req)
			results[i].applyAttempt(att, out)
		}()
	}
	wg.Wait()

	for i := launched; i < len(tasks); i++ {
		results[i].Status = TaskFailed
		results[i].Failure = canceledFailure(ctx)
	}
	return results
}

// dispatchLimiter returns a limiter for the engine dispatch rate, or nil when
// launches are unthrottled.
func (p *Pipeline) dispatchLimiter() *rate.Limiter {
	r := p.limits.DispatchRate
	if r <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(r), max(1, int(r)))
}
