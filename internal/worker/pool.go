// Package worker provides the bounded pool that runs upstream fetch tasks.
// The bound is a weighted semaphore rather than a fixed goroutine set: the
// gateway fans out to many short-lived pumps and only needs backpressure,
// not thread affinity.
package worker

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Pool limits concurrent tasks and tracks them for shutdown.
type Pool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// NewPool builds a pool allowing up to size concurrent tasks.
func NewPool(size int64) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{sem: semaphore.NewWeighted(size)}
}

// Go schedules fn on its own goroutine once a pool slot is available.
// Acquisition blocks, so a saturated pool applies backpressure to the
// caller; ctx bounds only the wait for a slot, not fn itself.
func (p *Pool) Go(ctx context.Context, fn func()) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire worker slot: %w", err)
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		fn()
	}()
	return nil
}

// Wait blocks until every scheduled task has finished.
func (p *Pool) Wait() { p.wg.Wait() }
