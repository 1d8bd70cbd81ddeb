// Package threadpool runs CPU-bound work as (pre → thread → post) tasks:
// pre and post execute on the caller's goroutine (the Module Host's main
// loop, by convention), thread runs on a bounded pool of worker goroutines.
package threadpool

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Task is one unit of pool work. Pre runs synchronously inside Submit and
// produces the input for Thread, which runs on a worker goroutine once one
// is free. Post is queued and only invoked by a later Drain call, so it
// always runs on whichever goroutine calls Drain rather than on the
// worker — matching the original's rule that pre/post stay on the main
// thread and only thread crosses onto a worker.
type Task struct {
	Pre    func() any
	Thread func(any) (any, error)
	Post   func(result any, err error)
}

// Pool bounds concurrent Thread executions and collects completed Post
// callbacks for the caller to run on its own schedule.
type Pool struct {
	sem   chan struct{}
	group *errgroup.Group
	ctx   context.Context

	doneMu sync.Mutex
	done   []func()
}

// New returns a Pool allowing up to workers concurrent Thread executions.
// ctx cancellation stops workers from picking up new Thread stages; tasks
// already inside Thread run to completion.
func New(ctx context.Context, workers int) *Pool {
	return &Pool{
		sem:   make(chan struct{}, workers),
		group: new(errgroup.Group),
		ctx:   ctx,
	}
}

// Submit runs task.Pre immediately on the calling goroutine, then schedules
// task.Thread to run on a worker as soon as the pool has capacity.
func (p *Pool) Submit(task Task) {
	preResult := task.Pre()
	p.group.Go(func() error {
		select {
		case p.sem <- struct{}{}:
		case <-p.ctx.Done():
			return nil
		}
		defer func() { <-p.sem }()

		result, err := task.Thread(preResult)

		p.doneMu.Lock()
		p.done = append(p.done, func() { task.Post(result, err) })
		p.doneMu.Unlock()
		return nil
	})
}

// Drain invokes every queued Post callback for tasks whose Thread stage has
// finished since the previous Drain, on the calling goroutine. A Host's
// main loop calls this once per tick, the same way it calls HandleEvents.
func (p *Pool) Drain() {
	p.doneMu.Lock()
	pending := p.done
	p.done = nil
	p.doneMu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

// Wait blocks until every submitted task's Thread stage has returned. It
// does not run any queued Post callbacks; call Drain after Wait to flush
// them.
func (p *Pool) Wait() error {
	return p.group.Wait()
}
