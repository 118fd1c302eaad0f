package smdtty

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
)

const (
	taskIdle = iota
	taskScheduled
	taskRunning
	taskRerun
)

// tasklet runs fn on the worker pool. Scheduling an already scheduled
// tasklet is a no-op and scheduling a running one makes it run once more.
type tasklet struct {
	pool *ants.Pool
	fn   func()

	mu     sync.Mutex
	idle   *sync.Cond
	state  int
	killed bool
}

func newTasklet(pool *ants.Pool, fn func()) *tasklet {
	t := &tasklet{pool: pool, fn: fn, killed: true}
	t.idle = sync.NewCond(&t.mu)
	return t
}

// enable allows scheduling again after kill.
func (t *tasklet) enable() {
	t.mu.Lock()
	t.killed = false
	t.mu.Unlock()
}

func (t *tasklet) schedule() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.killed {
		return
	}
	switch t.state {
	case taskIdle:
		t.state = taskScheduled
		if err := t.pool.Submit(t.run); err != nil {
			internalLogger.Warnf("pump pool: %v, running inline goroutine", err)
			go t.run()
		}
	case taskRunning:
		t.state = taskRerun
	}
}

func (t *tasklet) run() {
	t.mu.Lock()
	for !t.killed && (t.state == taskScheduled || t.state == taskRerun) {
		t.state = taskRunning
		t.mu.Unlock()
		t.fn()
		t.mu.Lock()
	}
	t.state = taskIdle
	t.idle.Broadcast()
	t.mu.Unlock()
}

// kill stops further scheduling and waits for a scheduled or running pass
// to finish.
func (t *tasklet) kill() {
	t.mu.Lock()
	t.killed = true
	for t.state != taskIdle {
		t.idle.Wait()
	}
	t.mu.Unlock()
}

// completion is a one-shot signal that stays complete.
type completion struct {
	once sync.Once
	ch   chan struct{}
}

func newCompletion() *completion {
	return &completion{ch: make(chan struct{})}
}

func (c *completion) complete() {
	c.once.Do(func() { close(c.ch) })
}

func (c *completion) done() bool {
	select {
	case <-c.ch:
		return true
	default:
		return false
	}
}

func (c *completion) wait(ctx context.Context, timeout time.Duration) error {
	if c.done() {
		return nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c.ch:
		return nil
	case <-timer.C:
		return errWaitTimeout
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
	}
}

// waitQueue wakes every waiter on each wake; waiters re-check their
// condition.
type waitQueue struct {
	mu sync.Mutex
	ch chan struct{}
}

func newWaitQueue() *waitQueue {
	return &waitQueue{ch: make(chan struct{})}
}

func (q *waitQueue) wake() {
	q.mu.Lock()
	close(q.ch)
	q.ch = make(chan struct{})
	q.mu.Unlock()
}

func (q *waitQueue) current() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ch
}

func (q *waitQueue) wait(ctx context.Context, timeout time.Duration, cond func() bool) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		ch := q.current()
		if cond() {
			return nil
		}
		select {
		case <-ch:
		case <-timer.C:
			if cond() {
				return nil
			}
			return errWaitTimeout
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
		}
	}
}

// sleepCtx sleeps for d unless ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryTimer re-arms the pump after a staging shortage. Arming a pending
// timer pushes its deadline out.
type retryTimer struct {
	delay time.Duration
	fn    func()

	mu    sync.Mutex
	timer *time.Timer
}

func newRetryTimer(delay time.Duration, fn func()) *retryTimer {
	return &retryTimer{delay: delay, fn: fn}
}

func (r *retryTimer) arm() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer == nil {
		r.timer = time.AfterFunc(r.delay, r.fn)
		return
	}
	r.timer.Reset(r.delay)
}

func (r *retryTimer) cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
}
