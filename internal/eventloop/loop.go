// Package eventloop runs the daemon's single-threaded cooperative loop.
//
// All dispatcher state is owned by the loop goroutine. Other goroutines
// (socket readers, transport receivers, timers) never touch that state
// directly; they Post a closure and the loop runs it in arrival order.
// A closure posted from inside the loop runs on a later iteration, never
// synchronously, which is how re-entrant dispatch is avoided.
package eventloop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"
)

// Loop is a FIFO of closures executed on a single goroutine.
type Loop struct {
	clock clock.WithDelayedExecution

	mu    sync.Mutex
	queue []func()
	wake  chan struct{}

	running atomic.Bool
	beat    atomic.Int64
}

// New returns a loop that schedules timers on clk. A nil clk uses the
// real clock.
func New(clk clock.WithDelayedExecution) *Loop {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Loop{
		clock: clk,
		wake:  make(chan struct{}, 1),
	}
}

// Clock returns the clock timers are scheduled on.
func (l *Loop) Clock() clock.WithDelayedExecution {
	return l.clock
}

// Post queues fn to run on the loop. It is safe to call from any goroutine.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Timer is a pending AfterFunc.
type Timer struct {
	t       clock.Timer
	stopped atomic.Bool
}

// Stop cancels the timer. A callback that already fired but has not yet
// run on the loop is suppressed. Stop reports whether it prevented the
// callback from running.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	first := t.stopped.CompareAndSwap(false, true)
	if t.t != nil {
		t.t.Stop()
	}
	return first
}

// AfterFunc runs fn on the loop once d has elapsed. A zero duration
// behaves like Post.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	tm := &Timer{}
	run := func() {
		if tm.stopped.CompareAndSwap(false, true) {
			fn()
		}
	}
	if d <= 0 {
		l.Post(run)
		return tm
	}
	tm.t = l.clock.AfterFunc(d, func() { l.Post(run) })
	return tm
}

// Run executes queued closures until ctx is canceled.
func (l *Loop) Run(ctx context.Context) error {
	l.running.Store(true)
	defer l.running.Store(false)

	for {
		l.runBatch()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Drain runs queued closures on the calling goroutine until the queue is
// empty, including closures queued while draining. It returns the number
// run. Drain must not be called while Run is active; tests use it to step
// the loop deterministically.
func (l *Loop) Drain() int {
	if l.running.Load() {
		panic("eventloop: Drain called while Run is active")
	}
	total := 0
	for {
		n := l.runBatch()
		if n == 0 {
			return total
		}
		total += n
	}
}

// LastBeat returns the time at which the loop last finished a batch.
func (l *Loop) LastBeat() time.Time {
	ns := l.beat.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (l *Loop) runBatch() int {
	l.mu.Lock()
	batch := l.queue
	l.queue = nil
	l.mu.Unlock()

	for _, fn := range batch {
		fn()
	}
	if len(batch) > 0 {
		l.beat.Store(l.clock.Now().UnixNano())
	}
	return len(batch)
}

// Pending returns the number of queued closures.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}
