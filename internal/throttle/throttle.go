// Package throttle collapses bursts of refresh requests into trailing-edge
// executions spaced at least one wait period apart.
package throttle

import (
	"context"
	"sync"
	"time"

	"github.com/sigumaa/apexrank/internal/task"
)

// Action receives the most recent payload passed to Request.
type Action[T any] func(ctx context.Context, payload T) error

type Throttler[T any] struct {
	ctx    context.Context
	wait   time.Duration
	action Action[T]
	runner *task.Runner
	meta   task.Meta
	now    func() time.Time

	mu         sync.Mutex
	lastRun    time.Time
	timer      *time.Timer
	generation uint64
	pending    T
	hasPending bool

	// runMu keeps executions of one throttler from overlapping when an
	// action outlives the wait period.
	runMu sync.Mutex
}

func New[T any](ctx context.Context, wait time.Duration, runner *task.Runner, meta task.Meta, action Action[T]) *Throttler[T] {
	if action == nil {
		panic("throttle: action is required")
	}
	if runner == nil {
		runner = task.NewRunner(0, nil)
	}
	if wait < 0 {
		wait = 0
	}
	return &Throttler[T]{
		ctx:    ctx,
		wait:   wait,
		action: action,
		runner: runner,
		meta:   meta,
		now:    time.Now,
	}
}

// Request runs the action right away when the wait period has elapsed since
// the previous execution and reports true. Otherwise payload replaces any
// pending one and a single timer fires with it once the period is over.
func (t *Throttler[T]) Request(payload T) bool {
	t.mu.Lock()
	if t.timer != nil {
		t.pending = payload
		t.hasPending = true
		t.mu.Unlock()
		return false
	}

	now := t.now()
	elapsed := now.Sub(t.lastRun)
	if t.lastRun.IsZero() || elapsed >= t.wait {
		t.lastRun = now
		t.mu.Unlock()
		go t.execute(payload)
		return true
	}

	t.pending = payload
	t.hasPending = true
	t.generation++
	gen := t.generation
	t.timer = time.AfterFunc(t.wait-elapsed, func() { t.fire(gen) })
	t.mu.Unlock()
	return false
}

// Flush runs the pending payload immediately. It reports false when nothing
// was pending.
func (t *Throttler[T]) Flush() bool {
	payload, ok := t.takePending()
	if !ok {
		return false
	}
	go t.execute(payload)
	return true
}

// Cancel drops the pending payload and timer without running anything.
func (t *Throttler[T]) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clearLocked()
}

// Pending reports whether a trailing execution is armed.
func (t *Throttler[T]) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasPending
}

func (t *Throttler[T]) fire(gen uint64) {
	t.mu.Lock()
	if gen != t.generation || !t.hasPending {
		t.mu.Unlock()
		return
	}
	payload := t.pending
	t.clearLocked()
	t.lastRun = t.now()
	t.mu.Unlock()

	t.execute(payload)
}

func (t *Throttler[T]) takePending() (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var zero T
	if !t.hasPending {
		return zero, false
	}
	payload := t.pending
	t.clearLocked()
	t.lastRun = t.now()
	return payload, true
}

// clearLocked resets the pending state before any action runs, so a failing
// action never blocks later scheduling.
func (t *Throttler[T]) clearLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	var zero T
	t.pending = zero
	t.hasPending = false
	t.generation++
}

func (t *Throttler[T]) execute(payload T) {
	if t.ctx.Err() != nil {
		return
	}
	t.runMu.Lock()
	defer t.runMu.Unlock()
	_ = t.runner.Run(t.ctx, t.meta, func(ctx context.Context) error {
		return t.action(ctx, payload)
	})
}
