// Package task runs the asynchronous actions handed to the coalescing
// components. Every execution gets a deadline, panic isolation and a log line
// on failure, so a broken refresh never escapes into the caller or stalls a
// worker forever.
package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"
)

const DefaultTimeout = 2 * time.Minute

// Func is a unit of refresh work.
type Func func(ctx context.Context) error

// Outcome classifies a finished execution.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeError   Outcome = "error"
	OutcomeTimeout Outcome = "timeout"
	OutcomePanic   Outcome = "panic"
)

// ErrPanic wraps a recovered panic value.
var ErrPanic = errors.New("task panicked")

// Meta names an execution for logs and metrics.
type Meta struct {
	Component string
	Key       string
	Name      string
}

// Observer receives one call per finished execution.
type Observer interface {
	ObserveTask(meta Meta, outcome Outcome, elapsed time.Duration)
}

type Runner struct {
	timeout  time.Duration
	logger   *zap.Logger
	observer Observer
}

type Option func(*Runner)

func WithObserver(o Observer) Option {
	return func(r *Runner) {
		r.observer = o
	}
}

func NewRunner(timeout time.Duration, logger *zap.Logger, opts ...Option) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{timeout: timeout, logger: logger}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *Runner) Timeout() time.Duration {
	return r.timeout
}

// Run executes fn under the runner's timeout. The returned error is already
// logged; callers only use it for bookkeeping.
func (r *Runner) Run(ctx context.Context, meta Meta, fn Func) error {
	if fn == nil {
		return nil
	}
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	started := time.Now()
	var err error
	var catcher panics.Catcher
	catcher.Try(func() {
		err = fn(runCtx)
	})
	if recovered := catcher.Recovered(); recovered != nil {
		err = fmt.Errorf("%w: %v", ErrPanic, recovered.Value)
	}
	elapsed := time.Since(started)

	outcome := classify(err, runCtx)
	if r.observer != nil {
		r.observer.ObserveTask(meta, outcome, elapsed)
	}
	if err != nil {
		r.logger.Warn("task_failed",
			zap.String("component", meta.Component),
			zap.String("key", meta.Key),
			zap.String("name", meta.Name),
			zap.String("outcome", string(outcome)),
			zap.Int64("latency_ms", elapsed.Milliseconds()),
			zap.Error(err),
		)
	}
	return err
}

func classify(err error, runCtx context.Context) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrPanic):
		return OutcomePanic
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return OutcomeTimeout
	default:
		return OutcomeError
	}
}
