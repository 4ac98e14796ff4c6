package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (o *recordingObserver) ObserveTask(_ Meta, outcome Outcome, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func TestRunnerClassifiesOutcomes(t *testing.T) {
	t.Parallel()

	obs := &recordingObserver{}
	r := NewRunner(50*time.Millisecond, zap.NewNop(), WithObserver(obs))
	meta := Meta{Component: "test", Key: "g1", Name: "op"}

	require.NoError(t, r.Run(context.Background(), meta, func(context.Context) error { return nil }))

	boom := errors.New("boom")
	err := r.Run(context.Background(), meta, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	err = r.Run(context.Background(), meta, func(context.Context) error { panic("kaboom") })
	assert.ErrorIs(t, err, ErrPanic)

	err = r.Run(context.Background(), meta, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []Outcome{OutcomeOK, OutcomeError, OutcomePanic, OutcomeTimeout}, obs.outcomes)
}

func TestRunnerDefaults(t *testing.T) {
	t.Parallel()

	r := NewRunner(0, nil)
	assert.Equal(t, DefaultTimeout, r.Timeout())
	assert.NoError(t, r.Run(context.Background(), Meta{}, nil))
}
