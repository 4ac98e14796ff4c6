package throttle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sigumaa/apexrank/internal/task"
)

type call struct {
	payload string
	at      time.Time
}

func newRecorder(t *testing.T, wait time.Duration, fail func(string) error) (*Throttler[string], chan call) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	calls := make(chan call, 16)
	th := New(ctx, wait, task.NewRunner(time.Second, zap.NewNop()), task.Meta{Component: "test", Key: "g1"}, func(_ context.Context, payload string) error {
		calls <- call{payload: payload, at: time.Now()}
		if fail != nil {
			return fail(payload)
		}
		return nil
	})
	return th, calls
}

func waitCall(t *testing.T, calls <-chan call) call {
	t.Helper()
	select {
	case c := <-calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("action was not called")
		return call{}
	}
}

func expectNoCall(t *testing.T, calls <-chan call, window time.Duration) {
	t.Helper()
	select {
	case c := <-calls:
		t.Fatalf("unexpected call with payload %q", c.payload)
	case <-time.After(window):
	}
}

func TestThrottlerCollapsesBurstToLatestPayload(t *testing.T) {
	t.Parallel()

	const wait = 300 * time.Millisecond
	th, calls := newRecorder(t, wait, nil)

	require.True(t, th.Request("p0"))
	first := waitCall(t, calls)
	assert.Equal(t, "p0", first.payload)

	for _, p := range []string{"p1", "p2", "p3", "p4", "p5"} {
		assert.False(t, th.Request(p))
		time.Sleep(20 * time.Millisecond)
	}

	trailing := waitCall(t, calls)
	assert.Equal(t, "p5", trailing.payload)
	assert.GreaterOrEqual(t, trailing.at.Sub(first.at), wait-10*time.Millisecond)
	expectNoCall(t, calls, wait+100*time.Millisecond)
}

func TestThrottlerRunsImmediatelyAfterCooldown(t *testing.T) {
	t.Parallel()

	const wait = 80 * time.Millisecond
	th, calls := newRecorder(t, wait, nil)

	require.True(t, th.Request("a"))
	waitCall(t, calls)

	time.Sleep(wait + 20*time.Millisecond)
	started := time.Now()
	require.True(t, th.Request("b"))
	got := waitCall(t, calls)
	assert.Equal(t, "b", got.payload)
	assert.Less(t, got.at.Sub(started), wait)
}

func TestThrottlerFlushAndCancel(t *testing.T) {
	t.Parallel()

	th, calls := newRecorder(t, time.Hour, nil)

	require.True(t, th.Request("a"))
	waitCall(t, calls)

	assert.False(t, th.Flush())

	th.Request("b")
	require.True(t, th.Pending())
	th.Cancel()
	assert.False(t, th.Pending())
	expectNoCall(t, calls, 50*time.Millisecond)

	th.Request("c")
	require.True(t, th.Flush())
	assert.Equal(t, "c", waitCall(t, calls).payload)
	assert.False(t, th.Pending())
}

func TestThrottlerFailureDoesNotBlockScheduling(t *testing.T) {
	t.Parallel()

	const wait = 50 * time.Millisecond
	th, calls := newRecorder(t, wait, func(p string) error {
		if p == "bad" {
			return errors.New("edit failed")
		}
		return nil
	})

	require.True(t, th.Request("bad"))
	waitCall(t, calls)

	th.Request("good")
	assert.Equal(t, "good", waitCall(t, calls).payload)
	assert.False(t, th.Pending())
}

func TestThrottlerExecutionsDoNotOverlap(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	running, maxRunning := 0, 0
	done := make(chan struct{}, 4)
	th := New(ctx, 10*time.Millisecond, task.NewRunner(time.Second, zap.NewNop()), task.Meta{}, func(context.Context, int) error {
		mu.Lock()
		running++
		if running > maxRunning {
			maxRunning = running
		}
		mu.Unlock()
		time.Sleep(60 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		done <- struct{}{}
		return nil
	})

	th.Request(1)
	time.Sleep(20 * time.Millisecond)
	th.Request(2)

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting executions")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxRunning)
}

func TestNewPanicsWithoutAction(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() {
		New[string](context.Background(), time.Second, nil, task.Meta{}, nil)
	})
}
