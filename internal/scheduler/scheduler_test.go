package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sigumaa/apexrank/internal/task"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type guild struct {
	ID string
}

var errUnknownGuild = errors.New("unknown guild")

func newTestScheduler(t *testing.T, gone map[string]bool) (*Scheduler[guild], *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	resolve := func(_ context.Context, key string) (guild, error) {
		if gone[key] {
			return guild{}, errUnknownGuild
		}
		return guild{ID: key}, nil
	}
	s, err := New(Config{PollInterval: time.Second}, resolve, task.NewRunner(time.Second, zap.NewNop()), zap.NewNop(), WithClock[guild](clock.Now))
	require.NoError(t, err)
	return s, clock
}

func TestNewRequiresResolver(t *testing.T) {
	t.Parallel()

	_, err := New[guild](Config{}, nil, nil, nil)
	assert.Error(t, err)
}

func TestRegisteredTaskFiresOnFirstTick(t *testing.T) {
	t.Parallel()

	s, clock := newTestScheduler(t, nil)
	var calls []string
	s.Register("g1", "status_embed", time.Minute, func(_ context.Context, g guild) error {
		calls = append(calls, g.ID)
		return nil
	})

	assert.Equal(t, 1, s.Tick(context.Background()))
	assert.Equal(t, []string{"g1"}, calls)

	clock.Advance(30 * time.Second)
	assert.Equal(t, 0, s.Tick(context.Background()))

	clock.Advance(30 * time.Second)
	assert.Equal(t, 1, s.Tick(context.Background()))
	assert.Len(t, calls, 2)
}

func TestReRegistrationReplaces(t *testing.T) {
	t.Parallel()

	s, _ := newTestScheduler(t, nil)
	var got []string
	s.Register("g1", "presence", time.Minute, func(context.Context, guild) error {
		got = append(got, "old")
		return nil
	})
	s.Register("g1", "presence", time.Minute, func(context.Context, guild) error {
		got = append(got, "new")
		return nil
	})
	s.Register("g2", "presence", time.Minute, func(context.Context, guild) error { return nil })

	assert.Equal(t, Stats{TotalTasks: 2, ActiveEntities: 2}, s.Stats())
	s.Tick(context.Background())
	assert.Equal(t, []string{"new"}, got)
}

func TestFailingTaskDoesNotStopOthers(t *testing.T) {
	t.Parallel()

	s, _ := newTestScheduler(t, nil)
	var ran []string
	s.Register("g1", "a_fail", time.Minute, func(context.Context, guild) error {
		ran = append(ran, "a_fail")
		return errors.New("stats api down")
	})
	s.Register("g1", "b_panic", time.Minute, func(context.Context, guild) error {
		ran = append(ran, "b_panic")
		panic("nil map")
	})
	s.Register("g1", "c_ok", time.Minute, func(context.Context, guild) error {
		ran = append(ran, "c_ok")
		return nil
	})

	assert.Equal(t, 3, s.Tick(context.Background()))
	assert.Equal(t, []string{"a_fail", "b_panic", "c_ok"}, ran)
	assert.Equal(t, 3, s.Stats().TotalTasks)
}

func TestResolutionFailureUnregistersEntity(t *testing.T) {
	t.Parallel()

	s, _ := newTestScheduler(t, map[string]bool{"gone": true})
	var ran []string
	for _, key := range []string{"gone", "live"} {
		for _, name := range []string{"presence", "status_embed"} {
			key, name := key, name
			s.Register(key, name, time.Minute, func(context.Context, guild) error {
				ran = append(ran, key+"/"+name)
				return nil
			})
		}
	}

	assert.Equal(t, 2, s.Tick(context.Background()))
	assert.Equal(t, []string{"live/presence", "live/status_embed"}, ran)
	assert.Equal(t, Stats{TotalTasks: 2, ActiveEntities: 1}, s.Stats())
}

func TestUnregisterEntity(t *testing.T) {
	t.Parallel()

	s, _ := newTestScheduler(t, nil)
	s.Register("g1", "presence", time.Minute, func(context.Context, guild) error { return nil })
	s.Register("g1", "status_embed", time.Minute, func(context.Context, guild) error { return nil })

	assert.Equal(t, 2, s.UnregisterEntity("g1"))
	assert.Equal(t, 0, s.UnregisterEntity("g1"))
	assert.Equal(t, 0, s.Tick(context.Background()))
}

func TestLastRunIsStampedBeforeActionRuns(t *testing.T) {
	t.Parallel()

	s, _ := newTestScheduler(t, nil)
	inner := -1
	s.Register("g1", "slow", time.Minute, func(ctx context.Context, _ guild) error {
		// Nested ticks are skipped by the overlap guard.
		inner = s.Tick(ctx)
		return nil
	})

	assert.Equal(t, 1, s.Tick(context.Background()))
	assert.Equal(t, 0, inner)
	assert.Equal(t, 0, s.Tick(context.Background()))
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()

	s, _ := newTestScheduler(t, nil)
	noop := func(context.Context, guild) error { return nil }
	assert.Panics(t, func() { s.Register("", "x", time.Second, noop) })
	assert.Panics(t, func() { s.Register("g1", "", time.Second, noop) })
	assert.Panics(t, func() { s.Register("g1", "x", 0, noop) })
	assert.Panics(t, func() { s.Register("g1", "x", time.Second, nil) })
}

func TestStartRunsInitialTick(t *testing.T) {
	t.Parallel()

	resolve := func(_ context.Context, key string) (guild, error) { return guild{ID: key}, nil }
	s, err := New(Config{PollInterval: time.Second}, resolve, nil, zap.NewNop())
	require.NoError(t, err)

	called := make(chan struct{}, 4)
	s.Register("g1", "presence", time.Hour, func(context.Context, guild) error {
		called <- struct{}{}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() {
		cancel()
		s.Stop()
	})

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled task was not called")
	}
}

func TestStopBeforeStartKeepsStopWorking(t *testing.T) {
	t.Parallel()

	resolve := func(_ context.Context, key string) (guild, error) { return guild{ID: key}, nil }
	s, err := New(Config{PollInterval: time.Hour}, resolve, nil, zap.NewNop())
	require.NoError(t, err)
	s.Stop()

	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	s.Register("g1", "slow", time.Hour, func(context.Context, guild) error {
		close(started)
		<-release
		finished.Store(true)
		return nil
	})
	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("initial tick did not run")
	}

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned while the initial tick was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.True(t, finished.Load())
}

func TestRestartSurvivesPreviousContextWatcher(t *testing.T) {
	t.Parallel()

	resolve := func(_ context.Context, key string) (guild, error) { return guild{ID: key}, nil }
	s, err := New(Config{PollInterval: time.Hour}, resolve, nil, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	s.Stop()
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	time.Sleep(50 * time.Millisecond)
	s.lifeMu.Lock()
	running := s.cron != nil
	s.lifeMu.Unlock()
	assert.True(t, running, "restarted scheduler was stopped by the previous run")
}
