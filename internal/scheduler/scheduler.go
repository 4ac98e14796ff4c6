// Package scheduler runs named periodic tasks per entity from one coarse poll
// loop instead of a timer per task.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/sigumaa/apexrank/internal/task"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultMaxJitter    = 500 * time.Millisecond
)

// Resolver turns an entity key into a live entity. Any error means the entity
// is gone and every task registered for the key is dropped.
type Resolver[E any] func(ctx context.Context, key string) (E, error)

// Action is invoked with the freshly resolved entity.
type Action[E any] func(ctx context.Context, entity E) error

type Stats struct {
	TotalTasks     int `json:"total_tasks"`
	ActiveEntities int `json:"active_entities"`
}

type Config struct {
	PollInterval time.Duration
	MaxJitter    time.Duration
}

type registration[E any] struct {
	key      string
	name     string
	interval time.Duration
	lastRun  time.Time
	action   Action[E]
}

type Scheduler[E any] struct {
	resolve Resolver[E]
	runner  *task.Runner
	logger  *zap.Logger
	poll    time.Duration
	jitter  time.Duration
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration)
	ticking atomic.Bool

	lifeMu sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	tasks map[string]map[string]*registration[E]
}

type Option[E any] func(*Scheduler[E])

func WithClock[E any](now func() time.Time) Option[E] {
	return func(s *Scheduler[E]) {
		if now != nil {
			s.now = now
		}
	}
}

func New[E any](cfg Config, resolve Resolver[E], runner *task.Runner, logger *zap.Logger, opts ...Option[E]) (*Scheduler[E], error) {
	if resolve == nil {
		return nil, errors.New("scheduler resolver is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxJitter < 0 {
		cfg.MaxJitter = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if runner == nil {
		runner = task.NewRunner(0, logger)
	}

	s := &Scheduler[E]{
		resolve: resolve,
		runner:  runner,
		logger:  logger,
		poll:    cfg.PollInterval,
		jitter:  cfg.MaxJitter,
		now:     time.Now,
		sleep:   sleepContext,
		tasks:   map[string]map[string]*registration[E]{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Register adds a periodic task or replaces the one with the same key and
// name. A new registration has never run and is due on the next tick.
func (s *Scheduler[E]) Register(key string, name string, interval time.Duration, action Action[E]) {
	if key == "" || name == "" {
		panic("scheduler: key and name are required")
	}
	if action == nil {
		panic("scheduler: action is required")
	}
	if interval <= 0 {
		panic(fmt.Sprintf("scheduler: interval for %s/%s must be positive", key, name))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	byName, ok := s.tasks[key]
	if !ok {
		byName = map[string]*registration[E]{}
		s.tasks[key] = byName
	}
	byName[name] = &registration[E]{key: key, name: name, interval: interval, action: action}
}

// UnregisterEntity drops every task for key and reports how many were removed.
func (s *Scheduler[E]) UnregisterEntity(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.tasks[key])
	delete(s.tasks, key)
	return n
}

func (s *Scheduler[E]) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Stats{ActiveEntities: len(s.tasks)}
	for _, byName := range s.tasks {
		out.TotalTasks += len(byName)
	}
	return out
}

// Start begins polling until ctx is cancelled or Stop is called. The first
// tick runs right away.
func (s *Scheduler[E]) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.cron != nil {
		return errors.New("scheduler already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.poll), func() { s.Tick(ctx) }); err != nil {
		cancel()
		return fmt.Errorf("register scheduler poll: %w", err)
	}
	s.cron = c
	s.cancel = cancel
	c.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Tick(ctx)
	}()
	go func() {
		<-ctx.Done()
		s.stop(c)
	}()
	return nil
}

// Stop halts polling and waits for a running tick to finish. It is a no-op
// when the scheduler is not running.
func (s *Scheduler[E]) Stop() {
	s.stop(nil)
}

// stop shuts down the running cron, or only the given one when c is set so a
// stale context watcher cannot stop a later Start.
func (s *Scheduler[E]) stop(only *cron.Cron) {
	s.lifeMu.Lock()
	c, cancel := s.cron, s.cancel
	if c == nil || (only != nil && c != only) {
		s.lifeMu.Unlock()
		return
	}
	s.cron, s.cancel = nil, nil
	s.lifeMu.Unlock()

	cancel()
	<-c.Stop().Done()
	s.wg.Wait()
}

// Tick runs every due task once, one after another. Overlapping ticks are
// skipped.
func (s *Scheduler[E]) Tick(ctx context.Context) int {
	if !s.ticking.CompareAndSwap(false, true) {
		s.logger.Debug("scheduler_tick_skipped", zap.String("reason", "already_running"))
		return 0
	}
	defer s.ticking.Store(false)

	ran := 0
	for _, due := range s.dueTasks() {
		if ctx.Err() != nil {
			return ran
		}
		if !s.claim(due) {
			continue
		}

		entity, err := s.resolve(ctx, due.key)
		if err != nil {
			removed := s.UnregisterEntity(due.key)
			s.logger.Info("scheduler_entity_gone",
				zap.String("key", due.key),
				zap.Int("removed_tasks", removed),
				zap.Error(err),
			)
			continue
		}

		action := due.action
		_ = s.runner.Run(ctx, task.Meta{Component: "scheduler", Key: due.key, Name: due.name}, func(runCtx context.Context) error {
			return action(runCtx, entity)
		})
		ran++

		if s.jitter > 0 {
			s.sleep(ctx, rand.N(s.jitter))
		}
	}
	return ran
}

type dueTask[E any] struct {
	key    string
	name   string
	action Action[E]
	reg    *registration[E]
}

func (s *Scheduler[E]) dueTasks() []dueTask[E] {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make([]dueTask[E], 0)
	for key, byName := range s.tasks {
		for name, reg := range byName {
			if reg.lastRun.IsZero() || now.Sub(reg.lastRun) >= reg.interval {
				out = append(out, dueTask[E]{key: key, name: name, action: reg.action, reg: reg})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].key != out[j].key {
			return out[i].key < out[j].key
		}
		return out[i].name < out[j].name
	})
	return out
}

// claim stamps lastRun before the action starts so a slow action is not
// picked up again by the next tick. It fails when the task was unregistered
// or replaced since the scan.
func (s *Scheduler[E]) claim(due dueTask[E]) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.tasks[due.key][due.name]
	if !ok || current != due.reg {
		return false
	}
	current.lastRun = s.now()
	return true
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
