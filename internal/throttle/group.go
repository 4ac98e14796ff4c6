package throttle

import (
	"context"
	"sync"
	"time"

	"github.com/sigumaa/apexrank/internal/task"
)

// KeyedAction is the per-key form of Action.
type KeyedAction[T any] func(ctx context.Context, key string, payload T) error

// Group holds one Throttler per entity key, created on first request.
type Group[T any] struct {
	ctx       context.Context
	wait      time.Duration
	runner    *task.Runner
	component string
	action    KeyedAction[T]

	mu         sync.Mutex
	throttlers map[string]*Throttler[T]
}

func NewGroup[T any](ctx context.Context, component string, wait time.Duration, runner *task.Runner, action KeyedAction[T]) *Group[T] {
	if action == nil {
		panic("throttle: action is required")
	}
	return &Group[T]{
		ctx:        ctx,
		wait:       wait,
		runner:     runner,
		component:  component,
		action:     action,
		throttlers: map[string]*Throttler[T]{},
	}
}

func (g *Group[T]) Request(key string, payload T) bool {
	return g.getOrCreate(key).Request(payload)
}

func (g *Group[T]) Flush(key string) bool {
	if th, ok := g.get(key); ok {
		return th.Flush()
	}
	return false
}

func (g *Group[T]) Cancel(key string) {
	if th, ok := g.get(key); ok {
		th.Cancel()
	}
}

// Remove cancels and forgets the key's throttler. Used when the bot leaves a guild.
func (g *Group[T]) Remove(key string) {
	g.mu.Lock()
	th, ok := g.throttlers[key]
	delete(g.throttlers, key)
	g.mu.Unlock()
	if ok {
		th.Cancel()
	}
}

func (g *Group[T]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.throttlers)
}

// Stop cancels every pending timer.
func (g *Group[T]) Stop() {
	g.mu.Lock()
	all := make([]*Throttler[T], 0, len(g.throttlers))
	for _, th := range g.throttlers {
		all = append(all, th)
	}
	g.mu.Unlock()
	for _, th := range all {
		th.Cancel()
	}
}

func (g *Group[T]) get(key string) (*Throttler[T], bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	th, ok := g.throttlers[key]
	return th, ok
}

func (g *Group[T]) getOrCreate(key string) *Throttler[T] {
	if key == "" {
		panic("throttle: key is required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if th, ok := g.throttlers[key]; ok {
		return th
	}
	meta := task.Meta{Component: g.component, Key: key, Name: "throttled_update"}
	th := New(g.ctx, g.wait, g.runner, meta, func(ctx context.Context, payload T) error {
		return g.action(ctx, key, payload)
	})
	g.throttlers[key] = th
	return th
}
