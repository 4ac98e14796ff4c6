// Package dispatch serializes refresh work per guild. Each guild key gets a
// single owner goroutine that drains its queue in priority order, and a
// semaphore caps how many guilds are drained at once.
package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sigumaa/apexrank/internal/task"
)

const (
	defaultConcurrency = 3
	defaultPause       = 100 * time.Millisecond
)

// Priority orders tasks within one key; higher runs first.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

// Task is one refresh operation. Kind identifies the logical operation for
// de-duplication: two queued tasks with the same key and kind are one task.
type Task struct {
	Kind     string
	Priority Priority
	Run      task.Func
}

type Config struct {
	Concurrency int
	Pause       time.Duration
}

type Stats struct {
	Keys       int `json:"keys"`
	Active     int `json:"active"`
	Queued     int `json:"queued"`
	Processed  int `json:"processed"`
	Failed     int `json:"failed"`
	Superseded int `json:"superseded"`
}

type Dispatcher struct {
	ctx    context.Context
	cancel context.CancelFunc
	runner *task.Runner
	logger *zap.Logger
	pause  time.Duration
	slots  *semaphore.Weighted

	mu      sync.Mutex
	workers map[string]*worker
	seq     uint64
	stats   Stats
	wg      sync.WaitGroup
}

type worker struct {
	queue   []*queuedTask
	running bool
	// lastDone is only touched by the worker goroutine.
	lastDone time.Time
}

type queuedTask struct {
	Task
	seq        uint64
	enqueuedAt time.Time
}

func New(ctx context.Context, cfg Config, runner *task.Runner, logger *zap.Logger) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Pause < 0 {
		cfg.Pause = 0
	}
	if cfg.Pause == 0 {
		cfg.Pause = defaultPause
	}
	if runner == nil {
		runner = task.NewRunner(0, logger)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Dispatcher{
		ctx:     ctx,
		cancel:  cancel,
		runner:  runner,
		logger:  logger,
		pause:   cfg.Pause,
		slots:   semaphore.NewWeighted(int64(cfg.Concurrency)),
		workers: map[string]*worker{},
	}
}

// Enqueue adds t to key's queue. When a task of the same kind is already
// queued, the higher priority one is kept in the original position and
// Enqueue reports true.
func (d *Dispatcher) Enqueue(key string, t Task) (merged bool) {
	if key == "" {
		panic("dispatch: key is required")
	}
	if t.Run == nil {
		panic("dispatch: task run func is required")
	}
	if d.ctx.Err() != nil {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	w := d.workers[key]
	if w == nil {
		w = &worker{}
		d.workers[key] = w
	}

	if t.Kind != "" {
		for _, queued := range w.queue {
			if queued.Kind != t.Kind {
				continue
			}
			if t.Priority > queued.Priority {
				queued.Task = t
			}
			d.stats.Superseded++
			merged = true
			break
		}
	}
	if !merged {
		d.seq++
		w.queue = append(w.queue, &queuedTask{Task: t, seq: d.seq, enqueuedAt: time.Now()})
	}

	if !w.running {
		w.running = true
		d.wg.Add(1)
		go d.runWorker(key, w)
	}
	return merged
}

// CancelEntity drops every queued task for key. A task that is already
// running is left to finish; the worker then goes idle.
func (d *Dispatcher) CancelEntity(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	w, ok := d.workers[key]
	if !ok {
		return 0
	}
	dropped := len(w.queue)
	w.queue = nil
	if !w.running {
		delete(d.workers, key)
	}
	return dropped
}

// Pending returns the kinds queued for key in execution order.
func (d *Dispatcher) Pending(key string) []Task {
	d.mu.Lock()
	defer d.mu.Unlock()

	w, ok := d.workers[key]
	if !ok {
		return nil
	}
	sorted := append([]*queuedTask(nil), w.queue...)
	sortQueue(sorted)
	out := make([]Task, 0, len(sorted))
	for _, q := range sorted {
		out = append(out, q.Task)
	}
	return out
}

func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := d.stats
	out.Keys = len(d.workers)
	for _, w := range d.workers {
		if w.running {
			out.Active++
		}
		out.Queued += len(w.queue)
	}
	return out
}

// Stop cancels pending work and waits for in-flight tasks to return.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) runWorker(key string, w *worker) {
	defer d.wg.Done()

	if err := d.slots.Acquire(d.ctx, 1); err != nil {
		d.finish(key, w)
		return
	}
	defer d.slots.Release(1)

	for {
		if !w.lastDone.IsZero() && d.hasQueued(w) && !d.sleep(d.pause-time.Since(w.lastDone)) {
			d.finish(key, w)
			return
		}
		next, ok := d.pop(key, w)
		if !ok {
			return
		}

		err := d.runner.Run(d.ctx, task.Meta{Component: "dispatch", Key: key, Name: next.Kind}, next.Run)
		w.lastDone = time.Now()

		d.mu.Lock()
		d.stats.Processed++
		if err != nil {
			d.stats.Failed++
		}
		d.mu.Unlock()

		if queueWait := time.Since(next.enqueuedAt); queueWait > 10*time.Second {
			d.logger.Info("dispatch_slow_queue",
				zap.String("key", key),
				zap.String("kind", next.Kind),
				zap.Int64("queue_wait_ms", queueWait.Milliseconds()),
			)
		}
	}
}

func (d *Dispatcher) hasQueued(w *worker) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(w.queue) > 0
}

// sleep waits out what is left of the pause after the previous task of a
// key finished. It returns false when the dispatcher stops first.
func (d *Dispatcher) sleep(wait time.Duration) bool {
	if wait <= 0 {
		return d.ctx.Err() == nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-d.ctx.Done():
		return false
	}
}

// pop removes the next task for key, or marks the worker idle and returns
// false when the queue is empty or the dispatcher is stopping.
func (d *Dispatcher) pop(key string, w *worker) (*queuedTask, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(w.queue) == 0 || d.ctx.Err() != nil {
		d.finishLocked(key, w)
		return nil, false
	}
	sortQueue(w.queue)
	next := w.queue[0]
	w.queue[0] = nil
	w.queue = w.queue[1:]
	return next, true
}

func (d *Dispatcher) finish(key string, w *worker) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.finishLocked(key, w)
}

func (d *Dispatcher) finishLocked(key string, w *worker) {
	w.running = false
	if d.ctx.Err() != nil {
		w.queue = nil
	}
	if len(w.queue) == 0 && d.workers[key] == w {
		delete(d.workers, key)
	}
}

func sortQueue(queue []*queuedTask) {
	sort.SliceStable(queue, func(i, j int) bool {
		if queue[i].Priority != queue[j].Priority {
			return queue[i].Priority > queue[j].Priority
		}
		return queue[i].seq < queue[j].seq
	})
}
