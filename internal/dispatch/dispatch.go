// Package dispatch periodically matches ready tasks in the task store to
// idle, capability-matching worker agents, the way the teacher's Scheduler
// matches ready graph nodes to free agent slots — but against an external
// store instead of an in-memory dependency graph.
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elemental-run/agentcore/internal/capability"
	"github.com/elemental-run/agentcore/internal/control"
	"github.com/elemental-run/agentcore/internal/debuglog"
	"github.com/elemental-run/agentcore/internal/orcherr"
	"github.com/elemental-run/agentcore/internal/store"
	"github.com/elemental-run/agentcore/pkg/models"
)

const (
	DefaultTickInterval = 5 * time.Second
	DefaultBatchSize    = 16
	DefaultStoreTimeout = 30 * time.Second
	maxBackoff          = 60 * time.Second
)

// Daemon runs the dispatch loop against a Store.
type Daemon struct {
	st store.Store
	log *debuglog.Logger

	tickInterval time.Duration
	batchSize    int
	storeTimeout time.Duration
	ctrl         *control.Watcher

	trigger chan struct{}
	stop    chan struct{}
	done    chan struct{}

	assignments    atomic.Int64
	dispatchErrors atomic.Int64

	mu      sync.Mutex
	running bool
}

// Option configures a Daemon at construction time.
type Option func(*Daemon)

func WithTickInterval(d time.Duration) Option {
	return func(daemon *Daemon) {
		if d > 0 {
			daemon.tickInterval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(daemon *Daemon) {
		if n > 0 {
			daemon.batchSize = n
		}
	}
}

func WithStoreTimeout(d time.Duration) Option {
	return func(daemon *Daemon) {
		if d > 0 {
			daemon.storeTimeout = d
		}
	}
}

func WithLogger(l *debuglog.Logger) Option {
	return func(daemon *Daemon) {
		if l != nil {
			daemon.log = l
		}
	}
}

// WithControlWatcher wires an out-of-band pause/kill sentinel watcher: ticks
// are skipped while w.ShouldPause() is true, and the loop exits entirely
// once w.ShouldStop() is true.
func WithControlWatcher(w *control.Watcher) Option {
	return func(daemon *Daemon) {
		daemon.ctrl = w
	}
}

// New builds a Daemon over st. Call Run to start the loop.
func New(st store.Store, opts ...Option) *Daemon {
	d := &Daemon{
		st:           st,
		log:          debuglog.Nop(),
		tickInterval: DefaultTickInterval,
		batchSize:    DefaultBatchSize,
		storeTimeout: DefaultStoreTimeout,
		trigger:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run starts the loop and blocks until ctx is canceled or Stop is called.
// It must be called at most once.
func (d *Daemon) Run(ctx context.Context) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	d.mu.Unlock()

	defer close(d.done)

	ticker := time.NewTicker(d.tickInterval)
	defer ticker.Stop()

	backoff := time.Duration(0)
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
		case <-d.trigger:
		}

		if d.ctrl != nil && d.ctrl.ShouldStop() {
			return
		}
		if d.ctrl != nil && d.ctrl.ShouldPause() {
			continue
		}

		if backoff > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			case <-d.stop:
				return
			}
		}

		if err := d.tick(ctx); err != nil {
			d.dispatchErrors.Add(1)
			d.log.Log("dispatch: tick failed: %v", err)
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = 0
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	if cur == 0 {
		return time.Second
	}
	next := cur * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

// Stop signals the loop to exit at its next natural boundary and waits for
// it; it never kills an in-flight store call.
func (d *Daemon) Stop() {
	d.mu.Lock()
	running := d.running
	stopCh := d.stop
	doneCh := d.done
	d.mu.Unlock()
	if !running {
		return
	}
	select {
	case <-stopCh:
	default:
		close(stopCh)
	}
	<-doneCh
}

// PollNow wakes the loop immediately rather than waiting for the next tick.
func (d *Daemon) PollNow() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Assignments returns the number of tasks successfully assigned so far.
func (d *Daemon) Assignments() int64 { return d.assignments.Load() }

// Errors returns the number of failed ticks so far.
func (d *Daemon) Errors() int64 { return d.dispatchErrors.Load() }

// tick runs one dispatch pass: fetch ready tasks and idle workers, bind as
// many (task, worker) pairs as capability matching and atomic assignment
// allow, and never propagate an error that would kill the loop beyond this
// single tick.
func (d *Daemon) tick(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, d.storeTimeout)
	defer cancel()

	tasks, err := d.st.GetReadyTasks(ctx, d.batchSize)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}
	workers, err := d.st.GetIdleWorkers(ctx)
	if err != nil {
		return err
	}
	if len(workers) == 0 {
		return nil
	}

	remaining := workers
	for _, task := range tasks {
		best, ok := capability.Best(remaining, task.TaskRequirements)
		if !ok {
			continue
		}
		err := d.st.AssignTaskAtomic(ctx, task.TaskID, best.AgentID, store.AssignmentInfo{})
		if err != nil {
			if orcherr.Of(err) == orcherr.Conflict {
				d.log.Log("dispatch: task %s lost assignment race, skipping", task.TaskID)
				continue
			}
			d.log.Log("dispatch: assign task %s to %s failed: %v", task.TaskID, best.AgentID, err)
			continue
		}
		d.assignments.Add(1)
		d.log.Log("dispatch: assigned task %s to agent %s", task.TaskID, best.AgentID)
		remaining = removeWorker(remaining, best.AgentID)
	}
	return nil
}

func removeWorker(workers []models.IdleWorkerSnapshot, id string) []models.IdleWorkerSnapshot {
	out := make([]models.IdleWorkerSnapshot, 0, len(workers))
	for _, w := range workers {
		if w.AgentID != id {
			out = append(out, w)
		}
	}
	return out
}
