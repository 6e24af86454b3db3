// Package coordinator refcounts access to shared upstream provider
// processes so many sessions can lean on one backing server instead of each
// starting its own. Concurrent startups for the same key are coalesced
// through a golang.org/x/sync/singleflight group, so callers racing to
// build the same expensive resource share one startup.
package coordinator

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/elemental-run/agentcore/internal/debuglog"
	"github.com/elemental-run/agentcore/internal/orcherr"
)

// Handle is the opaque resource a lease grants access to.
type Handle interface {
	Close() error
}

// StartFunc builds a Handle for key. It is called at most once per
// concurrent startup burst.
type StartFunc func(ctx context.Context, key string, config any) (Handle, error)

type lease struct {
	refcount int
	handle   Handle
}

// Coordinator is the Shared-Server Coordinator: refcounted acquire/release
// per key, with coalesced concurrent startups.
type Coordinator struct {
	mu      sync.Mutex
	leases  map[string]*lease
	start   StartFunc
	group   singleflight.Group
	log     *debuglog.Logger
}

// New builds a Coordinator that uses start to create a handle on first
// acquire for a given key.
func New(start StartFunc, opts ...Option) *Coordinator {
	c := &Coordinator{
		leases: make(map[string]*lease),
		start:  start,
		log:    debuglog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Option configures a Coordinator at construction time.
type Option func(*Coordinator)

// WithLogger attaches a debug sink.
func WithLogger(l *debuglog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// ReleaseFunc returns a lease for key to the coordinator. Calling it more
// than once is safe but only the first call has effect.
type ReleaseFunc func()

// Acquire returns a live handle for key, creating one if necessary. If a
// startup for key is already in flight, the caller awaits and shares its
// result. The returned ReleaseFunc must be called exactly once when the
// caller is done with the handle (deferring it covers panics too).
func (c *Coordinator) Acquire(ctx context.Context, key string, config any) (Handle, ReleaseFunc, error) {
	c.mu.Lock()
	l, ok := c.leases[key]
	if ok && l.handle != nil {
		// Steady state: a live handle already exists, just ride it.
		l.refcount++
		h := l.handle
		c.mu.Unlock()
		return h, c.releaseOnce(key), nil
	}
	if !ok {
		l = &lease{}
		c.leases[key] = l
	}
	// Speculatively reserve a slot. Every concurrent caller that lands here
	// while a startup is already in flight for this key also increments,
	// then all of them converge on the same singleflight call below and
	// share its one result.
	l.refcount++
	c.mu.Unlock()

	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.start(ctx, key, config)
	})
	if err != nil {
		c.mu.Lock()
		if l := c.leases[key]; l != nil {
			l.refcount--
			if l.refcount <= 0 && l.handle == nil {
				delete(c.leases, key)
			}
		}
		c.mu.Unlock()
		c.log.Log("coordinator: startup failed for key=%s: %v", key, err)
		return nil, nil, orcherr.New(orcherr.SpawnFailure, "coordinator.Acquire", err)
	}

	handle := v.(Handle)
	c.mu.Lock()
	l, ok = c.leases[key]
	if !ok {
		// Every acquirer released before the startup it was waiting on
		// finished; nothing holds this handle, close it immediately.
		c.mu.Unlock()
		handle.Close()
		return nil, nil, orcherr.New(orcherr.Conflict, "coordinator.Acquire", fmt.Errorf("lease for key %q vanished during startup", key))
	}
	if l.handle == nil {
		l.handle = handle
	}
	h := l.handle
	c.mu.Unlock()

	return h, c.releaseOnce(key), nil
}

func (c *Coordinator) releaseOnce(key string) ReleaseFunc {
	var once sync.Once
	return func() { once.Do(func() { c.Release(key) }) }
}

// Release decrements the refcount for key. If it reaches zero, the handle
// is closed and all state for key is cleared.
func (c *Coordinator) Release(key string) {
	c.mu.Lock()
	l, ok := c.leases[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	l.refcount--
	if l.refcount > 0 {
		c.mu.Unlock()
		return
	}
	handle := l.handle
	delete(c.leases, key)
	c.mu.Unlock()

	if handle != nil {
		if err := handle.Close(); err != nil {
			c.log.Log("coordinator: close failed for key=%s: %v", key, err)
		}
	}
}

// Refcount returns the current refcount for key, for tests and
// observability. Zero means no lease is held.
func (c *Coordinator) Refcount(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.leases[key]; ok {
		return l.refcount
	}
	return 0
}

// HasHandle reports whether key currently has a live handle.
func (c *Coordinator) HasHandle(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.leases[key]
	return ok && l.handle != nil
}
