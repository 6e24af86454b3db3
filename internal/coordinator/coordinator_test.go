package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeHandle struct {
	closes *int32
}

func (h *fakeHandle) Close() error {
	atomic.AddInt32(h.closes, 1)
	return nil
}

func TestCoordinator_RefcountedSharedServer(t *testing.T) {
	var startCount int32
	var closeCount int32

	start := func(ctx context.Context, key string, config any) (Handle, error) {
		atomic.AddInt32(&startCount, 1)
		time.Sleep(200 * time.Millisecond)
		return &fakeHandle{closes: &closeCount}, nil
	}

	c := New(start)

	const n = 50
	handles := make([]Handle, n)
	releases := make([]ReleaseFunc, n)
	var wg sync.WaitGroup
	var mu sync.Mutex
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			h, rel, err := c.Acquire(context.Background(), "k", nil)
			if err != nil {
				t.Errorf("Acquire() error = %v", err)
				return
			}
			mu.Lock()
			handles[i] = h
			releases[i] = rel
			mu.Unlock()
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&startCount); got != 1 {
		t.Errorf("startCount = %d, want 1", got)
	}
	if got := c.Refcount("k"); got != n {
		t.Errorf("Refcount = %d, want %d", got, n)
	}
	first := handles[0]
	for i, h := range handles {
		if h != first {
			t.Errorf("handle %d = %v, want shared handle %v", i, h, first)
		}
	}

	var relWg sync.WaitGroup
	relWg.Add(n)
	for i := 0; i < n; i++ {
		rel := releases[i]
		go func() {
			defer relWg.Done()
			rel()
		}()
	}
	relWg.Wait()

	if got := c.Refcount("k"); got != 0 {
		t.Errorf("Refcount after release = %d, want 0", got)
	}
	if got := atomic.LoadInt32(&closeCount); got != 1 {
		t.Errorf("closeCount = %d, want 1", got)
	}
}

func TestCoordinator_FailedStartupDoesNotLeakRefcount(t *testing.T) {
	wantErr := errors.New("boom")
	start := func(ctx context.Context, key string, config any) (Handle, error) {
		return nil, wantErr
	}
	c := New(start)

	_, _, err := c.Acquire(context.Background(), "k", nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	if got := c.Refcount("k"); got != 0 {
		t.Errorf("Refcount after failed startup = %d, want 0", got)
	}
	if c.HasHandle("k") {
		t.Error("HasHandle should be false after failed startup")
	}
}

func TestCoordinator_ReleaseIsIdempotent(t *testing.T) {
	var closeCount int32
	start := func(ctx context.Context, key string, config any) (Handle, error) {
		return &fakeHandle{closes: &closeCount}, nil
	}
	c := New(start)

	_, rel, err := c.Acquire(context.Background(), "k", nil)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	rel()
	rel()

	if got := atomic.LoadInt32(&closeCount); got != 1 {
		t.Errorf("closeCount = %d, want 1 (release must be idempotent)", got)
	}
}

func TestCoordinator_SequentialAcquireReusesHandle(t *testing.T) {
	var startCount int32
	start := func(ctx context.Context, key string, config any) (Handle, error) {
		atomic.AddInt32(&startCount, 1)
		return &fakeHandle{closes: new(int32)}, nil
	}
	c := New(start)

	h1, rel1, err := c.Acquire(context.Background(), "k", nil)
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	h2, rel2, err := c.Acquire(context.Background(), "k", nil)
	if err != nil {
		t.Fatalf("second Acquire() error = %v", err)
	}
	if h1 != h2 {
		t.Error("expected the same handle on a second sequential acquire")
	}
	if got := atomic.LoadInt32(&startCount); got != 1 {
		t.Errorf("startCount = %d, want 1", got)
	}
	rel1()
	rel2()
}
