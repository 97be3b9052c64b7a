package docstore

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// flakyStore fails the first n Subscribe calls.
type flakyStore struct {
	Store
	failures int32
	calls    int32
}

func (f *flakyStore) Subscribe(ctx context.Context, path string) (Subscription, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= f.failures {
		return nil, errors.New("connection refused")
	}
	return f.Store.Subscribe(ctx, path)
}

func TestWatch_ResubscribesAfterFailure(t *testing.T) {
	mem, _ := newTestMemoryStore()
	store := &flakyStore{Store: mem, failures: 2}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = mem.Set(ctx, "themes/t1", doc{N: 1})

	got := make(chan Snapshot, 8)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, store, "themes/t1", WatchConfig{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, nil, func(s Snapshot) {
			got <- s
		})
	}()

	first := recv(t, got)
	if !first.Exists {
		t.Error("first delivered snapshot should be the current document")
	}
	if calls := atomic.LoadInt32(&store.calls); calls != 3 {
		t.Errorf("Subscribe called %d times, want 3", calls)
	}

	_ = mem.Set(ctx, "themes/t1", doc{N: 2})
	var d doc
	_ = recv(t, got).DataTo(&d)
	if d.N != 2 {
		t.Errorf("N = %d, want 2", d.N)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Watch returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancellation")
	}
}

func TestBackoff(t *testing.T) {
	cfg := WatchConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for i, w := range want {
		if got := backoff(cfg, i); got != w {
			t.Errorf("backoff(%d) = %v, want %v", i, got, w)
		}
	}

	cfg.JitterFactor = 0.5
	for i := 0; i < 20; i++ {
		d := backoff(cfg, 0)
		if d < 100*time.Millisecond || d > 150*time.Millisecond {
			t.Fatalf("jittered backoff %v out of range", d)
		}
	}
}
