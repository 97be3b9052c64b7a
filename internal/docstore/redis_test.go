package docstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/onnwee/fanthemes/internal/clock"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := clock.NewManualClock(time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC))
	store, err := NewRedisStore("redis://"+mr.Addr(), c, nil)
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestNewRedisStore_BadURL(t *testing.T) {
	if _, err := NewRedisStore("not a url", nil, nil); err == nil {
		t.Error("expected error for malformed redis url")
	}
}

func TestRedisStore_CreateSetGet(t *testing.T) {
	s, _ := setupTestRedis(t)
	ctx := context.Background()

	if err := s.Create(ctx, "themes/t1/votes/u1_20261018", doc{UID: "u1", N: 1}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := s.Create(ctx, "themes/t1/votes/u1_20261018", doc{UID: "u1", N: 2}); !errors.Is(err, ErrExists) {
		t.Fatalf("second Create() error = %v, want ErrExists", err)
	}

	snap, err := s.Get(ctx, "themes/t1/votes/u1_20261018")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	var got doc
	if err := snap.DataTo(&got); err != nil {
		t.Fatalf("DataTo() error = %v", err)
	}
	if got.N != 1 || snap.Version != 1 {
		t.Errorf("got N=%d version=%d, want N=1 version=1", got.N, snap.Version)
	}
	if !snap.UpdateTime.Equal(time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("UpdateTime = %v", snap.UpdateTime)
	}

	missing, err := s.Get(ctx, "themes/none")
	if err != nil || missing.Exists {
		t.Errorf("Get(missing) = %+v, %v", missing, err)
	}
}

func TestRedisStore_ConcurrentCreate(t *testing.T) {
	s, _ := setupTestRedis(t)
	ctx := context.Background()

	var wins, collisions int64
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			err := s.Create(ctx, "themes/t1/votes/k", doc{N: n})
			switch {
			case err == nil:
				atomic.AddInt64(&wins, 1)
			case errors.Is(err, ErrExists):
				atomic.AddInt64(&collisions, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 || collisions != 15 {
		t.Errorf("wins = %d, collisions = %d; want 1 and 15", wins, collisions)
	}
}

func TestRedisStore_CountersAndDelete(t *testing.T) {
	s, _ := setupTestRedis(t)
	ctx := context.Background()

	if err := s.Increment(ctx, "themes/t1", "voteCount", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Increment on missing doc error = %v, want ErrNotFound", err)
	}
	_ = s.Set(ctx, "themes/t1", doc{N: 1})
	_ = s.Increment(ctx, "themes/t1", "voteCount", 2)
	_ = s.Set(ctx, "themes/t1", doc{N: 2})

	snap, _ := s.Get(ctx, "themes/t1")
	if snap.Counter("voteCount") != 2 {
		t.Errorf("voteCount = %d, want 2", snap.Counter("voteCount"))
	}
	if snap.Version != 2 {
		t.Errorf("Version = %d, want 2", snap.Version)
	}

	if err := s.Delete(ctx, "themes/t1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	snap, _ = s.Get(ctx, "themes/t1")
	if snap.Exists {
		t.Error("document should be gone")
	}
	list, _ := s.Query(ctx, "themes")
	if len(list) != 0 {
		t.Errorf("Query after delete returned %d docs", len(list))
	}
}

func TestRedisStore_QueryGroup(t *testing.T) {
	s, _ := setupTestRedis(t)
	ctx := context.Background()

	_ = s.Set(ctx, "themes/t1/votes/c1_1", doc{ClientID: "c1"})
	_ = s.Create(ctx, "themes/t2/votes/c1_1", doc{ClientID: "c1"})
	_ = s.Set(ctx, "themes/t2/votes/u2_1", doc{UID: "u2"})

	got, err := s.QueryGroup(ctx, "votes", Where("uid", ""), Where("clientId", "c1"))
	if err != nil {
		t.Fatalf("QueryGroup() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("QueryGroup returned %d docs, want 2", len(got))
	}
	if got[0].Path != "themes/t1/votes/c1_1" {
		t.Errorf("first path = %s", got[0].Path)
	}

	coll, err := s.Query(ctx, "themes/t2/votes")
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(coll) != 2 {
		t.Errorf("Query returned %d docs, want 2", len(coll))
	}
}

func TestRedisStore_CommitConflict(t *testing.T) {
	s, _ := setupTestRedis(t)
	ctx := context.Background()

	_ = s.Set(ctx, "themes/t1/votes/a", doc{N: 1})
	_ = s.Set(ctx, "themes/t1/votes/b", doc{N: 1})
	a, _ := s.Get(ctx, "themes/t1/votes/a")
	b, _ := s.Get(ctx, "themes/t1/votes/b")
	_ = s.Set(ctx, "themes/t1/votes/b", doc{N: 7})

	err := s.Commit(ctx, NewBatch().Update(a.Path, doc{N: 2}, a.Version).Update(b.Path, doc{N: 2}, b.Version))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("Commit() error = %v, want ErrConflict", err)
	}
	var got doc
	snap, _ := s.Get(ctx, a.Path)
	_ = snap.DataTo(&got)
	if got.N != 1 {
		t.Errorf("a modified by failed commit: N = %d", got.N)
	}

	b, _ = s.Get(ctx, b.Path)
	if err := s.Commit(ctx, NewBatch().Update(a.Path, doc{N: 2}, a.Version).Update(b.Path, doc{N: 2}, b.Version)); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	snap, _ = s.Get(ctx, b.Path)
	_ = snap.DataTo(&got)
	if got.N != 2 {
		t.Errorf("b.N = %d, want 2", got.N)
	}
}

func TestRedisStore_WriteFailure(t *testing.T) {
	s, mr := setupTestRedis(t)
	mr.SetError("server is down")
	defer mr.SetError("")

	err := s.Set(context.Background(), "themes/t1", doc{})
	if !errors.Is(err, ErrWriteFailed) {
		t.Errorf("Set() error = %v, want ErrWriteFailed", err)
	}
	_, err = s.Get(context.Background(), "themes/t1")
	if !errors.Is(err, ErrReadFailed) {
		t.Errorf("Get() error = %v, want ErrReadFailed", err)
	}
}

func TestRedisStore_Subscribe(t *testing.T) {
	s, _ := setupTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := s.Subscribe(ctx, "fanSettings/u1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()

	if snap := recv(t, sub.Snapshots()); snap.Exists {
		t.Error("initial snapshot should report a missing document")
	}

	_ = s.Set(ctx, "fanSettings/u1", doc{N: 4})
	snap := recv(t, sub.Snapshots())
	var got doc
	if err := snap.DataTo(&got); err != nil {
		t.Fatalf("DataTo() error = %v", err)
	}
	if got.N != 4 {
		t.Errorf("N = %d, want 4", got.N)
	}

	cancel()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.Snapshots():
			if !ok {
				if sub.Err() != nil {
					t.Errorf("Err() after cancellation = %v, want nil", sub.Err())
				}
				return
			}
		case <-deadline:
			t.Fatal("subscription not closed after cancellation")
		}
	}
}

func TestRedisStore_CommitCreatePrecondition(t *testing.T) {
	s, _ := setupTestRedis(t)
	ctx := context.Background()

	_ = s.Set(ctx, "themes/t1/votes/a", doc{N: 1})
	a, _ := s.Get(ctx, "themes/t1/votes/a")
	_ = s.Set(ctx, "themes/t1/votes/taken", doc{N: 9})

	err := s.Commit(ctx, NewBatch().
		Update(a.Path, doc{N: 2}, a.Version).
		Create("themes/t1/votes/taken", doc{N: 3}))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("Commit() error = %v, want ErrConflict", err)
	}
	var got doc
	snap, _ := s.Get(ctx, a.Path)
	_ = snap.DataTo(&got)
	if got.N != 1 {
		t.Errorf("a modified by failed commit: N = %d", got.N)
	}

	if err := s.Commit(ctx, NewBatch().
		Update(a.Path, doc{N: 2}, a.Version).
		Create("themes/t1/votes/free", doc{N: 3})); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	snap, _ = s.Get(ctx, "themes/t1/votes/free")
	if !snap.Exists || snap.Version != 1 {
		t.Errorf("created document = %+v", snap)
	}
}
