package docstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/fanthemes/internal/clock"
)

type memoryDoc struct {
	data     []byte
	counters map[string]int64
	version  int64
	updated  time.Time
}

// MemoryStore is an in-memory implementation of Store.
// Used for testing and development. Thread-safe via RWMutex.
type MemoryStore struct {
	mu    sync.RWMutex
	docs  map[string]*memoryDoc
	subs  map[string]map[*memorySubscription]struct{}
	clock clock.Clock
}

// NewMemoryStore creates an empty store stamping writes with c.
func NewMemoryStore(c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.SystemClock{}
	}
	return &MemoryStore{
		docs:  make(map[string]*memoryDoc),
		subs:  make(map[string]map[*memorySubscription]struct{}),
		clock: c,
	}
}

// Get returns the document at path.
func (s *MemoryStore) Get(ctx context.Context, path string) (Snapshot, error) {
	if _, _, err := SplitDoc(path); err != nil {
		return Snapshot{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(path), nil
}

// Set creates or replaces the document body.
func (s *MemoryStore) Set(ctx context.Context, path string, data any) error {
	if _, _, err := SplitDoc(path); err != nil {
		return err
	}
	raw, err := encode(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(path, raw)
	s.notifyLocked(path)
	return nil
}

// Create writes the document only if nothing exists at path.
func (s *MemoryStore) Create(ctx context.Context, path string, data any) error {
	if _, _, err := SplitDoc(path); err != nil {
		return err
	}
	raw, err := encode(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.docs[path]; exists {
		return ErrExists
	}
	s.putLocked(path, raw)
	s.notifyLocked(path)
	return nil
}

// Delete removes the document.
func (s *MemoryStore) Delete(ctx context.Context, path string) error {
	if _, _, err := SplitDoc(path); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.docs[path]; !exists {
		return nil
	}
	delete(s.docs, path)
	s.notifyLocked(path)
	return nil
}

// Increment adds delta to a counter on an existing document.
func (s *MemoryStore) Increment(ctx context.Context, path, field string, delta int64) error {
	if _, _, err := SplitDoc(path); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, exists := s.docs[path]
	if !exists {
		return fmt.Errorf("increment %s: %w", path, ErrNotFound)
	}
	if doc.counters == nil {
		doc.counters = make(map[string]int64)
	}
	doc.counters[field] += delta
	s.notifyLocked(path)
	return nil
}

// Query returns matching documents directly under collection.
func (s *MemoryStore) Query(ctx context.Context, collection string, filters ...Filter) ([]Snapshot, error) {
	if err := ValidCollection(collection); err != nil {
		return nil, err
	}
	return s.scan(func(coll string) bool { return coll == collection }, filters), nil
}

// QueryGroup returns matching documents from every collection named group.
func (s *MemoryStore) QueryGroup(ctx context.Context, group string, filters ...Filter) ([]Snapshot, error) {
	if group == "" || strings.Contains(group, "/") {
		return nil, fmt.Errorf("%w: bad collection group %q", ErrInvalidPath, group)
	}
	return s.scan(func(coll string) bool { return GroupOf(coll) == group }, filters), nil
}

func (s *MemoryStore) scan(include func(collection string) bool, filters []Filter) []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Snapshot
	for path, doc := range s.docs {
		coll, _, err := SplitDoc(path)
		if err != nil || !include(coll) {
			continue
		}
		if !matches(doc.data, filters) {
			continue
		}
		out = append(out, s.snapshotLocked(path))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Commit applies every operation in the batch or none of them.
func (s *MemoryStore) Commit(ctx context.Context, b *Batch) error {
	ops, err := b.Ops()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, op := range ops {
		doc, exists := s.docs[op.Path]
		switch {
		case op.MustNotExist && exists:
			return fmt.Errorf("commit %s: %w", op.Path, ErrConflict)
		case op.MatchVersion > 0 && (!exists || doc.version != op.MatchVersion):
			return fmt.Errorf("commit %s: %w", op.Path, ErrConflict)
		}
	}

	for _, op := range ops {
		if op.Delete {
			delete(s.docs, op.Path)
		} else {
			s.putLocked(op.Path, op.Data)
		}
	}
	for _, op := range ops {
		s.notifyLocked(op.Path)
	}
	return nil
}

// Subscribe delivers snapshots of path until closed or ctx is cancelled.
func (s *MemoryStore) Subscribe(ctx context.Context, path string) (Subscription, error) {
	if _, _, err := SplitDoc(path); err != nil {
		return nil, err
	}
	sub := &memorySubscription{
		ch:    make(chan Snapshot, 1),
		store: s,
		path:  path,
	}

	s.mu.Lock()
	if s.subs[path] == nil {
		s.subs[path] = make(map[*memorySubscription]struct{})
	}
	s.subs[path][sub] = struct{}{}
	sub.deliver(s.snapshotLocked(path))
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Close()
		case <-sub.done():
		}
	}()
	return sub, nil
}

// SubscriberCount returns the number of open subscriptions on path.
func (s *MemoryStore) SubscriberCount(path string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs[path])
}

func (s *MemoryStore) putLocked(path string, raw []byte) {
	doc, exists := s.docs[path]
	if !exists {
		doc = &memoryDoc{}
		s.docs[path] = doc
	}
	doc.data = append([]byte(nil), raw...)
	doc.version++
	doc.updated = s.clock.Now()
}

func (s *MemoryStore) snapshotLocked(path string) Snapshot {
	_, id, _ := SplitDoc(path)
	snap := Snapshot{Path: path, ID: id}
	doc, exists := s.docs[path]
	if !exists {
		return snap
	}
	snap.Exists = true
	snap.Data = append([]byte(nil), doc.data...)
	snap.Counters = copyCounters(doc.counters)
	snap.Version = doc.version
	snap.UpdateTime = doc.updated
	return snap
}

func (s *MemoryStore) notifyLocked(path string) {
	subs := s.subs[path]
	if len(subs) == 0 {
		return
	}
	snap := s.snapshotLocked(path)
	for sub := range subs {
		sub.deliver(snap)
	}
}

func (s *MemoryStore) unsubscribe(sub *memorySubscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if subs := s.subs[sub.path]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(s.subs, sub.path)
		}
	}
}

type memorySubscription struct {
	mu     sync.Mutex
	ch     chan Snapshot
	closed bool
	closer chan struct{}
	once   sync.Once
	store  *MemoryStore
	path   string
}

func (m *memorySubscription) done() <-chan struct{} {
	m.once.Do(func() { m.closer = make(chan struct{}) })
	return m.closer
}

// deliver replaces any undelivered snapshot with snap.
func (m *memorySubscription) deliver(snap Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.ch <- snap:
	default:
		select {
		case <-m.ch:
		default:
		}
		m.ch <- snap
	}
}

func (m *memorySubscription) Snapshots() <-chan Snapshot {
	return m.ch
}

func (m *memorySubscription) Err() error {
	return nil
}

func (m *memorySubscription) Close() error {
	m.done()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.ch)
	close(m.closer)
	m.mu.Unlock()

	m.store.unsubscribe(m)
	return nil
}
