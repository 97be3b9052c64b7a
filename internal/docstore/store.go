// Package docstore is the adapter for the document store that holds themes,
// votes, fan settings and audit records.
//
// Documents live at slash-separated paths alternating collection and id
// segments ("themes/t1", "themes/t1/votes/u9_20261018"). Each document carries
// a JSON body, a set of integer counters that are updated out of band, a
// version that increases on every body write, and the server-assigned time of
// the last write.
package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"
)

var (
	// ErrExists is returned by Create when a document already exists at the path.
	ErrExists = errors.New("document already exists")

	// ErrNotFound is returned by Increment when the target document is missing.
	ErrNotFound = errors.New("document not found")

	// ErrConflict is returned by Commit when a version or existence
	// precondition fails.
	ErrConflict = errors.New("document changed since it was read")

	// ErrInvalidPath is returned for empty or malformed paths.
	ErrInvalidPath = errors.New("invalid document path")

	// ErrReadFailed wraps transport or permission failures on reads.
	ErrReadFailed = errors.New("document store read failed")

	// ErrWriteFailed wraps transport or permission failures on writes.
	ErrWriteFailed = errors.New("document store write failed")
)

// Store is the set of operations the engine needs from the document store.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the document at path. A missing document is reported with
	// Exists == false and a nil error.
	Get(ctx context.Context, path string) (Snapshot, error)

	// Set creates or replaces the document body. Counters survive.
	Set(ctx context.Context, path string, data any) error

	// Create writes the document only if nothing exists at path, atomically.
	// Returns ErrExists otherwise; an existing document is never overwritten.
	Create(ctx context.Context, path string, data any) error

	// Delete removes the document and its counters. Deleting a missing
	// document is not an error.
	Delete(ctx context.Context, path string) error

	// Increment adds delta to a named counter on an existing document.
	Increment(ctx context.Context, path, field string, delta int64) error

	// Query returns the documents directly under collection matching all filters,
	// ordered by id.
	Query(ctx context.Context, collection string, filters ...Filter) ([]Snapshot, error)

	// QueryGroup returns documents from every collection whose last segment is
	// group (e.g. all "votes" under any theme), ordered by path.
	QueryGroup(ctx context.Context, group string, filters ...Filter) ([]Snapshot, error)

	// Commit applies every operation in the batch or none of them.
	Commit(ctx context.Context, b *Batch) error

	// Subscribe delivers the current snapshot of path immediately and again
	// after every change until the subscription is closed or ctx is cancelled.
	Subscribe(ctx context.Context, path string) (Subscription, error)
}

// Subscription is a live feed of snapshots for one document.
type Subscription interface {
	// Snapshots delivers full snapshots. Slow consumers only see the latest one.
	// The channel is closed when the subscription ends.
	Snapshots() <-chan Snapshot

	// Err reports why the subscription ended; nil after Close or cancellation.
	Err() error

	// Close cancels the subscription.
	Close() error
}

// Snapshot is the state of a document at one point in time.
type Snapshot struct {
	Path       string
	ID         string
	Exists     bool
	Data       json.RawMessage
	Counters   map[string]int64
	Version    int64
	UpdateTime time.Time
}

// DataTo decodes the document body into v.
func (s Snapshot) DataTo(v any) error {
	if !s.Exists {
		return fmt.Errorf("decode %s: %w", s.Path, ErrNotFound)
	}
	if err := json.Unmarshal(s.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", s.Path, err)
	}
	return nil
}

// Counter returns the named counter, zero when unset.
func (s Snapshot) Counter(name string) int64 {
	return s.Counters[name]
}

// Filter is an equality condition on a top-level body field.
type Filter struct {
	Field string
	Value any
}

// Where builds an equality filter.
func Where(field string, value any) Filter {
	return Filter{Field: field, Value: value}
}

// Op is one write inside a Batch.
type Op struct {
	Path   string
	Data   []byte
	Delete bool
	// MatchVersion, when > 0, requires the document's current version to equal
	// it at commit time.
	MatchVersion int64
	// MustNotExist requires the path to be empty at commit time.
	MustNotExist bool
}

// Batch collects writes to be committed atomically.
type Batch struct {
	ops []Op
	err error
}

// NewBatch creates an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Set adds an unconditional create-or-replace write.
func (b *Batch) Set(path string, data any) *Batch {
	return b.add(path, data, 0)
}

// Update adds a write that only applies if the document is still at version.
func (b *Batch) Update(path string, data any, version int64) *Batch {
	return b.add(path, data, version)
}

// Create adds a write that only applies if nothing exists at path. A batch
// whose create finds a document fails with ErrConflict.
func (b *Batch) Create(path string, data any) *Batch {
	b.add(path, data, 0)
	if b.err == nil {
		b.ops[len(b.ops)-1].MustNotExist = true
	}
	return b
}

// Delete adds a delete.
func (b *Batch) Delete(path string) *Batch {
	if b.err == nil {
		if _, _, err := SplitDoc(path); err != nil {
			b.err = err
			return b
		}
	}
	b.ops = append(b.ops, Op{Path: path, Delete: true})
	return b
}

// Len returns the number of queued operations.
func (b *Batch) Len() int {
	return len(b.ops)
}

// Ops returns the queued operations, or the first error hit while building.
func (b *Batch) Ops() ([]Op, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.ops, nil
}

func (b *Batch) add(path string, data any, version int64) *Batch {
	if b.err != nil {
		return b
	}
	if _, _, err := SplitDoc(path); err != nil {
		b.err = err
		return b
	}
	raw, err := encode(data)
	if err != nil {
		b.err = err
		return b
	}
	b.ops = append(b.ops, Op{Path: path, Data: raw, MatchVersion: version})
	return b
}

// Join builds a path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// SplitDoc splits a document path into its collection path and id.
func SplitDoc(path string) (collection, id string, err error) {
	segs := strings.Split(path, "/")
	if len(segs) < 2 || len(segs)%2 != 0 {
		return "", "", fmt.Errorf("%w: %q is not a document path", ErrInvalidPath, path)
	}
	for _, s := range segs {
		if s == "" {
			return "", "", fmt.Errorf("%w: %q has an empty segment", ErrInvalidPath, path)
		}
	}
	i := strings.LastIndex(path, "/")
	return path[:i], path[i+1:], nil
}

// ValidCollection reports whether path names a collection.
func ValidCollection(path string) error {
	segs := strings.Split(path, "/")
	if len(segs)%2 != 1 {
		return fmt.Errorf("%w: %q is not a collection path", ErrInvalidPath, path)
	}
	for _, s := range segs {
		if s == "" {
			return fmt.Errorf("%w: %q has an empty segment", ErrInvalidPath, path)
		}
	}
	return nil
}

// GroupOf returns the collection-group name of a collection path.
func GroupOf(collection string) string {
	if i := strings.LastIndex(collection, "/"); i >= 0 {
		return collection[i+1:]
	}
	return collection
}

func encode(data any) ([]byte, error) {
	switch v := data.(type) {
	case json.RawMessage:
		return append([]byte(nil), v...), nil
	case []byte:
		return append([]byte(nil), v...), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode document: %w", err)
		}
		return raw, nil
	}
}

// matches evaluates filters against a JSON body. Filter values are pushed
// through the same JSON round trip so numbers and strings compare as stored.
func matches(data []byte, filters []Filter) bool {
	if len(filters) == 0 {
		return true
	}
	var body map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&body); err != nil {
		return false
	}
	for _, f := range filters {
		want, err := normalize(f.Value)
		if err != nil {
			return false
		}
		got, ok := body[f.Field]
		if !ok {
			// A missing field only matches a nil filter value.
			if want != nil {
				return false
			}
			continue
		}
		if !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func copyCounters(in map[string]int64) map[string]int64 {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
