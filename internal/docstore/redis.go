package docstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/fanthemes/internal/clock"
	"github.com/onnwee/fanthemes/internal/tracing"
)

// Hash fields used for every document key.
const (
	fieldDoc       = "doc"
	fieldVersion   = "version"
	fieldUpdatedAt = "updated_at"
	counterPrefix  = "c:"
)

// DefaultRedisPrefix namespaces all keys written by RedisStore.
const DefaultRedisPrefix = "fanthemes:"

// createScript writes a document only when the hash has no body yet.
var createScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], 'doc') == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'doc', ARGV[1], 'updated_at', ARGV[2])
redis.call('HINCRBY', KEYS[1], 'version', 1)
redis.call('SADD', KEYS[2], ARGV[3])
redis.call('SADD', KEYS[3], ARGV[4])
return 1
`)

// incrementScript bumps a counter only on documents that have a body.
var incrementScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], 'doc') == 0 then
	return -1
end
return redis.call('HINCRBY', KEYS[1], ARGV[1], ARGV[2])
`)

// RedisStore implements Store on top of Redis. Each document is a hash;
// collection membership is tracked in sets so queries do not need SCAN, and
// changes are announced on a per-document pub/sub channel.
type RedisStore struct {
	client *redis.Client
	prefix string
	clock  clock.Clock
	logger *slog.Logger
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(redisURL string, c clock.Clock, logger *slog.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, c, logger), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client, c clock.Clock, logger *slog.Logger) *RedisStore {
	if c == nil {
		c = clock.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{
		client: client,
		prefix: DefaultRedisPrefix,
		clock:  c,
		logger: logger,
	}
}

// Client exposes the underlying client for health checks.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) docKey(path string) string        { return s.prefix + "doc:" + path }
func (s *RedisStore) indexKey(collection string) string { return s.prefix + "idx:" + collection }
func (s *RedisStore) groupKey(group string) string      { return s.prefix + "grp:" + group }
func (s *RedisStore) channel(path string) string        { return s.prefix + "chg:" + path }

// Get returns the document at path.
func (s *RedisStore) Get(ctx context.Context, path string) (Snapshot, error) {
	if _, _, err := SplitDoc(path); err != nil {
		return Snapshot{}, err
	}
	fields, err := s.client.HGetAll(ctx, s.docKey(path)).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("get %s: %w: %w", path, ErrReadFailed, err)
	}
	return decodeHash(path, fields), nil
}

// Set creates or replaces the document body. Counters survive.
func (s *RedisStore) Set(ctx context.Context, path string, data any) error {
	coll, id, err := SplitDoc(path)
	if err != nil {
		return err
	}
	raw, err := encode(data)
	if err != nil {
		return err
	}
	now := s.clock.Now().UnixMilli()
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.queueSet(ctx, pipe, coll, id, path, raw, now)
		return nil
	})
	if err != nil {
		return fmt.Errorf("set %s: %w: %w", path, ErrWriteFailed, err)
	}
	return nil
}

// Create writes the document only if nothing exists at path.
func (s *RedisStore) Create(ctx context.Context, path string, data any) (err error) {
	coll, id, err := SplitDoc(path)
	if err != nil {
		return err
	}
	ctx, end := tracing.StartStoreSpan(ctx, "redis", tracing.StoreOperationCreate, coll)
	defer func() {
		if errors.Is(err, ErrExists) {
			end(nil)
			return
		}
		end(err)
	}()
	raw, err := encode(data)
	if err != nil {
		return err
	}
	now := s.clock.Now().UnixMilli()
	created, err := createScript.Run(ctx, s.client,
		[]string{s.docKey(path), s.indexKey(coll), s.groupKey(GroupOf(coll))},
		string(raw), now, id, path,
	).Int()
	if err != nil {
		return fmt.Errorf("create %s: %w: %w", path, ErrWriteFailed, err)
	}
	if created == 0 {
		return ErrExists
	}
	s.publish(ctx, path)
	return nil
}

// Delete removes the document and its counters.
func (s *RedisStore) Delete(ctx context.Context, path string) error {
	coll, id, err := SplitDoc(path)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.queueDelete(ctx, pipe, coll, id, path)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w: %w", path, ErrWriteFailed, err)
	}
	return nil
}

// Increment adds delta to a counter on an existing document.
func (s *RedisStore) Increment(ctx context.Context, path, field string, delta int64) (err error) {
	coll, _, err := SplitDoc(path)
	if err != nil {
		return err
	}
	ctx, end := tracing.StartStoreSpan(ctx, "redis", tracing.StoreOperationIncrement, coll)
	defer func() { end(err) }()
	res, err := incrementScript.Run(ctx, s.client, []string{s.docKey(path)}, counterPrefix+field, delta).Int64()
	if err != nil {
		return fmt.Errorf("increment %s: %w: %w", path, ErrWriteFailed, err)
	}
	if res == -1 {
		return fmt.Errorf("increment %s: %w", path, ErrNotFound)
	}
	s.publish(ctx, path)
	return nil
}

// Query returns matching documents directly under collection.
func (s *RedisStore) Query(ctx context.Context, collection string, filters ...Filter) ([]Snapshot, error) {
	if err := ValidCollection(collection); err != nil {
		return nil, err
	}
	ids, err := s.client.SMembers(ctx, s.indexKey(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("query %s: %w: %w", collection, ErrReadFailed, err)
	}
	paths := make([]string, len(ids))
	for i, id := range ids {
		paths[i] = Join(collection, id)
	}
	return s.fetchAll(ctx, paths, filters)
}

// QueryGroup returns matching documents from every collection named group.
func (s *RedisStore) QueryGroup(ctx context.Context, group string, filters ...Filter) (_ []Snapshot, err error) {
	if group == "" || strings.Contains(group, "/") {
		return nil, fmt.Errorf("%w: bad collection group %q", ErrInvalidPath, group)
	}
	ctx, end := tracing.StartStoreSpan(ctx, "redis", tracing.StoreOperationQuery, group)
	defer func() { end(err) }()
	paths, err := s.client.SMembers(ctx, s.groupKey(group)).Result()
	if err != nil {
		return nil, fmt.Errorf("query group %s: %w: %w", group, ErrReadFailed, err)
	}
	return s.fetchAll(ctx, paths, filters)
}

func (s *RedisStore) fetchAll(ctx context.Context, paths []string, filters []Filter) ([]Snapshot, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	sort.Strings(paths)

	cmds := make([]*redis.MapStringStringCmd, len(paths))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, p := range paths {
			cmds[i] = pipe.HGetAll(ctx, s.docKey(p))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch documents: %w: %w", ErrReadFailed, err)
	}

	var out []Snapshot
	for i, cmd := range cmds {
		snap := decodeHash(paths[i], cmd.Val())
		if !snap.Exists || !matches(snap.Data, filters) {
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

// Commit applies every operation in the batch or none of them. Keys under a
// version precondition are WATCHed so a concurrent write aborts the commit.
func (s *RedisStore) Commit(ctx context.Context, b *Batch) (err error) {
	ops, err := b.Ops()
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}
	coll, _, _ := SplitDoc(ops[0].Path)
	ctx, end := tracing.StartStoreSpan(ctx, "redis", tracing.StoreOperationCommit, coll)
	defer func() { end(err) }()

	keys := make([]string, 0, len(ops))
	for _, op := range ops {
		keys = append(keys, s.docKey(op.Path))
	}
	now := s.clock.Now().UnixMilli()

	txf := func(tx *redis.Tx) error {
		for _, op := range ops {
			if op.MustNotExist {
				n, err := tx.Exists(ctx, s.docKey(op.Path)).Result()
				if err != nil {
					return fmt.Errorf("commit %s: %w: %w", op.Path, ErrReadFailed, err)
				}
				if n > 0 {
					return fmt.Errorf("commit %s: %w", op.Path, ErrConflict)
				}
				continue
			}
			if op.MatchVersion <= 0 {
				continue
			}
			v, err := tx.HGet(ctx, s.docKey(op.Path), fieldVersion).Int64()
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("commit %s: %w", op.Path, ErrConflict)
			}
			if err != nil {
				return fmt.Errorf("commit %s: %w: %w", op.Path, ErrReadFailed, err)
			}
			if v != op.MatchVersion {
				return fmt.Errorf("commit %s: %w", op.Path, ErrConflict)
			}
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, op := range ops {
				coll, id, _ := SplitDoc(op.Path)
				if op.Delete {
					s.queueDelete(ctx, pipe, coll, id, op.Path)
				} else {
					s.queueSet(ctx, pipe, coll, id, op.Path, op.Data, now)
				}
			}
			return nil
		})
		return err
	}

	err = s.client.Watch(ctx, txf, keys...)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.TxFailedErr):
		return fmt.Errorf("commit: %w", ErrConflict)
	case errors.Is(err, ErrConflict), errors.Is(err, ErrReadFailed):
		return err
	default:
		return fmt.Errorf("commit: %w: %w", ErrWriteFailed, err)
	}
}

func (s *RedisStore) queueSet(ctx context.Context, pipe redis.Pipeliner, coll, id, path string, raw []byte, now int64) {
	key := s.docKey(path)
	pipe.HSet(ctx, key, fieldDoc, string(raw), fieldUpdatedAt, now)
	pipe.HIncrBy(ctx, key, fieldVersion, 1)
	pipe.SAdd(ctx, s.indexKey(coll), id)
	pipe.SAdd(ctx, s.groupKey(GroupOf(coll)), path)
	pipe.Publish(ctx, s.channel(path), "set")
}

func (s *RedisStore) queueDelete(ctx context.Context, pipe redis.Pipeliner, coll, id, path string) {
	pipe.Del(ctx, s.docKey(path))
	pipe.SRem(ctx, s.indexKey(coll), id)
	pipe.SRem(ctx, s.groupKey(GroupOf(coll)), path)
	pipe.Publish(ctx, s.channel(path), "delete")
}

// publish announces a change made outside a MULTI block. Subscribers refetch
// the document, so a lost notification only delays delivery until the next one.
func (s *RedisStore) publish(ctx context.Context, path string) {
	if err := s.client.Publish(ctx, s.channel(path), "change").Err(); err != nil {
		s.logger.WarnContext(ctx, "failed to publish document change", "path", path, "error", err)
	}
}

// Subscribe delivers snapshots of path until closed or ctx is cancelled.
// After a dropped connection the client resubscribes and the full current
// snapshot is delivered again.
func (s *RedisStore) Subscribe(ctx context.Context, path string) (Subscription, error) {
	if _, _, err := SplitDoc(path); err != nil {
		return nil, err
	}
	pubsub := s.client.Subscribe(ctx, s.channel(path))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w: %w", path, ErrReadFailed, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &redisSubscription{
		ch:     make(chan Snapshot, 1),
		pubsub: pubsub,
		cancel: cancel,
	}
	go sub.run(subCtx, s, path)
	return sub, nil
}

type redisSubscription struct {
	ch     chan Snapshot
	pubsub *redis.PubSub
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func (r *redisSubscription) run(ctx context.Context, s *RedisStore, path string) {
	defer close(r.ch)
	defer r.pubsub.Close()

	events := r.pubsub.ChannelWithSubscriptions()

	if !r.refresh(ctx, s, path) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				r.fail(fmt.Errorf("subscribe %s: %w: channel closed", path, ErrReadFailed))
				return
			}
			switch ev.(type) {
			case *redis.Message, *redis.Subscription:
				if !r.refresh(ctx, s, path) {
					return
				}
			}
		}
	}
}

// refresh fetches and delivers the current snapshot, replacing any undelivered one.
func (r *redisSubscription) refresh(ctx context.Context, s *RedisStore, path string) bool {
	snap, err := s.Get(ctx, path)
	if err != nil {
		if ctx.Err() == nil {
			r.fail(err)
		}
		return false
	}
	select {
	case r.ch <- snap:
	default:
		select {
		case <-r.ch:
		default:
		}
		select {
		case r.ch <- snap:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func (r *redisSubscription) fail(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *redisSubscription) Snapshots() <-chan Snapshot {
	return r.ch
}

func (r *redisSubscription) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *redisSubscription) Close() error {
	r.cancel()
	return nil
}

func decodeHash(path string, fields map[string]string) Snapshot {
	_, id, _ := SplitDoc(path)
	snap := Snapshot{Path: path, ID: id}
	doc, ok := fields[fieldDoc]
	if !ok {
		return snap
	}
	snap.Exists = true
	snap.Data = []byte(doc)
	snap.Version, _ = strconv.ParseInt(fields[fieldVersion], 10, 64)
	if ms, err := strconv.ParseInt(fields[fieldUpdatedAt], 10, 64); err == nil {
		snap.UpdateTime = time.UnixMilli(ms).UTC()
	}
	for k, v := range fields {
		if !strings.HasPrefix(k, counterPrefix) {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		if snap.Counters == nil {
			snap.Counters = make(map[string]int64)
		}
		snap.Counters[strings.TrimPrefix(k, counterPrefix)] = n
	}
	return snap
}
