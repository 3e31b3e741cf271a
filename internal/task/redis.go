package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/uratmangun/arbitrum-vibekit-sub004/pkg/a2a"
)

const (
	taskKeyPrefix  = "vibekit:task:"
	taskIndexKey   = "vibekit:tasks"
	lockKeyPrefix  = "vibekit:lock:task:"
	terminalTTL    = 24 * time.Hour
	lockTTL        = 30 * time.Second
	lockRetryDelay = 50 * time.Millisecond
)

// RedisStore keeps task records in Redis so multiple instances can share
// task state. Terminal tasks expire after 24h.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	slog.Info("task store opened", "backend", "redis", "addr", addr)
	return &RedisStore{rdb: rdb}, nil
}

// Client exposes the underlying connection for the locker.
func (s *RedisStore) Client() *redis.Client { return s.rdb }

func (s *RedisStore) key(id string) string { return taskKeyPrefix + id }

func (s *RedisStore) Create(ctx context.Context, t *a2a.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	ok, err := s.rdb.SetNX(ctx, s.key(t.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return ErrAlreadyExists
	}
	score := float64(time.Now().UnixMilli())
	if err := s.rdb.ZAdd(ctx, taskIndexKey, redis.Z{Score: score, Member: t.ID}).Err(); err != nil {
		return fmt.Errorf("redis zadd: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*a2a.Task, error) {
	data, err := s.rdb.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var t a2a.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &t, nil
}

// mutate applies fn to the stored task and writes it back. The caller holds
// the per-task lock in multi-instance mode, so read-modify-write is safe.
func (s *RedisStore) mutate(ctx context.Context, id string, fn func(*a2a.Task)) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	fn(t)

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	var ttl time.Duration
	if t.Status.State.Terminal() {
		ttl = terminalTTL
	}
	if err := s.rdb.Set(ctx, s.key(id), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) UpdateStatus(ctx context.Context, id string, status a2a.TaskStatus) error {
	return s.mutate(ctx, id, func(t *a2a.Task) {
		t.Status = status
		if status.Message != nil {
			t.History = append(t.History, *status.Message)
		}
	})
}

func (s *RedisStore) AppendMessage(ctx context.Context, id string, msg a2a.Message) error {
	return s.mutate(ctx, id, func(t *a2a.Task) {
		t.History = append(t.History, msg)
	})
}

func (s *RedisStore) AppendArtifact(ctx context.Context, id string, artifact a2a.Artifact) error {
	return s.mutate(ctx, id, func(t *a2a.Task) {
		t.Artifacts = append(t.Artifacts, artifact)
	})
}

func (s *RedisStore) List(ctx context.Context, f Filter) ([]*a2a.Task, error) {
	ids, err := s.rdb.ZRevRange(ctx, taskIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrevrange: %w", err)
	}

	var out []*a2a.Task
	for _, id := range ids {
		t, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// expired terminal task; drop from index
				s.rdb.ZRem(ctx, taskIndexKey, id)
				continue
			}
			return nil, err
		}
		if !f.Matches(t) {
			continue
		}
		out = append(out, t)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }

// RedisLocker provides cross-instance per-task locks (SET NX with TTL,
// token-guarded release).
type RedisLocker struct {
	rdb *redis.Client
}

// NewRedisLocker creates a locker over an existing Redis connection.
func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb}
}

// release only deletes the lock if it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Lock acquires the lock for key, retrying until ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	lockKey := lockKeyPrefix + key

	for {
		ok, err := l.rdb.SetNX(ctx, lockKey, token, lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryDelay):
		}
	}

	unlock := func() {
		if err := unlockScript.Run(context.Background(), l.rdb, []string{lockKey}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			slog.Warn("redis unlock failed", "key", key, "error", err)
		}
	}
	return unlock, nil
}
