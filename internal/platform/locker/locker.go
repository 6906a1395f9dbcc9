// Package locker provides short-lived exclusive locks keyed by string. The
// booking server uses one per patient so a second submission cannot start
// while the first is still being delivered.
package locker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrNotOwner is returned by Unlock when the key is held under another value.
var ErrNotOwner = errors.New("lock not owned by this client")

// Locker acquires and releases keyed locks. TryLock never blocks: it reports
// false when the key is already held. The returned value identifies the holder
// and must be passed to Unlock.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, string, error)
	Unlock(ctx context.Context, key, value string) error
}

// NewRedisClient connects to the Redis server at rawURL and pings it.
func NewRedisClient(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// unlockScript deletes the key only while it still holds our value.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
if redis.call("EXISTS", KEYS[1]) == 1 then
	return -1
end
return 0
`)

// RedisLocker implements Locker with SET NX PX.
type RedisLocker struct {
	client *redis.Client
	logger zerolog.Logger
}

func NewRedisLocker(client *redis.Client, logger zerolog.Logger) *RedisLocker {
	return &RedisLocker{client: client, logger: logger}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, string, error) {
	value := uuid.NewString()
	acquired, err := l.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		l.logger.Error().Err(err).Str("lock_key", key).Msg("lock acquire failed")
		return false, "", err
	}
	if !acquired {
		l.logger.Debug().Str("lock_key", key).Msg("lock held elsewhere")
		return false, "", nil
	}
	return true, value, nil
}

func (l *RedisLocker) Unlock(ctx context.Context, key, value string) error {
	n, err := unlockScript.Run(ctx, l.client, []string{key}, value).Int64()
	if err != nil {
		l.logger.Error().Err(err).Str("lock_key", key).Msg("lock release failed")
		return err
	}
	if n < 0 {
		l.logger.Warn().Str("lock_key", key).Msg("lock ownership mismatch")
		return ErrNotOwner
	}
	return nil
}

type memoryEntry struct {
	value   string
	expires time.Time
}

// MemoryLocker implements Locker within a single process.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memoryEntry
	now   func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]memoryEntry), now: time.Now}
}

func (m *MemoryLocker) TryLock(_ context.Context, key string, ttl time.Duration) (bool, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.locks[key]; ok && now.Before(e.expires) {
		return false, "", nil
	}
	value := uuid.NewString()
	m.locks[key] = memoryEntry{value: value, expires: now.Add(ttl)}
	return true, value, nil
}

func (m *MemoryLocker) Unlock(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.locks[key]
	if !ok || !m.now().Before(e.expires) {
		delete(m.locks, key)
		return nil
	}
	if e.value != value {
		return ErrNotOwner
	}
	delete(m.locks, key)
	return nil
}
