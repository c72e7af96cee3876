package guard

import (
	"context"
	"errors"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/metergate/internal/clock"
)

var (
	errEmptyKey = errors.New("lock key is empty")
	errBadTTL   = errors.New("lock ttl must be positive")
)

// Locker hands out short-lived exclusive locks identified by a token.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// RedisLocker is shared by every node.
type RedisLocker struct {
	client *redis.Client
	script *redis.Script
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	if client == nil {
		return nil
	}
	return &RedisLocker{
		client: client,
		script: redis.NewScript(lockReleaseScript),
	}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if key == "" {
		return "", false, errEmptyKey
	}
	if ttl <= 0 {
		return "", false, errBadTTL
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// Release deletes the key only while it still holds token, so an expired
// lock re-acquired by someone else is left alone.
func (l *RedisLocker) Release(ctx context.Context, key, token string) error {
	if key == "" || token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{key}, token).Err()
}

type localLock struct {
	token string
	until time.Time
}

// LocalLocker only excludes callers inside this process.
type LocalLocker struct {
	clock clock.Clock

	mu    gosync.Mutex
	locks map[string]localLock
}

func NewLocalLocker(clk clock.Clock) *LocalLocker {
	return &LocalLocker{clock: clk, locks: make(map[string]localLock)}
}

func (l *LocalLocker) TryLock(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	if key == "" {
		return "", false, errEmptyKey
	}
	if ttl <= 0 {
		return "", false, errBadTTL
	}

	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if held, ok := l.locks[key]; ok && now.Before(held.until) {
		return "", false, nil
	}
	token := uuid.NewString()
	l.locks[key] = localLock{token: token, until: now.Add(ttl)}
	return token, true, nil
}

func (l *LocalLocker) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if held, ok := l.locks[key]; ok && held.token == token {
		delete(l.locks, key)
	}
	return nil
}
