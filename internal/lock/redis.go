package lock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes key only if its value still matches the caller's
// token, the standard compare-and-delete idiom for Redis-backed locks
// (plain GET-then-DEL would race another holder between the two calls).
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// RedisLocker implements Locker with SET key token NX PX ttl, the standard
// single-instance Redis lock idiom (no Redlock quorum; one Redis is assumed
// authoritative, matching the rest of this bus's Redis dependency).
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker wraps an existing Redis client.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := newToken()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *RedisLocker) Release(ctx context.Context, key string, token string) error {
	result, err := l.client.Eval(ctx, releaseScript, []string{key}, token).Result()
	if err != nil {
		return err
	}
	deleted, _ := result.(int64)
	if deleted == 0 {
		return ErrNotHeld
	}
	return nil
}
