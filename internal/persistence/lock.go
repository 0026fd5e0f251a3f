package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a single-key lease shared by every engine instance, used
// so that only one instance sweeps at a time.
type RedisLocker struct {
	client redis.Cmdable
	key    string
}

// NewRedisLocker builds a locker on key.
func NewRedisLocker(client redis.Cmdable, key string) *RedisLocker {
	return &RedisLocker{client: client, key: key}
}

// TryLock acquires the lease for ttl. It returns a release func when the
// lease was taken, or ok=false when another holder has it.
func (l *RedisLocker) TryLock(ctx context.Context, ttl time.Duration) (func(context.Context) error, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	release := func(ctx context.Context) error {
		err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Err()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}
	return release, true, nil
}
