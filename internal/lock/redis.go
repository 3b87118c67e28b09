package lock

import (
	stdcontext "context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yourorg/paywall-orchestrator/internal/logging"
)

const (
	defaultLockTTL      = 30 * time.Second
	defaultRetryBackoff = 50 * time.Millisecond
	keyPrefix           = "payment_lock:"
)

// Deletes the key only if it still holds our token, so an expired lock
// re-acquired by someone else is never released by us.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

// redisClient is the subset of *redis.Client the locker needs.
type redisClient interface {
	SetNX(ctx stdcontext.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx stdcontext.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// RedisLocker is a Locker shared between processes through Redis.
type RedisLocker struct {
	client  redisClient
	ttl     time.Duration
	backoff time.Duration
	logger  *zap.Logger
}

// NewRedisLocker builds a locker on client. A zero ttl means 30s.
func NewRedisLocker(client redisClient, ttl time.Duration, logger *zap.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLocker{
		client:  client,
		ttl:     ttl,
		backoff: defaultRetryBackoff,
		logger:  logging.OrNop(logger),
	}
}

func (l *RedisLocker) Acquire(ctx stdcontext.Context, key string) (func(), error) {
	lockKey := keyPrefix + key
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("acquire %s: %w", lockKey, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrNotAcquired, ctx.Err())
		case <-time.After(l.backoff):
		}
	}

	return func() {
		// The caller's context may already be cancelled; release regardless.
		releaseCtx, cancel := stdcontext.WithTimeout(stdcontext.Background(), 5*time.Second)
		defer cancel()
		if err := l.client.Eval(releaseCtx, releaseScript, []string{lockKey}, token).Err(); err != nil {
			l.logger.Warn("failed to release payment lock",
				zap.String("key", lockKey),
				zap.Error(err),
			)
		}
	}, nil
}
