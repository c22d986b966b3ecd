package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseIfOwner deletes the lock only if it still holds our token.
var releaseIfOwner = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// CycleLock lets one instance at a time run a dispatch cycle. The TTL
// frees the lock if its holder dies mid-cycle.
type CycleLock struct {
	client *Client
	key    string
	ttl    time.Duration
	logger *zap.Logger
}

func NewCycleLock(client *Client, name string, ttl time.Duration, logger *zap.Logger) *CycleLock {
	if ttl == 0 {
		ttl = 10 * time.Minute
	}
	return &CycleLock{
		client: client,
		key:    key("lock", name),
		ttl:    ttl,
		logger: logger,
	}
}

// Acquire takes the lock with SET NX. ok is false if another holder has it.
func (l *CycleLock) Acquire(ctx context.Context) (func(context.Context), bool, error) {
	token := uuid.NewString()

	ok, err := l.client.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func(ctx context.Context) {
		if err := releaseIfOwner.Run(ctx, l.client.rdb, []string{l.key}, token).Err(); err != nil {
			l.logger.Warn("failed to release cycle lock", zap.String("key", l.key), zap.Error(err))
		}
	}
	return release, true, nil
}
