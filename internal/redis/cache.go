package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/lalithlochan/commentflow/internal/db"
	"github.com/lalithlochan/commentflow/internal/metrics"
)

// missingMarker is cached for posts without a configuration, so comments
// on unconfigured posts do not reach the store every time.
const missingMarker = "-"

// loadTimeout bounds a shared store read, which outlives any single caller.
const loadTimeout = 5 * time.Second

// setIfCurrent writes the entry only if no Invalidate ran since the load
// began, so a slow load cannot restore a config that was just replaced.
var setIfCurrent = redis.NewScript(`
if (redis.call('GET', KEYS[2]) or '0') ~= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// PostConfigStore is the source of truth behind the cache.
type PostConfigStore interface {
	GetPostConfig(ctx context.Context, postID string) (*db.PostConfig, error)
}

// PostConfigCache is a read-through cache of post configurations.
// Redis errors are logged and the store is used directly.
type PostConfigCache struct {
	client *Client
	store  PostConfigStore
	ttl    time.Duration
	group  singleflight.Group
	logger *zap.Logger
}

func NewPostConfigCache(client *Client, store PostConfigStore, ttl time.Duration, logger *zap.Logger) *PostConfigCache {
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	return &PostConfigCache{
		client: client,
		store:  store,
		ttl:    ttl,
		logger: logger,
	}
}

// GetPostConfig returns the cached configuration, loading it on a miss.
// Concurrent misses for the same post share one store read.
func (c *PostConfigCache) GetPostConfig(ctx context.Context, postID string) (*db.PostConfig, error) {
	k := key("postconfig", postID)

	val, err := c.client.rdb.Get(ctx, k).Result()
	switch {
	case err == nil:
		metrics.RecordCacheLookup(true)
		if val == missingMarker {
			return nil, fmt.Errorf("post config %s: %w", postID, db.ErrNotFound)
		}
		var pc db.PostConfig
		if err := json.Unmarshal([]byte(val), &pc); err == nil {
			return &pc, nil
		}
		c.logger.Warn("discarding undecodable cached post config", zap.String("post_id", postID))
	case errors.Is(err, redis.Nil):
		metrics.RecordCacheLookup(false)
	default:
		metrics.RecordCacheLookup(false)
		c.logger.Warn("post config cache read failed", zap.String("post_id", postID), zap.Error(err))
	}

	v, err, _ := c.group.Do(postID, func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()

		gen, err := c.client.rdb.Get(loadCtx, genKey(postID)).Result()
		if errors.Is(err, redis.Nil) {
			gen = "0"
		} else if err != nil {
			gen = ""
		}

		pc, err := c.store.GetPostConfig(loadCtx, postID)
		switch {
		case errors.Is(err, db.ErrNotFound):
			c.set(loadCtx, postID, gen, missingMarker)
			return nil, err
		case err != nil:
			return nil, err
		}
		if data, err := json.Marshal(pc); err == nil {
			c.set(loadCtx, postID, gen, string(data))
		}
		return pc, nil
	})
	if err != nil {
		return nil, err
	}
	pc := *v.(*db.PostConfig)
	return &pc, nil
}

// set caches val unless the post was invalidated after gen was read. An
// empty gen means the generation was unreadable and nothing is cached.
func (c *PostConfigCache) set(ctx context.Context, postID, gen, val string) {
	if gen == "" {
		return
	}
	keys := []string{key("postconfig", postID), genKey(postID)}
	err := setIfCurrent.Run(ctx, c.client.rdb, keys, gen, val, c.ttl.Milliseconds()).Err()
	if err != nil {
		c.logger.Warn("post config cache write failed", zap.String("post_id", postID), zap.Error(err))
	}
}

// Invalidate drops a post's cached entry after it changed. Loads already
// in flight will not cache what they read.
func (c *PostConfigCache) Invalidate(ctx context.Context, postID string) error {
	c.group.Forget(postID)

	pipe := c.client.rdb.TxPipeline()
	pipe.Incr(ctx, genKey(postID))
	pipe.Expire(ctx, genKey(postID), 24*time.Hour)
	pipe.Del(ctx, key("postconfig", postID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis invalidate failed: %w", err)
	}
	return nil
}

func genKey(postID string) string {
	return key("postconfig", postID, "gen")
}
