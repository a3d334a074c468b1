// Package cache fronts Redis for job progress snapshots, the cluster
// inventory and per-client rate limit counters.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kiranshivaraju/pvebatch/pkg/models"
	"github.com/redis/go-redis/v9"
)

// Cache is safe for concurrent use.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	SetJobProgress(ctx context.Context, p models.JobProgress, ttl time.Duration) error
	GetJobProgress(ctx context.Context, jobID int64) (*models.JobProgress, bool, error)
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

type RedisCache struct {
	client *redis.Client
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache parses a redis:// or rediss:// URL. No connection is made
// until the first command.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// Get reports found=false for a missing key rather than an error.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return val, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

func (c *RedisCache) SetJobProgress(ctx context.Context, p models.JobProgress, ttl time.Duration) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal job progress: %w", err)
	}
	return c.Set(ctx, JobProgressKey(p.JobID), data, ttl)
}

func (c *RedisCache) GetJobProgress(ctx context.Context, jobID int64) (*models.JobProgress, bool, error) {
	val, found, err := c.Get(ctx, JobProgressKey(jobID))
	if err != nil || !found {
		return nil, false, err
	}
	var p models.JobProgress
	if err := json.Unmarshal(val, &p); err != nil {
		return nil, false, fmt.Errorf("unmarshal job progress %d: %w", jobID, err)
	}
	return &p, true, nil
}

// IncrWithExpiry increments a fixed-window counter. The expiry is set only
// when the window opens, so steady traffic cannot keep extending it.
func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return incr.Val(), nil
}
