package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/storygraph/backend/pkg/logger"
)

const (
	viewPrefix = "view:"
	lockPrefix = "lock:"
)

// releaseScript deletes a lock only if the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Client stores composed graph views and holds the reconciliation lock.
type Client struct {
	client *redis.Client
}

func NewClient(host string, port int, password string, db int) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Client{client: client}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// GetView decodes the cached view at key into dst and reports whether it
// was present.
func (c *Client) GetView(ctx context.Context, key string, dst any) (bool, error) {
	data, err := c.client.Get(ctx, viewPrefix+key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get view cache: %w", err)
	}

	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("failed to unmarshal view: %w", err)
	}

	logger.Debug("View cache hit", zap.String("key", key))
	return true, nil
}

func (c *Client) SetView(ctx context.Context, key string, view any, ttl time.Duration) error {
	data, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("failed to marshal view: %w", err)
	}

	if err := c.client.Set(ctx, viewPrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set view cache: %w", err)
	}

	logger.Debug("View cached", zap.String("key", key), zap.Duration("ttl", ttl))
	return nil
}

// DeleteViews removes every cached view whose key starts with prefix.
func (c *Client) DeleteViews(ctx context.Context, prefix string) error {
	iter := c.client.Scan(ctx, 0, viewPrefix+prefix+"*", 0).Iterator()
	deleted := 0
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			logger.Warn("Failed to delete cache key", zap.String("key", iter.Val()), zap.Error(err))
			continue
		}
		deleted++
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to iterate cache keys: %w", err)
	}

	logger.Debug("View cache invalidated", zap.String("prefix", prefix), zap.Int("deleted", deleted))
	return nil
}

// Acquire takes key with SET NX and a lease of ttl. The returned release
// only deletes the key while this holder still owns it.
func (c *Client) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context), bool, error) {
	token := uuid.New().String()
	ok, err := c.client.SetNX(ctx, lockPrefix+key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func(ctx context.Context) {
		if err := releaseScript.Run(ctx, c.client, []string{lockPrefix + key}, token).Err(); err != nil && err != redis.Nil {
			logger.Warn("Failed to release lock", zap.String("key", key), zap.Error(err))
		}
	}

	logger.Debug("Lock acquired", zap.String("key", key), zap.Duration("ttl", ttl))
	return release, true, nil
}
