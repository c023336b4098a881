package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"
)

// RedisCache is a distributed Cache backed by Redis. Unlike MemoryCache and
// BadgerCache it is shared across every occurrent process pointed at the
// same Redis instance, which is what makes it useful as the stream-version
// cache in a competing-consumers deployment: every replica sees writes from
// every other replica reflected in the cache almost immediately.
type RedisCache[T any] struct {
	client *redis.Client
	opts   *Options
	prefix string
}

// NewRedisCache connects to Redis at addr.
func NewRedisCache[T any](addr string, opts *Options) (*RedisCache[T], error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache[T]{client: client, opts: opts, prefix: "occurrent:"}, nil
}

type redisWrapper[T any] struct {
	V T `bson:"v"`
}

// Get implements Cache.
func (c *RedisCache[T]) Get(ctx context.Context, key string) (T, error) {
	var wrapper redisWrapper[T]

	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return wrapper.V, ErrMiss
		}
		return wrapper.V, fmt.Errorf("failed to get from redis: %w", err)
	}

	if err := bson.Unmarshal(data, &wrapper); err != nil {
		return wrapper.V, fmt.Errorf("failed to unmarshal cached value: %w", err)
	}
	return wrapper.V, nil
}

// Set implements Cache.
func (c *RedisCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}

	data, err := bson.Marshal(redisWrapper[T]{V: value})
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	if err := c.client.Set(ctx, c.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set in redis: %w", err)
	}
	return nil
}

// Delete implements Cache.
func (c *RedisCache[T]) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete from redis: %w", err)
	}
	return nil
}

// Close implements Cache.
func (c *RedisCache[T]) Close() error {
	return c.client.Close()
}
