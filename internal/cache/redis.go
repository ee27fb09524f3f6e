package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Cache on go-redis. Counter atomicity comes from
// INCRBY; the created-key ttl is applied with a pipeline so the counter
// never lives forever after a crash between the two commands.
type Redis struct {
	config    Config
	client    *redis.Client
	connected bool
}

// NewRedis creates a Redis cache backend.
func NewRedis(config Config) *Redis {
	if config.Port == 0 {
		config.Port = 6379
	}
	return &Redis{config: config}
}

func (r *Redis) Connect() error {
	if r.connected {
		return nil
	}

	r.client = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", r.config.Host, r.config.Port),
		Password: r.config.Password,
		DB:       r.config.Database,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	r.connected = true
	return nil
}

func (r *Redis) Close() error {
	if !r.connected {
		return nil
	}
	if err := r.client.Close(); err != nil {
		return err
	}
	r.connected = false
	return nil
}

func (r *Redis) IsConnected() bool { return r.connected }

func (r *Redis) Type() string { return "redis" }

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	if !r.connected {
		return "", ErrNotConnected
	}

	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get failed: %w", err)
	}
	return val, nil
}

func (r *Redis) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	if !r.connected {
		return ErrNotConnected
	}
	return r.client.Set(ctx, key, value, expiration).Err()
}

func (r *Redis) SetNX(ctx context.Context, key string, value string, expiration time.Duration) (bool, error) {
	if !r.connected {
		return false, ErrNotConnected
	}
	return r.client.SetNX(ctx, key, value, expiration).Result()
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if !r.connected {
		return ErrNotConnected
	}
	return r.client.Del(ctx, key).Err()
}

func (r *Redis) Increment(ctx context.Context, key string, amount int64, ttl time.Duration) (int64, error) {
	if !r.connected {
		return 0, ErrNotConnected
	}

	pipe := r.client.TxPipeline()
	incr := pipe.IncrBy(ctx, key, amount)
	if ttl > 0 {
		// NX keeps the expiry set by whichever caller created the key.
		pipe.ExpireNX(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis increment failed: %w", err)
	}
	return incr.Val(), nil
}
