package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kal997/block-notification-server/internal/models"
	"github.com/kal997/block-notification-server/internal/source"
)

// RedisOptions configures a RedisStorage
type RedisOptions struct {
	// KeyPrefix of block keys. Default: source.DefaultKeyPrefix
	KeyPrefix string

	// EventChannel used by Emit. Default: source.DefaultEventChannel
	EventChannel string

	// TTL of written blocks; zero keeps them until deleted
	TTL time.Duration
}

// RedisStorage keeps blocks as Redis keys. Writes and deletes reach
// subscribers through keyspace notifications; Emit publishes an explicit
// event for operations that do not change the key (reads, evictions done
// elsewhere).
type RedisStorage struct {
	client *redis.Client
	opts   RedisOptions
}

var _ Storage = (*RedisStorage)(nil)

// NewRedisStorage creates a new Redis storage instance
func NewRedisStorage(addr string, opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   0,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if opts.KeyPrefix == "" {
		opts.KeyPrefix = source.DefaultKeyPrefix
	}
	if opts.EventChannel == "" {
		opts.EventChannel = source.DefaultEventChannel
	}

	return &RedisStorage{
		client: client,
		opts:   opts,
	}, nil
}

// Key returns the Redis key holding block
func (rs *RedisStorage) Key(block models.BlockID) string {
	return fmt.Sprintf("%s%d", rs.opts.KeyPrefix, block)
}

// Write saves a block
func (rs *RedisStorage) Write(ctx context.Context, block models.BlockID, data []byte) error {
	if err := rs.client.Set(ctx, rs.Key(block), data, rs.opts.TTL).Err(); err != nil {
		return fmt.Errorf("failed to store block in Redis: %w", err)
	}
	return nil
}

// Delete removes a block. Deleting a missing block is not an error.
func (rs *RedisStorage) Delete(ctx context.Context, block models.BlockID) error {
	if err := rs.client.Del(ctx, rs.Key(block)).Err(); err != nil {
		return fmt.Errorf("failed to delete block from Redis: %w", err)
	}
	return nil
}

// Emit publishes an explicit block event
func (rs *RedisStorage) Emit(ctx context.Context, block models.BlockID, op string, payload []byte) error {
	return source.PublishEvent(ctx, rs.client, rs.opts.EventChannel, block, op, payload)
}

// EnableKeyspaceEvents turns on generic, string, expired and evicted keyspace
// notifications. Managed Redis deployments may refuse
// CONFIG SET, in which case notifications must be enabled out of band.
func (rs *RedisStorage) EnableKeyspaceEvents(ctx context.Context) error {
	if err := rs.client.ConfigSet(ctx, "notify-keyspace-events", "K$gxe").Err(); err != nil {
		return fmt.Errorf("failed to enable keyspace notifications: %w", err)
	}
	return nil
}

// HealthCheck verifies Redis connectivity
func (rs *RedisStorage) HealthCheck(ctx context.Context) error {
	return rs.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (rs *RedisStorage) Close() error {
	return rs.client.Close()
}
