package source

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/kal997/block-notification-server/internal/models"
	"github.com/kal997/block-notification-server/internal/notifier"
)

const keyspacePrefix = "__keyspace@0__:"

// Defaults for RedisOptions
const (
	DefaultKeyPrefix    = "block:"
	DefaultEventChannel = "blocknotify:events"
)

// DefaultOperations translates the commands a Redis-backed block store
// issues into the operations subscribers ask for
var DefaultOperations = map[string]string{
	"set":      "write",
	"setrange": "write",
	"append":   "write",
	"del":      "delete",
	"unlink":   "delete",
	"expired":  "evict",
	"evicted":  "evict",
}

// RedisOptions configures a RedisSource
type RedisOptions struct {
	// KeyPrefix of block keys in the storage engine's keyspace,
	// e.g. "block:" for keys like block:42. Default: "block:"
	KeyPrefix string

	// EventChannel carries explicit JSON events. Default: "blocknotify:events"
	EventChannel string

	// Operations maps Redis keyspace commands to block operations, e.g.
	// set -> write. Commands missing from the map pass through unchanged.
	// Default: DefaultOperations. A non-nil empty map disables mapping.
	Operations map[string]string

	Logger logrus.FieldLogger
}

// Event is the JSON message accepted on the event channel
type Event struct {
	BlockID models.BlockID `json:"block_id"`
	Op      string         `json:"op"`
	Payload []byte         `json:"payload,omitempty"`
}

// RedisSource feeds storage engine events from Redis into a Publisher.
//
// Two inputs are consumed: keyspace notifications on block keys (the Redis
// command translated through Operations, so SET becomes write) and explicit
// JSON events published on EventChannel.
type RedisSource struct {
	client    *redis.Client
	publisher notifier.Publisher
	opts      RedisOptions
	log       logrus.FieldLogger
}

// NewRedisSource connects to Redis at addr
func NewRedisSource(addr string, publisher notifier.Publisher, opts RedisOptions) (*RedisSource, error) {
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

	return newRedisSource(client, publisher, opts), nil
}

func newRedisSource(client *redis.Client, publisher notifier.Publisher, opts RedisOptions) *RedisSource {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = DefaultKeyPrefix
	}
	if opts.EventChannel == "" {
		opts.EventChannel = DefaultEventChannel
	}
	if opts.Operations == nil {
		opts.Operations = DefaultOperations
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &RedisSource{
		client:    client,
		publisher: publisher,
		opts:      opts,
		log:       opts.Logger.WithField("component", "redis-source"),
	}
}

// KeyspacePattern is the PSUBSCRIBE pattern for block keys
func (rs *RedisSource) KeyspacePattern() string {
	return keyspacePrefix + rs.opts.KeyPrefix + "*"
}

// Run consumes events until ctx is cancelled or the subscription closes.
// Each message is published before the next is read, so per-block order is
// the order Redis delivered them.
func (rs *RedisSource) Run(ctx context.Context) error {
	pubsub := rs.client.Subscribe(ctx, rs.opts.EventChannel)
	defer pubsub.Close()

	if err := pubsub.PSubscribe(ctx, rs.KeyspacePattern()); err != nil {
		return fmt.Errorf("failed to subscribe to keyspace notifications: %w", err)
	}

	// Wait for both confirmations before handing over to Channel
	for confirmed := 0; confirmed < 2; {
		msg, err := pubsub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to confirm subscription: %w", err)
		}
		switch m := msg.(type) {
		case *redis.Subscription:
			confirmed++
		case *redis.Message:
			rs.handle(m)
		}
	}

	rs.log.WithFields(logrus.Fields{
		"pattern": rs.KeyspacePattern(),
		"channel": rs.opts.EventChannel,
	}).Info("listening for block events")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			rs.handle(msg)
		}
	}
}

func (rs *RedisSource) handle(msg *redis.Message) {
	event, err := rs.parseMessage(msg)
	if err != nil {
		rs.log.WithError(err).WithField("channel", msg.Channel).Warn("ignoring malformed block event")
		return
	}
	if event == nil {
		return
	}
	rs.publisher.Publish(event.BlockID, models.Operation(event.Op), event.Payload)
}

// parseMessage converts a Redis message to an Event. It returns nil, nil for
// messages that are not block events.
func (rs *RedisSource) parseMessage(msg *redis.Message) (*Event, error) {
	if msg == nil {
		return nil, nil
	}

	if msg.Channel == rs.opts.EventChannel {
		return parseEvent(msg.Payload)
	}

	// Channel format: __keyspace@0__:block:42
	// Payload: operation (set, expire, del, etc.)
	if !strings.HasPrefix(msg.Channel, keyspacePrefix) {
		return nil, nil
	}
	key := strings.TrimPrefix(msg.Channel, keyspacePrefix)
	if !strings.HasPrefix(key, rs.opts.KeyPrefix) {
		return nil, nil
	}

	id, err := strconv.ParseInt(strings.TrimPrefix(key, rs.opts.KeyPrefix), 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid block key %q: %w", key, err)
	}
	if msg.Payload == "" {
		return nil, fmt.Errorf("empty operation for key %q", key)
	}

	return &Event{
		BlockID: models.BlockID(id),
		Op:      rs.operation(msg.Payload),
	}, nil
}

// operation returns the block operation for a keyspace command
func (rs *RedisSource) operation(command string) string {
	if op, ok := rs.opts.Operations[command]; ok {
		return op
	}
	return command
}

func parseEvent(payload string) (*Event, error) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	if event.Op == "" {
		return nil, fmt.Errorf("event op is required")
	}
	return &event, nil
}

// PublishEvent sends an explicit block event on channel. Storage engines that
// do not use Redis keyspace notifications call this after each operation.
func PublishEvent(ctx context.Context, client *redis.Client, channel string, block models.BlockID, op string, payload []byte) error {
	data, err := json.Marshal(Event{BlockID: block, Op: op, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// HealthCheck verifies Redis connectivity
func (rs *RedisSource) HealthCheck(ctx context.Context) error {
	return rs.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (rs *RedisSource) Close() error {
	return rs.client.Close()
}
