package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces FlowPipe keys in a shared Redis.
const DefaultRedisPrefix = "flowpipe:"

// RedisStore keeps snapshots as Redis strings:
//
//	<key>                         => snapshot bytes, optional TTL
//	<prefix>dedup:<message_id>    => conversation id, or "processed"
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ Backend = (*RedisStore)(nil)

// NewRedisStore connects to the Redis server named by WithRedisURL.
func NewRedisStore(opts ...Option) (*RedisStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis URL not set")
	}
	ropts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(ropts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		slog.Error("Redis ping failed", "error", err, "addr", ropts.Addr)
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	slog.Debug("Redis store connected", "addr", ropts.Addr, "db", ropts.DB, "ttl", cfg.TTL)
	return NewRedisStoreWithClient(client, DefaultRedisPrefix, cfg.TTL), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisStore) keyDedup(messageID string) string {
	return r.prefix + "dedup:" + messageID
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET %s: %w", key, err)
	}
	return b, nil
}

func (r *RedisStore) Put(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, key, value, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis SET %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis DEL %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.keyDedup(messageID)).Result()
	if err != nil {
		return false, fmt.Errorf("dedup check %s: %w", messageID, err)
	}
	return n > 0, nil
}

func (r *RedisStore) RecordInbound(ctx context.Context, messageID, conversationID string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.keyDedup(messageID), conversationID, DefaultDedupRetention).Result()
	if err != nil {
		return false, fmt.Errorf("record inbound %s: %w", messageID, err)
	}
	return ok, nil
}

func (r *RedisStore) MarkProcessed(ctx context.Context, messageID string) error {
	if err := r.client.Set(ctx, r.keyDedup(messageID), "processed", redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("mark processed %s: %w", messageID, err)
	}
	return nil
}

// PurgeDedup is a no-op: dedup keys expire through their TTL.
func (r *RedisStore) PurgeDedup(context.Context, time.Time) (int64, error) {
	return 0, nil
}
