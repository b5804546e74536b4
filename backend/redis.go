package backend

import (
	"context"
	"fmt"

	"github.com/aschepis/backscratcher/llmwarehouse/config"
	"github.com/aschepis/backscratcher/llmwarehouse/record"
	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis stream adapter.
type RedisConfig struct {
	// URL is a redis:// or rediss:// connection string.
	URL    string
	Stream string
	// MaxLen caps the stream with approximate trimming when positive.
	MaxLen int64
}

// RedisAdapter appends each record to a Redis stream with XADD.
type RedisAdapter struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisAdapter connects to Redis and verifies it with PING.
func NewRedisAdapter(ctx context.Context, cfg RedisConfig) (*RedisAdapter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	stream := cfg.Stream
	if stream == "" {
		stream = config.DefaultRedisStream
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisAdapter{client: client, stream: stream, maxLen: cfg.MaxLen}, nil
}

// Name implements Adapter.
func (a *RedisAdapter) Name() string { return "redis" }

// Send implements Adapter.
func (a *RedisAdapter) Send(ctx context.Context, rec record.CallRecord) error {
	body, err := rec.Marshal()
	if err != nil {
		return newEncodingError(a.Name(), err)
	}
	args := &redis.XAddArgs{
		Stream: a.stream,
		Values: map[string]any{
			"call_id":    rec.CallID,
			"sdk_method": rec.SDKMethod,
			"record":     string(body),
		},
	}
	if a.maxLen > 0 {
		args.MaxLen = a.maxLen
		args.Approx = true
	}
	if err := a.client.XAdd(ctx, args).Err(); err != nil {
		return newNetworkError(a.Name(), err)
	}
	return nil
}

// Close implements Adapter.
func (a *RedisAdapter) Close() error {
	return a.client.Close()
}
