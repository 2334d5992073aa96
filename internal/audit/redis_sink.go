package audit

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds the connection settings for the Redis stream sink
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	UseTLS   bool
	Stream   string
}

// RedisStreamSink appends events to a Redis stream with XADD. A separate
// consumer persists them.
type RedisStreamSink struct {
	client *redis.Client
	stream string
}

// NewRedisStreamSink connects to Redis and verifies the connection
func NewRedisStreamSink(cfg RedisConfig) (*RedisStreamSink, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisStreamSinkWithClient(client, cfg.Stream), nil
}

// NewRedisStreamSinkWithClient wraps an existing client
func NewRedisStreamSinkWithClient(client *redis.Client, stream string) *RedisStreamSink {
	if stream == "" {
		stream = "audit-events"
	}
	return &RedisStreamSink{client: client, stream: stream}
}

func (s *RedisStreamSink) Name() string { return "redis" }

// Append adds the event to the stream with an auto-generated ID
func (s *RedisStreamSink) Append(ctx context.Context, event *Event) error {
	values := map[string]interface{}{
		"timestamp":     event.Timestamp.UTC().Format(time.RFC3339Nano),
		"status":        event.Status,
		"action":        event.Action,
		"actor_id":      event.ActorID,
		"resource_type": event.ResourceType,
		"resource_id":   event.ResourceID,
	}
	if len(event.Metadata) > 0 {
		b, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal audit metadata: %w", err)
		}
		values["metadata"] = string(b)
	}

	if err := s.client.XAdd(ctx, &redis.XAddArgs{Stream: s.stream, Values: values}).Err(); err != nil {
		return fmt.Errorf("failed to XADD to stream %s: %w", s.stream, err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStreamSink) Close() error {
	return s.client.Close()
}
