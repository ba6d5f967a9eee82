package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/t77yq/perfmon/internal/config"
	"github.com/t77yq/perfmon/internal/model"
)

const redisKeyPrefix = "perfmon:metrics:"

// RedisSink appends events to a capped list per source
type RedisSink struct {
	client *redis.Client
	logger *zap.Logger
	maxLen int64
}

// NewRedisSink connects to Redis and verifies the connection
func NewRedisSink(cfg config.RedisSinkConfig, logger *zap.Logger) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisSink{
		client: client,
		logger: logger.Named("redis-sink"),
		maxLen: maxLen,
	}, nil
}

func (s *RedisSink) Name() string { return "redis" }

// Write pushes the batch in one pipeline and trims every touched list
func (s *RedisSink) Write(ctx context.Context, events []model.MetricEvent) error {
	bySource := make(map[string][]any)
	for _, e := range events {
		data, err := json.Marshal(toRecord(e))
		if err != nil {
			return fmt.Errorf("failed to encode metric %s: %w", e.Name, err)
		}
		src := sourceOf(e)
		bySource[src] = append(bySource[src], data)
	}

	pipe := s.client.Pipeline()
	for src, values := range bySource {
		key := redisKeyPrefix + src
		pipe.RPush(ctx, key, values...)
		pipe.LTrim(ctx, key, -s.maxLen, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write metrics to redis: %w", err)
	}
	return nil
}

// Close closes the client
func (s *RedisSink) Close() error {
	return s.client.Close()
}

// RedisKey returns the list key used for a source
func RedisKey(source model.Source) string {
	if source == "" {
		return redisKeyPrefix + "unknown"
	}
	return redisKeyPrefix + string(source)
}
