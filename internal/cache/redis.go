// Package cache shares ephemeral coordination state between processes
// through Redis: sampled queue depths, backpressure stages, and agent
// heartbeats. Every entry carries a TTL; a stale read is treated as
// absent.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"dev.helix.mq/internal/config"
)

const (
	depthKeyFormat     = "mq:depth:%s"
	stageKeyFormat     = "mq:stage:%s"
	heartbeatKeyFormat = "mq:heartbeat:%s"
)

type RedisClient struct {
	client *redis.Client
}

// NewRedisClient connects to the configured Redis instance. An empty
// address yields a client whose operations fail, which callers treat
// as the shared state being unavailable.
func NewRedisClient(cfg config.RedisConfig) *RedisClient {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:0"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})
	return &RedisClient{client: rdb}
}

func (r *RedisClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key, data, expiration).Err()
}

func (r *RedisClient) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := r.client.Get(ctx, key).Result()
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(data), dest)
}

func (r *RedisClient) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// SetQueueDepth publishes the sampled depth for an org.
func (r *RedisClient) SetQueueDepth(ctx context.Context, orgID string, depth int, ttl time.Duration) error {
	return r.Set(ctx, fmt.Sprintf(depthKeyFormat, orgID), depth, ttl)
}

// GetQueueDepth reads the shared depth for an org. The second return
// is false when no sample is present or it expired.
func (r *RedisClient) GetQueueDepth(ctx context.Context, orgID string) (int, bool, error) {
	var depth int
	err := r.Get(ctx, fmt.Sprintf(depthKeyFormat, orgID), &depth)
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return depth, true, nil
}

// SetStage publishes the backpressure stage for an org.
func (r *RedisClient) SetStage(ctx context.Context, orgID string, stage int, ttl time.Duration) error {
	return r.Set(ctx, fmt.Sprintf(stageKeyFormat, orgID), stage, ttl)
}

// GetStage reads the shared backpressure stage for an org.
func (r *RedisClient) GetStage(ctx context.Context, orgID string) (int, bool, error) {
	var stage int
	err := r.Get(ctx, fmt.Sprintf(stageKeyFormat, orgID), &stage)
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return stage, true, nil
}

// Heartbeat records agent liveness with a TTL.
func (r *RedisClient) Heartbeat(ctx context.Context, agentID string, ttl time.Duration) error {
	return r.client.Set(ctx, fmt.Sprintf(heartbeatKeyFormat, agentID), time.Now().UTC().Format(time.RFC3339Nano), ttl).Err()
}

// AgentAlive reports whether the agent's heartbeat key still exists.
func (r *RedisClient) AgentAlive(ctx context.Context, agentID string) (bool, error) {
	n, err := r.client.Exists(ctx, fmt.Sprintf(heartbeatKeyFormat, agentID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Client exposes the underlying redis client.
func (r *RedisClient) Client() *redis.Client {
	return r.client
}

func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisClient) Close() error {
	return r.client.Close()
}
