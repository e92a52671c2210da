package proxies

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "crawlpilot:proxies"

// Connect initializes a Redis client from URL or host:port input.
func Connect(_ context.Context, redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

// RedisPool is a least-used proxy pool shared through Redis. Slot
// definitions live in a hash and usage scores in a sorted set, so several
// processes draw from one rotation.
type RedisPool struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedisPool creates a pool over client.
func NewRedisPool(client *redis.Client, logger *slog.Logger) *RedisPool {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPool{client: client, prefix: defaultKeyPrefix, logger: logger}
}

// WithKeyPrefix namespaces the pool's keys.
func (p *RedisPool) WithKeyPrefix(prefix string) *RedisPool {
	p.prefix = prefix
	return p
}

func (p *RedisPool) slotsKey() string { return p.prefix + ":slots" }
func (p *RedisPool) usageKey() string { return p.prefix + ":usage" }

// Register adds or replaces a slot. An existing usage score is kept.
func (p *RedisPool) Register(ctx context.Context, s *Slot) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, p.slotsKey(), s.ID, raw)
		pipe.ZAddNX(ctx, p.usageKey(), redis.Z{Score: 0, Member: s.ID})
		return nil
	})
	return err
}

// Remove drops a slot from rotation.
func (p *RedisPool) Remove(ctx context.Context, id string) error {
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, p.slotsKey(), id)
		pipe.ZRem(ctx, p.usageKey(), id)
		return nil
	})
	return err
}

// Acquire returns the least-used slot and bumps its score. Redis errors
// are logged and reported as "no slot".
func (p *RedisPool) Acquire(ctx context.Context) *Slot {
	s := p.leastUsed(ctx)
	if s == nil {
		return nil
	}
	if err := p.client.ZIncrBy(ctx, p.usageKey(), 1, s.ID).Err(); err != nil {
		p.logger.Warn("proxy usage bump failed", "slot_id", s.ID, "error", err)
	}
	return s
}

func (p *RedisPool) Peek(ctx context.Context) *Slot {
	return p.leastUsed(ctx)
}

func (p *RedisPool) leastUsed(ctx context.Context) *Slot {
	least, err := p.client.ZRangeWithScores(ctx, p.usageKey(), 0, 0).Result()
	if err != nil {
		p.logger.Warn("proxy pool unavailable", "error", err)
		return nil
	}
	if len(least) == 0 {
		return nil
	}
	id, _ := least[0].Member.(string)

	raw, err := p.client.HGet(ctx, p.slotsKey(), id).Result()
	if err == redis.Nil {
		// Score without a definition: drop it so the next call moves on.
		_ = p.client.ZRem(ctx, p.usageKey(), id).Err()
		return nil
	}
	if err != nil {
		p.logger.Warn("proxy slot lookup failed", "slot_id", id, "error", err)
		return nil
	}

	var s Slot
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		p.logger.Warn("proxy slot corrupt", "slot_id", id, "error", err)
		return nil
	}
	s.ID = id
	return &s
}

// Usage returns a slot's current score.
func (p *RedisPool) Usage(ctx context.Context, id string) (int64, error) {
	score, err := p.client.ZScore(ctx, p.usageKey(), id).Result()
	if err == redis.Nil {
		return 0, nil
	}
	return int64(score), err
}

// Ping checks connectivity for the health registry.
func (p *RedisPool) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

var (
	_ Provider = (*RedisPool)(nil)
	_ Registry = (*RedisPool)(nil)
)
