package state

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "mail-relay:deliveries:"

// NewRedisClient parses url and verifies the server answers a PING.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// RedisCounters keeps the counters in Redis so several relay processes
// share one tally. Increments use INCR.
type RedisCounters struct {
	client     *redis.Client
	successKey string
	failedKey  string
}

// NewRedisCounters stores the counters under prefix, or under the default
// prefix when prefix is empty.
func NewRedisCounters(client *redis.Client, prefix string) (*RedisCounters, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisCounters{
		client:     client,
		successKey: prefix + "success",
		failedKey:  prefix + "failed",
	}, nil
}

func (c *RedisCounters) IncSuccess(ctx context.Context) error {
	if err := c.client.Incr(ctx, c.successKey).Err(); err != nil {
		return fmt.Errorf("failed to increment success counter: %w", err)
	}
	return nil
}

func (c *RedisCounters) IncFailed(ctx context.Context) error {
	if err := c.client.Incr(ctx, c.failedKey).Err(); err != nil {
		return fmt.Errorf("failed to increment failed counter: %w", err)
	}
	return nil
}

func (c *RedisCounters) Snapshot(ctx context.Context) (Snapshot, error) {
	values, err := c.client.MGet(ctx, c.successKey, c.failedKey).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read counters: %w", err)
	}

	var snap Snapshot
	if snap.Success, err = parseCount(values[0]); err != nil {
		return Snapshot{}, err
	}
	if snap.Failed, err = parseCount(values[1]); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// parseCount reads an MGET value; a missing key counts as zero.
func parseCount(v interface{}) (int64, error) {
	s, ok := v.(string)
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid counter value %q: %w", s, err)
	}
	return n, nil
}
