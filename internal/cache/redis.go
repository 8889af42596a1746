package cache

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// PresenceTTL is how long a user stays online after their last request.
const PresenceTTL = 5 * time.Minute

// RedisClient wraps the presence keys and rate-limit buckets. Every method is
// safe to call on a nil *RedisClient, which behaves as an empty cache.
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient creates a new Redis client
func NewRedisClient(ctx context.Context, addr, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisClient{client: client}, nil
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	if r == nil {
		return nil
	}
	return r.client.Close()
}

// Presence Management

func presenceKey(userID int64) string {
	return "presence:user:" + strconv.FormatInt(userID, 10)
}

// Touch marks a user online for PresenceTTL.
func (r *RedisClient) Touch(ctx context.Context, userID int64) error {
	if r == nil {
		return nil
	}
	return r.client.Set(ctx, presenceKey(userID), time.Now().Unix(), PresenceTTL).Err()
}

// IsOnline reports whether the user was seen within PresenceTTL. Lookup
// failures count as offline.
func (r *RedisClient) IsOnline(ctx context.Context, userID int64) bool {
	if r == nil {
		return false
	}
	n, err := r.client.Exists(ctx, presenceKey(userID)).Result()
	return err == nil && n == 1
}

// Ping checks the connection.
func (r *RedisClient) Ping(ctx context.Context) error {
	if r == nil {
		return nil
	}
	return r.client.Ping(ctx).Err()
}

//go:embed token_bucket.lua
var tokenBucketSource string

var tokenBucket = redis.NewScript(tokenBucketSource)

// AllowAction implements a Redis-backed token-bucket limiter per key (user+action).
// Returns true if the action is allowed, false if rate-limited.
func (r *RedisClient) AllowAction(ctx context.Context, userID int64, action string, rate int, burst int) (bool, error) {
	if r == nil {
		return true, nil
	}

	key := fmt.Sprintf("rl:%s:%d", action, userID)
	now := time.Now().UnixMilli()
	res, err := tokenBucket.Run(ctx, r.client, []string{key}, rate, burst, now).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}
