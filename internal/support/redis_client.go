package support

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPingTimeout = 5 * time.Second

var (
	redisMu     sync.Mutex
	redisClient *redis.Client
)

// RedisURL is REDIS_URL when set. An empty result means redis is not configured.
func RedisURL() string {
	return GetEnv("REDIS_URL", "")
}

// GetRedisClient returns the shared client, dialing and pinging it on first use.
func GetRedisClient(ctx context.Context) (*redis.Client, error) {
	redisMu.Lock()
	defer redisMu.Unlock()

	if redisClient != nil {
		return redisClient, nil
	}

	redisURL := RedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is not set")
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL %q: %w", redisURL, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()

	client := redis.NewClient(opt)
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	redisClient = client
	return redisClient, nil
}

func CloseRedisClient() error {
	redisMu.Lock()
	defer redisMu.Unlock()

	if redisClient == nil {
		return nil
	}

	err := redisClient.Close()
	redisClient = nil
	return err
}
