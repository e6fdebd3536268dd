package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	RunHeartbeatKeyPrefix    = "mtdbench:run:"
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultHeartbeatTTL      = 30 * time.Second
)

// RunHeartbeat is the value stored under a live run's key.
type RunHeartbeat struct {
	RunID     string    `json:"run_id"`
	Host      string    `json:"host"`
	PID       int       `json:"pid"`
	Seed      uint64    `json:"seed"`
	StartedAt time.Time `json:"started_at"`
}

func newRunHeartbeat(runID string, seed uint64, startedAt time.Time) RunHeartbeat {
	hostname, _ := os.Hostname()
	return RunHeartbeat{
		RunID:     runID,
		Host:      hostname,
		PID:       os.Getpid(),
		Seed:      seed,
		StartedAt: startedAt.UTC(),
	}
}

func (h RunHeartbeat) key() string {
	return RunHeartbeatKeyPrefix + h.RunID
}

// runHeartbeat refreshes the run's key every interval until ctx is done and
// then deletes it so the run stops being listed immediately.
func runHeartbeat(ctx context.Context, client redis.Cmdable, hb RunHeartbeat, interval, ttl time.Duration) error {
	payload, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("heartbeat: encode: %w", err)
	}

	send := func() {
		if err := client.SetEx(ctx, hb.key(), payload, ttl).Err(); err != nil && ctx.Err() == nil {
			log.Error("Failed to update run heartbeat", "key", hb.key(), "error", err)
		}
	}

	send()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cleanupCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := client.Del(cleanupCtx, hb.key()).Err(); err != nil {
				log.Warn("Failed to clear run heartbeat", "key", hb.key(), "error", err)
			}
			return nil
		case <-ticker.C:
			send()
		}
	}
}

// ActiveRuns lists the heartbeats of every run still refreshing its key.
func ActiveRuns(ctx context.Context, client redis.Cmdable) ([]RunHeartbeat, error) {
	var (
		runs   []RunHeartbeat
		cursor uint64
	)
	for {
		keys, next, err := client.Scan(ctx, cursor, RunHeartbeatKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("heartbeat: scan: %w", err)
		}
		for _, key := range keys {
			raw, err := client.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("heartbeat: get %s: %w", key, err)
			}
			var hb RunHeartbeat
			if err := json.Unmarshal(raw, &hb); err != nil {
				log.Warn("Skipping malformed run heartbeat", "key", key, "error", err)
				continue
			}
			runs = append(runs, hb)
		}
		cursor = next
		if cursor == 0 {
			return runs, nil
		}
	}
}
