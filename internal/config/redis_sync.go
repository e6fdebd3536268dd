package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	redisConfigKey     = "mtdbench:config:settings"
	redisConfigChannel = "mtdbench:config:updates"
	redisOpTimeout     = 5 * time.Second
)

// settingsStore is the subset of redis commands used to share settings.
type settingsStore interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type settingsSync struct {
	store  settingsStore
	ctx    context.Context
	cancel context.CancelFunc
}

var (
	syncMu     sync.RWMutex
	activeSync *settingsSync
)

// EnableRedisSynchronization shares settings between simulator instances. A
// configuration already stored in redis wins over the local file; otherwise the
// local one is published. Later remote updates are applied as they arrive.
func EnableRedisSynchronization(ctx context.Context, client *redis.Client) {
	if client == nil {
		log.Warn("Config synchronization disabled: redis client is nil")
		return
	}

	s := attachStore(ctx, client)
	if s == nil {
		return
	}
	go s.follow(client)
}

// DisableRedisSynchronization stops the subscription started by
// EnableRedisSynchronization.
func DisableRedisSynchronization() {
	syncMu.Lock()
	defer syncMu.Unlock()
	if activeSync != nil {
		activeSync.cancel()
		activeSync = nil
	}
}

// attachStore makes store the broadcast target and reconciles it with the
// local settings. It returns nil when a store is already attached.
func attachStore(ctx context.Context, store settingsStore) *settingsSync {
	if ctx == nil {
		ctx = context.Background()
	}

	syncMu.Lock()
	if activeSync != nil {
		syncMu.Unlock()
		return nil
	}
	syncCtx, cancel := context.WithCancel(ctx)
	s := &settingsSync{store: store, ctx: syncCtx, cancel: cancel}
	activeSync = s
	syncMu.Unlock()

	adopted, err := s.adoptRemote()
	if err != nil {
		log.Error("Config sync: failed to load configuration from redis", "error", err)
	}
	if adopted {
		return s
	}

	payload, err := json.Marshal(GetConfig())
	if err != nil {
		log.Error("Config sync: failed to serialize configuration for redis", "error", err)
	} else if err := s.push(payload); err != nil {
		log.Error("Config sync: failed to publish configuration to redis", "error", err)
	}
	return s
}

// adoptRemote reports whether redis already held settings. A stored payload
// that fails to decode still counts as present.
func (s *settingsSync) adoptRemote() (bool, error) {
	opCtx, cancel := context.WithTimeout(s.ctx, redisOpTimeout)
	defer cancel()

	payload, err := s.store.Get(opCtx, redisConfigKey).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, applyRemote(payload)
}

func (s *settingsSync) push(payload []byte) error {
	ctx := s.ctx
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	if err := s.store.Set(opCtx, redisConfigKey, payload, 0).Err(); err != nil {
		return fmt.Errorf("store settings: %w", err)
	}
	if err := s.store.Publish(opCtx, redisConfigChannel, payload).Err(); err != nil {
		return fmt.Errorf("announce settings: %w", err)
	}
	return nil
}

func (s *settingsSync) follow(client *redis.Client) {
	pubsub := client.Subscribe(s.ctx, redisConfigChannel)
	defer pubsub.Close()

	for {
		msg, err := pubsub.ReceiveMessage(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			log.Error("Config sync: subscription error", "error", err)
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if err := applyRemote(msg.Payload); err != nil {
			log.Error("Config sync: remote update rejected", "error", err)
		}
	}
}

// applyRemote merges a JSON payload over the embedded defaults and stores it
// without echoing it back to redis.
func applyRemote(payload string) error {
	cfg, err := Default()
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return fmt.Errorf("decode remote settings: %w", err)
	}
	return applyConfigUpdate(cfg, configUpdateOptions{persistToFile: true, source: "redis"})
}

func broadcastConfigUpdate(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}

	syncMu.RLock()
	s := activeSync
	syncMu.RUnlock()

	if s == nil {
		return nil
	}
	return s.push(payload)
}
