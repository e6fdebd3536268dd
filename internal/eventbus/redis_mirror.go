package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"mtdbench/internal/domain"
)

const (
	mirrorChannelPrefix = "mtdbench:events:"
	mirrorListPrefix    = "mtdbench:history:"
	mirrorQueueSize     = 4096
	mirrorBatchWindow   = 50 * time.Millisecond
	mirrorBatchMaxItems = 512
	mirrorOpTimeout     = 5 * time.Second
)

type mirroredEvent struct {
	RunID     string            `json:"run_id"`
	Type      string            `json:"type"`
	Timestamp int64             `json:"timestamp_ms"`
	Source    uint32            `json:"source"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// RedisMirror copies bus traffic to a Redis channel and a capped Redis list. The
// bus handler only enqueues and drops when the queue is full; Run does the I/O.
type RedisMirror struct {
	client  redis.Cmdable
	runID   string
	channel string
	listKey string
	maxList int64
	queue   chan []byte
	sent    atomic.Uint64
	dropped atomic.Uint64
}

func NewRedisMirror(client redis.Cmdable, runID string, maxList int) *RedisMirror {
	if maxList <= 0 {
		maxList = DefaultMaxHistory
	}
	return &RedisMirror{
		client:  client,
		runID:   runID,
		channel: mirrorChannelPrefix + runID,
		listKey: mirrorListPrefix + runID,
		maxList: int64(maxList),
		queue:   make(chan []byte, mirrorQueueSize),
	}
}

func (m *RedisMirror) Channel() string { return m.channel }

func (m *RedisMirror) ListKey() string { return m.listKey }

// Attach subscribes the mirror to every event on bus.
func (m *RedisMirror) Attach(bus *Bus) SubscriptionID {
	return bus.SubscribeAll(m.enqueue)
}

func (m *RedisMirror) enqueue(event domain.MtdEvent) {
	payload, err := json.Marshal(mirroredEvent{
		RunID:     m.runID,
		Type:      event.Type.String(),
		Timestamp: event.Timestamp.Milliseconds(),
		Source:    event.SourceNodeID,
		Metadata:  event.Metadata,
	})
	if err != nil {
		log.Error("event mirror: failed to encode event", "type", event.Type, "error", err)
		return
	}

	select {
	case m.queue <- payload:
	default:
		m.dropped.Add(1)
	}
}

// Run flushes queued events in batches until ctx is cancelled, then drains what
// is left.
func (m *RedisMirror) Run(ctx context.Context) error {
	batch := make([][]byte, 0, mirrorBatchMaxItems)
	timer := time.NewTimer(mirrorBatchWindow)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.drain(&batch)
			if err := m.flush(context.Background(), batch); err != nil {
				return fmt.Errorf("event mirror: final flush: %w", err)
			}
			return nil
		case payload := <-m.queue:
			batch = append(batch, payload)
			if len(batch) < mirrorBatchMaxItems {
				continue
			}
		case <-timer.C:
			timer.Reset(mirrorBatchWindow)
		}

		if err := m.flush(ctx, batch); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("event mirror: flush failed", "events", len(batch), "error", err)
		}
		batch = batch[:0]
	}
}

func (m *RedisMirror) drain(batch *[][]byte) {
	for {
		select {
		case payload := <-m.queue:
			*batch = append(*batch, payload)
		default:
			return
		}
	}
}

func (m *RedisMirror) flush(ctx context.Context, batch [][]byte) error {
	if len(batch) == 0 {
		return nil
	}

	opCtx, cancel := context.WithTimeout(ctx, mirrorOpTimeout)
	defer cancel()

	pipe := m.client.Pipeline()
	values := make([]any, 0, len(batch))
	for _, payload := range batch {
		pipe.Publish(opCtx, m.channel, payload)
		values = append(values, payload)
	}
	pipe.RPush(opCtx, m.listKey, values...)
	pipe.LTrim(opCtx, m.listKey, -m.maxList, -1)

	if _, err := pipe.Exec(opCtx); err != nil {
		return err
	}
	m.sent.Add(uint64(len(batch)))
	return nil
}

func (m *RedisMirror) Sent() uint64 { return m.sent.Load() }

func (m *RedisMirror) Dropped() uint64 { return m.dropped.Load() }
