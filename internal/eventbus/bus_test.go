package eventbus

import (
	"encoding/json"
	"testing"
	"time"

	"mtdbench/internal/domain"
)

func TestPublishDeliversInRegistrationOrder(t *testing.T) {
	bus := New()
	var calls []string

	bus.Subscribe(domain.EventShuffleCompleted, func(domain.MtdEvent) { calls = append(calls, "typed-1") })
	bus.SubscribeAll(func(domain.MtdEvent) { calls = append(calls, "all-2") })
	bus.Subscribe(domain.EventShuffleCompleted, func(domain.MtdEvent) { calls = append(calls, "typed-3") })
	bus.Subscribe(domain.EventProxySwitched, func(domain.MtdEvent) { calls = append(calls, "other") })

	bus.Publish(domain.NewEvent(domain.EventShuffleCompleted, 0))

	want := []string{"typed-1", "all-2", "typed-3"}
	if len(calls) != len(want) {
		t.Fatalf("handlers called = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("handlers called = %v, want %v", calls, want)
		}
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	bus := New()
	count := 0
	id := bus.Subscribe(domain.EventScoreUpdated, func(domain.MtdEvent) { count++ })
	allID := bus.SubscribeAll(func(domain.MtdEvent) { count++ })

	bus.Unsubscribe(id)
	bus.Unsubscribe(id)
	bus.Unsubscribe(allID)
	bus.Unsubscribe(SubscriptionID(9999))

	bus.Publish(domain.NewEvent(domain.EventScoreUpdated, 0))
	if count != 0 {
		t.Fatalf("handlers called %d times after unsubscribe, want 0", count)
	}
}

func TestHistoryRingEvictsOldest(t *testing.T) {
	bus := New(WithHistory(3))
	for i := 1; i <= 5; i++ {
		bus.Publish(domain.NewEvent(domain.EventScoreUpdated, time.Duration(i)*time.Second))
	}

	history := bus.History()
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3", len(history))
	}
	for i, ev := range history {
		want := time.Duration(i+3) * time.Second
		if ev.Timestamp != want {
			t.Fatalf("history[%d].Timestamp = %s, want %s", i, ev.Timestamp, want)
		}
	}
	if bus.Published() != 5 {
		t.Fatalf("Published() = %d, want 5", bus.Published())
	}
}

func TestHistoryDisabledByDefault(t *testing.T) {
	bus := New()
	bus.Publish(domain.NewEvent(domain.EventAttackStarted, 0))
	if got := len(bus.History()); got != 0 {
		t.Fatalf("history length = %d, want 0", got)
	}

	bus.SetLogging(true)
	bus.Publish(domain.NewEvent(domain.EventAttackStopped, 0))
	if got := bus.HistoryOf(domain.EventAttackStopped); len(got) != 1 {
		t.Fatalf("HistoryOf(ATTACK_STOPPED) length = %d, want 1", len(got))
	}
}

func TestSetMaxHistoryKeepsNewest(t *testing.T) {
	bus := New(WithHistory(5))
	for i := 1; i <= 7; i++ {
		bus.Publish(domain.NewEvent(domain.EventScoreUpdated, time.Duration(i)))
	}

	bus.SetMaxHistory(2)
	history := bus.History()
	if len(history) != 2 || history[0].Timestamp != 6 || history[1].Timestamp != 7 {
		t.Fatalf("history after shrink = %+v, want timestamps [6 7]", history)
	}
}

func TestHandlerMayPublishAndSubscribe(t *testing.T) {
	bus := New()
	nested := 0
	bus.Subscribe(domain.EventShuffleCompleted, func(domain.MtdEvent) {
		bus.Subscribe(domain.EventProxySwitched, func(domain.MtdEvent) { nested++ })
		bus.Publish(domain.NewEvent(domain.EventProxySwitched, 0))
	})

	bus.Publish(domain.NewEvent(domain.EventShuffleCompleted, 0))

	if nested != 1 {
		t.Fatalf("nested handler called %d times, want 1", nested)
	}
}

func TestRedisMirrorEnqueueEncodesAndDrops(t *testing.T) {
	mirror := NewRedisMirror(nil, "run-1", 10)
	bus := New()
	mirror.Attach(bus)

	bus.Publish(domain.NewEvent(domain.EventProxySwitched, 1500*time.Millisecond).With(domain.MetaUserID, "7"))

	payload := <-mirror.queue
	var decoded mirroredEvent
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal mirrored payload: %v", err)
	}
	if decoded.Type != "PROXY_SWITCHED" || decoded.Timestamp != 1500 || decoded.Metadata[domain.MetaUserID] != "7" {
		t.Fatalf("mirrored payload = %+v", decoded)
	}
	if mirror.Channel() != "mtdbench:events:run-1" {
		t.Fatalf("Channel() = %s", mirror.Channel())
	}

	for i := 0; i < mirrorQueueSize+3; i++ {
		bus.Publish(domain.NewEvent(domain.EventScoreUpdated, 0))
	}
	if mirror.Dropped() != 3 {
		t.Fatalf("Dropped() = %d, want 3", mirror.Dropped())
	}
}
