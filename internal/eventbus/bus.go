// Package eventbus delivers MtdEvents synchronously to registered handlers.
package eventbus

import (
	"sync"

	"github.com/charmbracelet/log"

	"mtdbench/internal/domain"
)

const DefaultMaxHistory = 10000

type Handler func(domain.MtdEvent)

type SubscriptionID uint64

// Publisher is what components hold when they only emit events.
type Publisher interface {
	Publish(event domain.MtdEvent)
}

// Broker is a Publisher that also takes subscriptions. *Bus satisfies it.
type Broker interface {
	Publisher
	Subscribe(eventType domain.EventType, handler Handler) SubscriptionID
	Unsubscribe(id SubscriptionID)
}

type subscription struct {
	id      SubscriptionID
	handler Handler
}

// Bus guards its tables with a mutex but never holds it while a handler runs, so
// handlers may publish, subscribe or unsubscribe.
type Bus struct {
	mu         sync.Mutex
	nextID     SubscriptionID
	byType     map[domain.EventType][]subscription
	global     []subscription
	index      map[SubscriptionID]domain.EventType
	isGlobal   map[SubscriptionID]bool
	logging    bool
	maxHistory int
	history    []domain.MtdEvent
	head       int
	published  uint64
}

type Option func(*Bus)

func WithHistory(maxHistory int) Option {
	return func(b *Bus) {
		b.logging = true
		if maxHistory > 0 {
			b.maxHistory = maxHistory
		}
	}
}

func New(opts ...Option) *Bus {
	b := &Bus{
		byType:     make(map[domain.EventType][]subscription),
		index:      make(map[SubscriptionID]domain.EventType),
		isGlobal:   make(map[SubscriptionID]bool),
		maxHistory: DefaultMaxHistory,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) Subscribe(eventType domain.EventType, handler Handler) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.byType[eventType] = append(b.byType[eventType], subscription{id: id, handler: handler})
	b.index[id] = eventType
	return id
}

func (b *Bus) SubscribeAll(handler Handler) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.global = append(b.global, subscription{id: id, handler: handler})
	b.isGlobal[id] = true
	return id
}

// Unsubscribe is a no-op for unknown ids.
func (b *Bus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isGlobal[id] {
		b.global = without(b.global, id)
		delete(b.isGlobal, id)
		return
	}

	eventType, ok := b.index[id]
	if !ok {
		return
	}
	b.byType[eventType] = without(b.byType[eventType], id)
	if len(b.byType[eventType]) == 0 {
		delete(b.byType, eventType)
	}
	delete(b.index, id)
}

func without(subs []subscription, id SubscriptionID) []subscription {
	out := make([]subscription, 0, len(subs))
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// Publish records the event (when history is on) and calls every matching
// handler in registration order before returning.
func (b *Bus) Publish(event domain.MtdEvent) {
	b.mu.Lock()
	b.published++
	if b.logging {
		b.record(event)
	}
	targets := mergeByRegistration(b.byType[event.Type], b.global)
	b.mu.Unlock()

	log.Debug("event published", "type", event.Type, "at", event.Timestamp, "handlers", len(targets))

	for _, h := range targets {
		h(event)
	}
}

// mergeByRegistration interleaves type-specific and subscribe-all handlers by id,
// which is their registration order.
func mergeByRegistration(typed, global []subscription) []Handler {
	out := make([]Handler, 0, len(typed)+len(global))
	i, j := 0, 0
	for i < len(typed) || j < len(global) {
		switch {
		case j == len(global) || (i < len(typed) && typed[i].id < global[j].id):
			out = append(out, typed[i].handler)
			i++
		default:
			out = append(out, global[j].handler)
			j++
		}
	}
	return out
}

func (b *Bus) record(event domain.MtdEvent) {
	if len(b.history) < b.maxHistory {
		b.history = append(b.history, event)
		return
	}
	b.history[b.head] = event
	b.head = (b.head + 1) % len(b.history)
}

func (b *Bus) SetLogging(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logging = enabled
}

func (b *Bus) LoggingEnabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.logging
}

// SetMaxHistory resizes the ring, keeping the newest events.
func (b *Bus) SetMaxHistory(maxHistory int) {
	if maxHistory <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	ordered := b.orderedHistory()
	if len(ordered) > maxHistory {
		ordered = ordered[len(ordered)-maxHistory:]
	}
	b.history = ordered
	b.head = 0
	b.maxHistory = maxHistory
}

// History returns retained events oldest first.
func (b *Bus) History() []domain.MtdEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.orderedHistory()
}

// HistoryOf returns retained events of one type, oldest first.
func (b *Bus) HistoryOf(eventType domain.EventType) []domain.MtdEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []domain.MtdEvent
	for _, ev := range b.orderedHistory() {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (b *Bus) orderedHistory() []domain.MtdEvent {
	out := make([]domain.MtdEvent, 0, len(b.history))
	out = append(out, b.history[b.head:]...)
	out = append(out, b.history[:b.head]...)
	return out
}

func (b *Bus) ClearHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = nil
	b.head = 0
}

func (b *Bus) ClearSubscriptions() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byType = make(map[domain.EventType][]subscription)
	b.global = nil
	b.index = make(map[SubscriptionID]domain.EventType)
	b.isGlobal = make(map[SubscriptionID]bool)
}

func (b *Bus) SubscriberCount(eventType domain.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byType[eventType]) + len(b.global)
}

func (b *Bus) Published() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published
}

// Counts returns how many retained events exist per type.
func (b *Bus) Counts() map[domain.EventType]int {
	b.mu.Lock()
	defer b.mu.Unlock()

	counts := make(map[domain.EventType]int)
	for _, ev := range b.history {
		counts[ev.Type]++
	}
	return counts
}
