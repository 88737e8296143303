package bus

import (
	"log"
	"sync"
)

// MemoryBus is an in-process pub/sub bus with MQTT wildcard matching.
// Used by tests and single-process development runs.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   []*memorySub
	closed bool
	logger *log.Logger
}

type memorySub struct {
	filter  string
	handler Handler
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		logger: log.New(log.Writer(), "[BUS] ", log.LstdFlags),
	}
}

// Publish delivers the message synchronously to every matching subscriber.
// Delivery order follows subscription order.
func (b *MemoryBus) Publish(topic string, payload []byte) error {
	b.mu.RLock()
	var matched []Handler
	for _, s := range b.subs {
		if MatchTopic(s.filter, topic) {
			matched = append(matched, s.handler)
		}
	}
	b.mu.RUnlock()

	msg := Message{Topic: topic, Payload: payload}
	for _, h := range matched {
		h(msg)
	}
	return nil
}

// Subscribe registers a handler for a topic filter.
func (b *MemoryBus) Subscribe(filter string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, &memorySub{filter: filter, handler: h})
	return nil
}

// Close drops all subscriptions.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = nil
	b.closed = true
	return nil
}
