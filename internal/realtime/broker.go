package realtime

import (
	"context"
	"encoding/json"
	"sync"
)

// EventType is the kind of change a realtime event carries.
type EventType string

const (
	EventInsert    EventType = "INSERT"
	EventUpdate    EventType = "UPDATE"
	EventDelete    EventType = "DELETE"
	EventBroadcast EventType = "BROADCAST"
)

// Event is one message on a topic. Record holds the new row; delete events
// may carry only OldRecord, often with nothing but the id.
type Event struct {
	Topic     string          `json:"topic"`
	Type      EventType       `json:"event"`
	Record    json.RawMessage `json:"record,omitempty"`
	OldRecord json.RawMessage `json:"old_record,omitempty"`
}

// Broker is a pub/sub connection multiplexing many topics. Implementations
// must allow several listeners per topic and deliver each event to all of them.
type Broker interface {
	Subscribe(ctx context.Context, topic string, deliver func(Event)) (unsubscribe func(), err error)
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// fanout tracks listeners per topic for a broker connection.
type fanout struct {
	mu     sync.RWMutex
	topics map[string]map[uint64]func(Event)
	next   uint64
}

func newFanout() *fanout {
	return &fanout{topics: make(map[string]map[uint64]func(Event))}
}

// add registers fn and reports whether it is the first listener on topic.
func (f *fanout) add(topic string, fn func(Event)) (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	ls := f.topics[topic]
	first := len(ls) == 0
	if ls == nil {
		ls = make(map[uint64]func(Event))
		f.topics[topic] = ls
	}
	ls[f.next] = fn
	return f.next, first
}

// remove drops a listener and reports whether the topic has none left.
func (f *fanout) remove(topic string, id uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	ls, ok := f.topics[topic]
	if !ok {
		return false
	}
	if _, ok := ls[id]; !ok {
		return false
	}
	delete(ls, id)
	if len(ls) == 0 {
		delete(f.topics, topic)
		return true
	}
	return false
}

func (f *fanout) deliver(ev Event) {
	f.mu.RLock()
	ls := make([]func(Event), 0, len(f.topics[ev.Topic]))
	for _, fn := range f.topics[ev.Topic] {
		ls = append(ls, fn)
	}
	f.mu.RUnlock()
	for _, fn := range ls {
		fn(ev)
	}
}

func (f *fanout) clear() {
	f.mu.Lock()
	f.topics = make(map[string]map[uint64]func(Event))
	f.mu.Unlock()
}

// MemoryBroker delivers published events synchronously inside the process.
type MemoryBroker struct {
	fan *fanout
}

// NewMemoryBroker creates an in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{fan: newFanout()}
}

func (b *MemoryBroker) Subscribe(_ context.Context, topic string, deliver func(Event)) (func(), error) {
	id, _ := b.fan.add(topic, deliver)
	return func() { b.fan.remove(topic, id) }, nil
}

func (b *MemoryBroker) Publish(_ context.Context, ev Event) error {
	b.fan.deliver(ev)
	return nil
}

func (b *MemoryBroker) Close() error {
	b.fan.clear()
	return nil
}

// Listeners returns the number of listeners on topic.
func (b *MemoryBroker) Listeners(topic string) int {
	b.fan.mu.RLock()
	defer b.fan.mu.RUnlock()
	return len(b.fan.topics[topic])
}
