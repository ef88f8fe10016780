// Package realtime wraps a pub/sub connection and owns the lifecycle of the
// logical channels a client listens on.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/comigor/chatsync/internal/logger"
	"github.com/comigor/chatsync/internal/metrics"
)

// ChannelKind names the logical channel families.
type ChannelKind string

const (
	ChannelMessages      ChannelKind = "messages"
	ChannelConversations ChannelKind = "conversations"
	ChannelTyping        ChannelKind = "typing"
)

// Key identifies a logical channel. At most one live Subscription exists per
// Key on a Transport.
type Key struct {
	Kind     ChannelKind
	Scope    string // conversation id, or identity id for conversation upserts
	Identity string
}

// MessagesKey is the per-conversation message channel for an identity.
func MessagesKey(conversationID, identityID string) Key {
	return Key{Kind: ChannelMessages, Scope: conversationID, Identity: identityID}
}

// ConversationsKey is the per-identity conversation upsert channel.
func ConversationsKey(identityID string) Key {
	return Key{Kind: ChannelConversations, Scope: identityID, Identity: identityID}
}

// TypingKey is the per-conversation ephemeral typing channel.
func TypingKey(conversationID, identityID string) Key {
	return Key{Kind: ChannelTyping, Scope: conversationID, Identity: identityID}
}

// Topic is the broker topic the key listens on. Several identities share one
// topic; each gets its own logical subscription.
func (k Key) Topic() string {
	return string(k.Kind) + ":" + k.Scope
}

func (k Key) String() string {
	return k.Topic() + "@" + k.Identity
}

// Handlers receive raw records. Nil handlers ignore their event type.
type Handlers struct {
	OnInsert    func(json.RawMessage)
	OnUpdate    func(json.RawMessage)
	OnDelete    func(json.RawMessage)
	OnBroadcast func(json.RawMessage)
}

// Transport multiplexes logical channels over one Broker connection.
type Transport struct {
	broker Broker

	subMu sync.Mutex // serializes Subscribe so teardown-then-create is atomic per key
	mu    sync.Mutex
	live  map[Key]*Subscription
}

// NewTransport wraps broker.
func NewTransport(broker Broker) *Transport {
	return &Transport{broker: broker, live: make(map[Key]*Subscription)}
}

// Subscribe opens a logical channel. Any previous subscription for the same
// key is torn down first.
func (t *Transport) Subscribe(ctx context.Context, key Key, h Handlers) (*Subscription, error) {
	t.subMu.Lock()
	defer t.subMu.Unlock()

	t.mu.Lock()
	prev := t.live[key]
	t.mu.Unlock()
	if prev != nil {
		logger.L.Debug("replacing live subscription", "channel", key.String())
		prev.Unsubscribe()
	}

	sub := &Subscription{key: key, handlers: h, transport: t}
	cancel, err := t.broker.Subscribe(ctx, key.Topic(), sub.dispatch)
	if err != nil {
		metrics.SubscribeErrors.Inc()
		logger.L.Warn("realtime subscribe failed", "channel", key.String(), "error", err)
		return nil, fmt.Errorf("subscribe %s: %w", key, err)
	}
	sub.cancel = cancel

	t.mu.Lock()
	t.live[key] = sub
	t.mu.Unlock()
	metrics.SubscriptionsActive.Inc()
	logger.L.Debug("realtime subscribed", "channel", key.String())
	return sub, nil
}

// Publish sends an ephemeral event on topic.
func (t *Transport) Publish(ctx context.Context, ev Event) error {
	if ev.Topic == "" {
		return errors.New("realtime: publish without topic")
	}
	return t.broker.Publish(ctx, ev)
}

// Live returns the current subscription for key.
func (t *Transport) Live(key Key) (*Subscription, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.live[key]
	return s, ok
}

// Count returns the number of live subscriptions.
func (t *Transport) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}

// Close tears down every subscription and the broker connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	subs := make([]*Subscription, 0, len(t.live))
	for _, s := range t.live {
		subs = append(subs, s)
	}
	t.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
	return t.broker.Close()
}

func (t *Transport) forget(s *Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.live[s.key]; ok && cur == s {
		delete(t.live, s.key)
	}
}

// Subscription is the handle for one logical channel.
type Subscription struct {
	key       Key
	handlers  Handlers
	transport *Transport
	cancel    func()
	once      sync.Once
	closed    atomic.Bool
}

// Key returns the logical channel key.
func (s *Subscription) Key() Key { return s.key }

// Closed reports whether Unsubscribe has run.
func (s *Subscription) Closed() bool { return s.closed.Load() }

// Unsubscribe releases the channel. Safe to call more than once and on nil.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.closed.Store(true)
		if s.cancel != nil {
			s.cancel()
		}
		s.transport.forget(s)
		metrics.SubscriptionsActive.Dec()
		logger.L.Debug("realtime unsubscribed", "channel", s.key.String())
	})
}

func (s *Subscription) dispatch(ev Event) {
	if s.closed.Load() {
		return
	}
	h := s.handlers
	switch ev.Type {
	case EventInsert:
		if h.OnInsert != nil {
			h.OnInsert(ev.Record)
		}
	case EventUpdate:
		if h.OnUpdate != nil {
			h.OnUpdate(ev.Record)
		}
	case EventDelete:
		if h.OnDelete != nil {
			rec := ev.OldRecord
			if len(rec) == 0 {
				rec = ev.Record
			}
			h.OnDelete(rec)
		}
	case EventBroadcast:
		if h.OnBroadcast != nil {
			h.OnBroadcast(ev.Record)
		}
	default:
		metrics.RealtimeEvents.WithLabelValues(string(s.key.Kind), string(ev.Type), "invalid").Inc()
		logger.L.Debug("ignoring unknown realtime event", "channel", s.key.String(), "event", ev.Type)
	}
}
