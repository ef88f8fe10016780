// Package presence broadcasts and tracks typing indicators. Signals are
// ephemeral and never stored.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/comigor/chatsync/internal/chat"
	"github.com/comigor/chatsync/internal/logger"
	"github.com/comigor/chatsync/internal/realtime"
)

// Defaults for the sender idle timeout and the receiver auto-clear.
const (
	DefaultIdle  = 3 * time.Second
	DefaultClear = 5 * time.Second
)

// Publisher sends an ephemeral event.
type Publisher interface {
	Publish(ctx context.Context, ev realtime.Event) error
}

// ParseSignal decodes a typing broadcast payload.
func ParseSignal(raw json.RawMessage) (chat.TypingSignal, error) {
	var sig chat.TypingSignal
	if err := json.Unmarshal(raw, &sig); err != nil {
		return sig, fmt.Errorf("decode typing signal: %w", err)
	}
	if sig.SignalerID == "" {
		return sig, fmt.Errorf("decode typing signal: missing signaler")
	}
	return sig, nil
}

// Sender emits this identity's typing state for one conversation.
type Sender struct {
	pub            Publisher
	topic          string
	conversationID string
	self           chat.Identity
	idle           time.Duration
	clock          Clock

	mu     sync.Mutex
	typing bool
	timer  Timer
	gen    uint64
	closed bool
}

// NewSender creates a Sender publishing on the conversation's typing topic.
func NewSender(pub Publisher, conversationID string, self chat.Identity, idle time.Duration, clock Clock) *Sender {
	if idle <= 0 {
		idle = DefaultIdle
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Sender{
		pub:            pub,
		topic:          realtime.TypingKey(conversationID, self.ID).Topic(),
		conversationID: conversationID,
		self:           self,
		idle:           idle,
		clock:          clock,
	}
}

// Keystroke reports input. The first keystroke after idle emits "started";
// every keystroke pushes the automatic "stopped" further out.
func (s *Sender) Keystroke(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return chat.ErrClosed
	}

	var err error
	if !s.typing {
		s.typing = true
		err = s.emitLocked(ctx, true)
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = s.clock.AfterFunc(s.idle, func() { s.expire(gen) })
	return err
}

// Sent stops the indicator immediately.
func (s *Sender) Sent(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked(ctx)
}

// Close stops the indicator and disables the sender.
func (s *Sender) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	err := s.stopLocked(ctx)
	s.closed = true
	return err
}

// Typing reports whether "started" has been emitted without a matching stop.
func (s *Sender) Typing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typing
}

func (s *Sender) expire(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.closed {
		return
	}
	if err := s.stopLocked(context.Background()); err != nil {
		logger.L.Warn("typing stop failed", "conversation", s.conversationID, "error", err)
	}
}

func (s *Sender) stopLocked(ctx context.Context) error {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	if !s.typing {
		return nil
	}
	s.typing = false
	return s.emitLocked(ctx, false)
}

func (s *Sender) emitLocked(ctx context.Context, typing bool) error {
	rec, err := json.Marshal(chat.TypingSignal{
		ConversationID: s.conversationID,
		SignalerID:     s.self.ID,
		SignalerKind:   s.self.Kind,
		IsTyping:       typing,
		DisplayName:    s.self.DisplayName,
		EmittedAt:      s.clock.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return s.pub.Publish(ctx, realtime.Event{Topic: s.topic, Type: realtime.EventBroadcast, Record: rec})
}

// Typer is a remote participant currently typing.
type Typer struct {
	ID          string
	Kind        chat.IdentityKind
	DisplayName string
	Since       time.Time
}

type typerEntry struct {
	typer Typer
	timer Timer
	gen   uint64
}

// Receiver tracks who else is typing in one conversation.
type Receiver struct {
	self           chat.Identity
	conversationID string
	clearAfter     time.Duration
	clock          Clock
	onChange       func()

	mu     sync.Mutex
	typers map[string]*typerEntry
	gen    uint64
}

// NewReceiver creates a Receiver. onChange may be nil.
func NewReceiver(conversationID string, self chat.Identity, clearAfter time.Duration, clock Clock, onChange func()) *Receiver {
	if clearAfter <= 0 {
		clearAfter = DefaultClear
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if onChange == nil {
		onChange = func() {}
	}
	return &Receiver{
		self:           self,
		conversationID: conversationID,
		clearAfter:     clearAfter,
		clock:          clock,
		onChange:       onChange,
		typers:         make(map[string]*typerEntry),
	}
}

// Handle applies a signal. Signals from this identity or for another
// conversation are ignored. A "typing" signal (re)starts the auto-clear
// timer; "stopped" clears at once.
func (r *Receiver) Handle(sig chat.TypingSignal) {
	if sig.SignalerID == "" || sig.SignalerID == r.self.ID {
		return
	}
	if sig.ConversationID != "" && sig.ConversationID != r.conversationID {
		return
	}
	key := string(sig.SignalerKind) + ":" + sig.SignalerID

	r.mu.Lock()
	changed := false
	e, ok := r.typers[key]
	if ok {
		e.timer.Stop()
	}
	if sig.IsTyping {
		r.gen++
		gen := r.gen
		since := r.clock.Now()
		if ok {
			since = e.typer.Since
		}
		r.typers[key] = &typerEntry{
			typer: Typer{ID: sig.SignalerID, Kind: sig.SignalerKind, DisplayName: sig.DisplayName, Since: since},
			timer: r.clock.AfterFunc(r.clearAfter, func() { r.expire(key, gen) }),
			gen:   gen,
		}
		changed = !ok
	} else if ok {
		delete(r.typers, key)
		changed = true
	}
	r.mu.Unlock()

	if changed {
		r.onChange()
	}
}

// Typing returns the participants currently typing, earliest first.
func (r *Receiver) Typing() []Typer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Typer, 0, len(r.typers))
	for _, e := range r.typers {
		out = append(out, e.typer)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Since.Equal(out[j].Since) {
			return out[i].ID < out[j].ID
		}
		return out[i].Since.Before(out[j].Since)
	})
	return out
}

// Clear drops every indicator.
func (r *Receiver) Clear() {
	r.mu.Lock()
	n := len(r.typers)
	for k, e := range r.typers {
		e.timer.Stop()
		delete(r.typers, k)
	}
	r.mu.Unlock()
	if n > 0 {
		r.onChange()
	}
}

func (r *Receiver) expire(key string, gen uint64) {
	r.mu.Lock()
	e, ok := r.typers[key]
	if !ok || e.gen != gen {
		r.mu.Unlock()
		return
	}
	delete(r.typers, key)
	r.mu.Unlock()
	r.onChange()
}
