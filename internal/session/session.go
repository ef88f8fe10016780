// Package session keeps one open conversation in sync for the acting
// identity: history pages, live events, typing and mutations.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/qmuntal/stateless"
	"golang.org/x/sync/errgroup"

	"github.com/comigor/chatsync/internal/cache"
	"github.com/comigor/chatsync/internal/chat"
	"github.com/comigor/chatsync/internal/identity"
	"github.com/comigor/chatsync/internal/logger"
	"github.com/comigor/chatsync/internal/metrics"
	"github.com/comigor/chatsync/internal/mutation"
	"github.com/comigor/chatsync/internal/presence"
	"github.com/comigor/chatsync/internal/realtime"
)

// FSM States
type State string

const (
	StateIdle     State = "Idle"
	StateLoading  State = "Loading"
	StateActive   State = "Active"
	StateRejected State = "Rejected" // identity is not a participant
	StateClosed   State = "Closed"   // terminal
)

// FSM Triggers
type Trigger string

const (
	TriggerOpen            Trigger = "Open"
	TriggerLoaded          Trigger = "Loaded"
	TriggerLoadFailed      Trigger = "LoadFailed"
	TriggerIdentityChanged Trigger = "IdentityChanged"
	TriggerReject          Trigger = "Reject"
	TriggerClose           Trigger = "Close"
)

// API is the backend surface a session needs.
type API interface {
	mutation.MessageAPI
	GetConversation(ctx context.Context, as chat.Identity, id string) (chat.Conversation, error)
	ListMessages(ctx context.Context, as chat.Identity, conversationID string, page, limit int) (chat.Page[chat.Message], error)
}

// Navigator is the UI surface told to leave a conversation the identity may
// not see.
type Navigator interface {
	Alert(msg string)
	NavigateAway()
}

// Options configures a Session.
type Options struct {
	PageSize    int
	TypingIdle  time.Duration
	TypingClear time.Duration
	Clock       presence.Clock
	// OnChange is called after every applied change. It must not call back
	// into the session synchronously with a lock held elsewhere.
	OnChange func()
}

// ticket tags async work with the (conversation, identity) pair it was
// started for. Results whose epoch is no longer current are dropped.
type ticket struct {
	epoch          uint64
	conversationID string
	as             chat.Identity
}

// Session is one open conversation.
type Session struct {
	api       API
	transport *realtime.Transport
	nav       Navigator
	opts      Options

	fsm   *stateless.StateMachine
	fsmMu sync.Mutex

	mu       sync.Mutex
	ticket   ticket
	conv     chat.Conversation
	cache    *cache.PageSet[chat.Message]
	msgSub   *realtime.Subscription
	typeSub  *realtime.Subscription
	pipeline *mutation.Pipeline
	sender   *presence.Sender
	receiver *presence.Receiver
	alert    string // set on entry to StateRejected, delivered after the transition
}

// New creates an idle Session.
func New(a API, transport *realtime.Transport, nav Navigator, opts Options) *Session {
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	if opts.OnChange == nil {
		opts.OnChange = func() {}
	}
	if opts.Clock == nil {
		opts.Clock = presence.SystemClock{}
	}
	s := &Session{
		api:       a,
		transport: transport,
		nav:       nav,
		opts:      opts,
		cache:     cache.New(chat.MessageOlder, cache.WithMerge(chat.MergeMessage)),
	}
	s.fsm = s.newFSM()
	return s
}

func (s *Session) newFSM() *stateless.StateMachine {
	fsm := stateless.NewStateMachineWithMode(StateIdle, stateless.FiringImmediate)

	fsm.Configure(StateIdle).
		Permit(TriggerOpen, StateLoading).
		Permit(TriggerClose, StateClosed).
		Ignore(TriggerLoaded).
		Ignore(TriggerLoadFailed).
		Ignore(TriggerIdentityChanged).
		Ignore(TriggerReject)

	fsm.Configure(StateLoading).
		PermitReentry(TriggerOpen).
		PermitReentry(TriggerIdentityChanged).
		Permit(TriggerLoaded, StateActive).
		Permit(TriggerLoadFailed, StateIdle).
		Permit(TriggerReject, StateRejected).
		Permit(TriggerClose, StateClosed)

	fsm.Configure(StateActive).
		Permit(TriggerOpen, StateLoading).
		Permit(TriggerIdentityChanged, StateLoading).
		Permit(TriggerReject, StateRejected).
		Permit(TriggerClose, StateClosed).
		Ignore(TriggerLoaded).
		Ignore(TriggerLoadFailed)

	fsm.Configure(StateRejected).
		OnEntry(func(ctx context.Context, args ...any) error {
			msg := chat.ErrNotParticipant.Error()
			if len(args) > 0 {
				if m, ok := args[0].(string); ok {
					msg = m
				}
			}
			metrics.IdentityRejections.Inc()
			s.mu.Lock()
			s.alert = msg
			s.mu.Unlock()
			return nil
		}).
		Permit(TriggerOpen, StateLoading).
		Permit(TriggerClose, StateClosed).
		Ignore(TriggerLoaded).
		Ignore(TriggerLoadFailed).
		Ignore(TriggerIdentityChanged).
		Ignore(TriggerReject)

	fsm.Configure(StateClosed).
		OnEntry(func(ctx context.Context, args ...any) error {
			s.mu.Lock()
			s.ticket.epoch++
			s.mu.Unlock()
			return nil
		}).
		Ignore(TriggerOpen).
		Ignore(TriggerLoaded).
		Ignore(TriggerLoadFailed).
		Ignore(TriggerIdentityChanged).
		Ignore(TriggerReject).
		Ignore(TriggerClose)

	fsm.OnTransitioned(func(_ context.Context, tr stateless.Transition) {
		logger.L.Debug("session transition", "from", tr.Source, "to", tr.Destination, "trigger", tr.Trigger)
	})
	return fsm
}

func (s *Session) fire(ctx context.Context, trigger Trigger, args ...any) error {
	s.fsmMu.Lock()
	defer s.fsmMu.Unlock()
	return s.fsm.FireCtx(ctx, trigger, args...)
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.fsmMu.Lock()
	defer s.fsmMu.Unlock()
	return s.fsm.MustState().(State)
}

// Open loads conversationID as id and starts live sync. If id is not an
// active participant the navigator is alerted and ErrNotParticipant is
// returned.
func (s *Session) Open(ctx context.Context, conversationID string, id chat.Identity) error {
	if s.State() == StateClosed {
		return chat.ErrClosed
	}
	if id.IsZero() || conversationID == "" {
		return fmt.Errorf("open conversation: %w", chat.ErrInvalidIdentifier)
	}

	t := s.begin(ctx, conversationID, id, true)
	if err := s.fire(ctx, TriggerOpen); err != nil {
		return err
	}
	return s.load(ctx, t)
}

// SwitchIdentity changes the acting identity of the open conversation. A
// non-participant identity tears the conversation down and navigates away.
func (s *Session) SwitchIdentity(ctx context.Context, id chat.Identity) error {
	if s.State() == StateClosed {
		return chat.ErrClosed
	}
	s.mu.Lock()
	cur := s.ticket
	conv := s.conv
	s.mu.Unlock()
	if cur.conversationID == "" || cur.as.Same(id) {
		return nil
	}
	if s.State() == StateRejected {
		return nil
	}

	t := s.begin(ctx, cur.conversationID, id, false)
	if conv.ID != "" && !identity.Validate(conv, id) {
		s.reject(ctx, t)
		return chat.ErrNotParticipant
	}
	trigger := TriggerIdentityChanged
	if s.State() == StateIdle {
		trigger = TriggerOpen
	}
	if err := s.fire(ctx, trigger); err != nil {
		return err
	}
	return s.load(ctx, t)
}

// begin makes a new ticket current and drops everything bound to the old
// one: subscriptions first, then the per-pair helpers and the cache.
func (s *Session) begin(ctx context.Context, conversationID string, id chat.Identity, resetConv bool) ticket {
	s.teardown(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticket = ticket{epoch: s.ticket.epoch + 1, conversationID: conversationID, as: id}
	s.cache.Reset()
	if resetConv || s.conv.ID != conversationID {
		s.conv = chat.Conversation{}
	}
	return s.ticket
}

// teardown releases subscriptions and per-pair helpers.
func (s *Session) teardown(ctx context.Context) {
	s.mu.Lock()
	msgSub, typeSub := s.msgSub, s.typeSub
	pipeline, sender, receiver := s.pipeline, s.sender, s.receiver
	s.msgSub, s.typeSub = nil, nil
	s.pipeline, s.sender, s.receiver = nil, nil, nil
	s.mu.Unlock()

	if sender != nil {
		if err := sender.Close(ctx); err != nil {
			logger.L.Warn("typing stop failed", "error", err)
		}
	}
	msgSub.Unsubscribe()
	typeSub.Unsubscribe()
	if pipeline != nil {
		pipeline.Close()
	}
	if receiver != nil {
		receiver.Clear()
	}
}

func (s *Session) current(t ticket) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticket.epoch == t.epoch
}

func stale(op string) error {
	metrics.StaleResultsDiscarded.WithLabelValues(op).Inc()
	return chat.ErrStale
}

// load fetches the conversation and its newest page in parallel, validates
// membership and subscribes. Every step re-checks the ticket.
func (s *Session) load(ctx context.Context, t ticket) error {
	log := logger.L.With("conversation", t.conversationID, "identity", t.as.String())

	var (
		conv chat.Conversation
		page chat.Page[chat.Message]
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		conv, err = s.api.GetConversation(gctx, t.as, t.conversationID)
		return err
	})
	g.Go(func() error {
		var err error
		page, err = s.api.ListMessages(gctx, t.as, t.conversationID, 1, s.opts.PageSize)
		return err
	})
	err := g.Wait()
	if !s.current(t) {
		log.Debug("discarding stale load")
		return stale("load")
	}
	if err != nil {
		if errors.Is(err, chat.ErrPermissionDenied) {
			s.reject(ctx, t)
			return fmt.Errorf("load conversation: %w", errors.Join(chat.ErrNotParticipant, err))
		}
		log.Warn("conversation load failed", "error", err)
		if fireErr := s.fire(ctx, TriggerLoadFailed); fireErr != nil {
			log.Error("session transition failed", "error", fireErr)
		}
		return fmt.Errorf("load conversation: %w", err)
	}

	if !identity.Validate(conv, t.as) {
		s.mu.Lock()
		if s.ticket.epoch == t.epoch {
			s.conv = conv
		}
		s.mu.Unlock()
		s.reject(ctx, t)
		return chat.ErrNotParticipant
	}

	h := realtime.Hydrator{Self: t.as, Participants: conv.Participants}
	for i := range page.Items {
		h.Hydrate(&page.Items[i])
	}

	s.mu.Lock()
	if s.ticket.epoch != t.epoch {
		s.mu.Unlock()
		return stale("load")
	}
	s.conv = conv
	s.cache.SetPage(page)
	s.pipeline = mutation.New(s.api, s.cache, t.conversationID, t.as, s.opts.OnChange)
	s.sender = presence.NewSender(s.transport, t.conversationID, t.as, s.opts.TypingIdle, s.opts.Clock)
	s.receiver = presence.NewReceiver(t.conversationID, t.as, s.opts.TypingClear, s.opts.Clock, s.opts.OnChange)
	s.mu.Unlock()

	// subscription failures are logged by the transport and leave the
	// session usable without live updates
	msgSub, _ := s.transport.Subscribe(ctx, realtime.MessagesKey(t.conversationID, t.as.ID), realtime.Handlers{
		OnInsert: s.messageHandler(t, realtime.EventInsert),
		OnUpdate: s.messageHandler(t, realtime.EventUpdate),
		OnDelete: s.messageHandler(t, realtime.EventDelete),
	})
	typeSub, _ := s.transport.Subscribe(ctx, realtime.TypingKey(t.conversationID, t.as.ID), realtime.Handlers{
		OnBroadcast: s.typingHandler(t),
	})

	s.mu.Lock()
	if s.ticket.epoch != t.epoch {
		s.mu.Unlock()
		msgSub.Unsubscribe()
		typeSub.Unsubscribe()
		return stale("subscribe")
	}
	s.msgSub, s.typeSub = msgSub, typeSub
	s.mu.Unlock()

	if err := s.fire(ctx, TriggerLoaded); err != nil {
		return err
	}
	log.Info("conversation open", "messages", page.Number, "total_pages", page.TotalPages)
	s.opts.OnChange()
	return nil
}

// reject tears the conversation down for t and alerts once.
func (s *Session) reject(ctx context.Context, t ticket) {
	if !s.current(t) {
		return
	}
	s.teardown(ctx)
	s.mu.Lock()
	s.cache.Reset()
	name := s.conv.Name
	s.mu.Unlock()

	msg := fmt.Sprintf("%s is not a participant of this conversation", displayName(t.as))
	if name != "" {
		msg = fmt.Sprintf("%s is not a participant of %q", displayName(t.as), name)
	}
	logger.L.Warn("identity rejected", "conversation", t.conversationID, "identity", t.as.String())
	if err := s.fire(ctx, TriggerReject, msg); err != nil {
		logger.L.Error("session transition failed", "error", err)
	}

	s.mu.Lock()
	alert := s.alert
	s.alert = ""
	s.mu.Unlock()
	if alert != "" && s.nav != nil {
		s.nav.Alert(alert)
		s.nav.NavigateAway()
	}
	s.opts.OnChange()
}

func displayName(id chat.Identity) string {
	if id.DisplayName != "" {
		return id.DisplayName
	}
	return id.String()
}

func (s *Session) messageHandler(t ticket, ev realtime.EventType) func(json.RawMessage) {
	channel := string(realtime.ChannelMessages)
	return func(raw json.RawMessage) {
		var msg chat.Message
		if err := json.Unmarshal(raw, &msg); err != nil || msg.ID == "" {
			metrics.RealtimeEvents.WithLabelValues(channel, string(ev), "invalid").Inc()
			logger.L.Debug("dropping undecodable message event", "event", ev, "error", err)
			return
		}

		s.mu.Lock()
		if s.ticket.epoch != t.epoch {
			s.mu.Unlock()
			metrics.RealtimeEvents.WithLabelValues(channel, string(ev), "stale").Inc()
			logger.L.Debug("dropping stale message event", "message", msg.ID)
			return
		}
		if !identity.Admits(s.conv, t.as, msg.ConversationID) {
			s.mu.Unlock()
			metrics.RealtimeEvents.WithLabelValues(channel, string(ev), "foreign").Inc()
			logger.L.Debug("dropping foreign message event", "message", msg.ID, "conversation", msg.ConversationID)
			return
		}
		h := realtime.Hydrator{Self: t.as, Participants: s.conv.Participants}
		var changed bool
		switch ev {
		case realtime.EventInsert:
			h.Hydrate(&msg)
			changed = s.cache.Insert(msg)
		case realtime.EventUpdate:
			h.Hydrate(&msg)
			changed = s.cache.Update(msg)
		case realtime.EventDelete:
			_, _, changed = s.cache.Delete(msg.ID)
		}
		s.mu.Unlock()

		metrics.RealtimeEvents.WithLabelValues(channel, string(ev), "applied").Inc()
		if changed {
			s.opts.OnChange()
		}
	}
}

func (s *Session) typingHandler(t ticket) func(json.RawMessage) {
	channel := string(realtime.ChannelTyping)
	ev := string(realtime.EventBroadcast)
	return func(raw json.RawMessage) {
		sig, err := presence.ParseSignal(raw)
		if err != nil {
			metrics.RealtimeEvents.WithLabelValues(channel, ev, "invalid").Inc()
			return
		}
		s.mu.Lock()
		if s.ticket.epoch != t.epoch || s.receiver == nil {
			s.mu.Unlock()
			metrics.RealtimeEvents.WithLabelValues(channel, ev, "stale").Inc()
			return
		}
		if !identity.Admits(s.conv, t.as, sig.ConversationID) {
			s.mu.Unlock()
			metrics.RealtimeEvents.WithLabelValues(channel, ev, "foreign").Inc()
			return
		}
		receiver := s.receiver
		s.mu.Unlock()

		metrics.RealtimeEvents.WithLabelValues(channel, ev, "applied").Inc()
		receiver.Handle(sig)
	}
}

// LoadOlder fetches the next older page. It reports whether more remain.
func (s *Session) LoadOlder(ctx context.Context) (bool, error) {
	if s.State() != StateActive {
		return false, chat.ErrStale
	}
	s.mu.Lock()
	t := s.ticket
	next, ok := s.cache.NextPage()
	s.mu.Unlock()
	if !ok {
		return false, nil
	}

	page, err := s.api.ListMessages(ctx, t.as, t.conversationID, next, s.opts.PageSize)
	if err != nil {
		if !s.current(t) {
			return false, stale("load_older")
		}
		return false, fmt.Errorf("load page %d: %w", next, err)
	}

	s.mu.Lock()
	if s.ticket.epoch != t.epoch {
		s.mu.Unlock()
		return false, stale("load_older")
	}
	h := realtime.Hydrator{Self: t.as, Participants: s.conv.Participants}
	for i := range page.Items {
		h.Hydrate(&page.Items[i])
	}
	s.cache.SetPage(page)
	_, more := s.cache.NextPage()
	s.mu.Unlock()

	s.opts.OnChange()
	return more, nil
}

// Close stops live sync, emits a final typing stop and clears remote
// typers. The session cannot be reopened.
func (s *Session) Close() error {
	ctx := context.Background()
	if err := s.fire(ctx, TriggerClose); err != nil {
		return err
	}
	s.teardown(ctx)
	return nil
}

// Messages returns the merged history, oldest first.
func (s *Session) Messages() []chat.Message {
	return s.cache.Items()
}

// Conversation returns the loaded conversation.
func (s *Session) Conversation() chat.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv
}

// Identity returns the acting identity.
func (s *Session) Identity() chat.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticket.as
}

// Typing returns the remote participants currently typing.
func (s *Session) Typing() []presence.Typer {
	s.mu.Lock()
	r := s.receiver
	s.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.Typing()
}

func (s *Session) active() (*mutation.Pipeline, *presence.Sender, error) {
	switch s.State() {
	case StateClosed:
		return nil, nil, chat.ErrClosed
	case StateActive:
	default:
		return nil, nil, chat.ErrStale
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pipeline == nil {
		return nil, nil, chat.ErrStale
	}
	return s.pipeline, s.sender, nil
}

// SetText updates the compose text and counts as a keystroke.
func (s *Session) SetText(ctx context.Context, text string) error {
	p, _, err := s.active()
	if err != nil {
		return err
	}
	p.SetText(text)
	return s.Keystroke(ctx)
}

// SetReplyTo sets the message being replied to.
func (s *Session) SetReplyTo(id string) error {
	p, _, err := s.active()
	if err != nil {
		return err
	}
	p.SetReplyTo(id)
	return nil
}

// Compose returns the current compose state.
func (s *Session) Compose() mutation.Compose {
	p, _, err := s.active()
	if err != nil {
		return mutation.Compose{}
	}
	return p.Compose()
}

// Send submits the compose state and stops the typing indicator.
func (s *Session) Send(ctx context.Context) (chat.Message, error) {
	p, sender, err := s.active()
	if err != nil {
		return chat.Message{}, err
	}
	if err := sender.Sent(ctx); err != nil {
		logger.L.Warn("typing stop failed", "error", err)
	}
	return p.Send(ctx)
}

// Edit replaces a message's text.
func (s *Session) Edit(ctx context.Context, id, content string) error {
	p, _, err := s.active()
	if err != nil {
		return err
	}
	return p.Edit(ctx, id, content)
}

// Delete removes a message after confirmation.
func (s *Session) Delete(ctx context.Context, id string, confirm mutation.Confirmer) error {
	p, _, err := s.active()
	if err != nil {
		return err
	}
	return p.Delete(ctx, id, confirm)
}

// MarkRead marks the conversation read once per open.
func (s *Session) MarkRead(ctx context.Context) error {
	p, _, err := s.active()
	if err != nil {
		return err
	}
	return p.MarkRead(ctx)
}

// Keystroke drives the outgoing typing indicator.
func (s *Session) Keystroke(ctx context.Context) error {
	_, sender, err := s.active()
	if err != nil {
		return err
	}
	return sender.Keystroke(ctx)
}
