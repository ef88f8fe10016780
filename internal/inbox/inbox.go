// Package inbox keeps the acting identity's conversation list in sync.
package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/qmuntal/stateless"

	"github.com/comigor/chatsync/internal/cache"
	"github.com/comigor/chatsync/internal/chat"
	"github.com/comigor/chatsync/internal/identity"
	"github.com/comigor/chatsync/internal/logger"
	"github.com/comigor/chatsync/internal/metrics"
	"github.com/comigor/chatsync/internal/realtime"
)

type State string

const (
	StateIdle   State = "Idle"
	StateLive   State = "Live"
	StateClosed State = "Closed"
)

type Trigger string

const (
	TriggerStart Trigger = "Start"
	TriggerClose Trigger = "Close"
)

// API lists conversations for an identity.
type API interface {
	ListConversations(ctx context.Context, as chat.Identity, page, limit int) (chat.Page[chat.Conversation], error)
}

// Inbox is the paginated conversation list of one identity at a time.
type Inbox struct {
	api       API
	transport *realtime.Transport
	pageSize  int
	onChange  func()

	fsm   *stateless.StateMachine
	fsmMu sync.Mutex

	mu    sync.Mutex
	epoch uint64
	as    chat.Identity
	cache *cache.PageSet[chat.Conversation]
	sub   *realtime.Subscription
}

// New creates an idle Inbox. onChange may be nil.
func New(a API, transport *realtime.Transport, pageSize int, onChange func()) *Inbox {
	if pageSize <= 0 {
		pageSize = 20
	}
	if onChange == nil {
		onChange = func() {}
	}
	in := &Inbox{
		api:       a,
		transport: transport,
		pageSize:  pageSize,
		onChange:  onChange,
		cache:     cache.New(chat.ConversationOlder),
	}

	in.fsm = stateless.NewStateMachineWithMode(StateIdle, stateless.FiringImmediate)
	in.fsm.Configure(StateIdle).
		Permit(TriggerStart, StateLive).
		Permit(TriggerClose, StateClosed)
	in.fsm.Configure(StateLive).
		PermitReentry(TriggerStart).
		Permit(TriggerClose, StateClosed)
	in.fsm.Configure(StateClosed).
		Ignore(TriggerStart).
		Ignore(TriggerClose)
	return in
}

// State returns the lifecycle state.
func (in *Inbox) State() State {
	in.fsmMu.Lock()
	defer in.fsmMu.Unlock()
	return in.fsm.MustState().(State)
}

func (in *Inbox) fire(ctx context.Context, trigger Trigger) error {
	in.fsmMu.Lock()
	defer in.fsmMu.Unlock()
	return in.fsm.FireCtx(ctx, trigger)
}

// Start subscribes to id's conversation channel and loads the newest page.
func (in *Inbox) Start(ctx context.Context, id chat.Identity) error {
	if in.State() == StateClosed {
		return chat.ErrClosed
	}
	if id.IsZero() {
		return fmt.Errorf("start inbox: %w", chat.ErrInvalidIdentifier)
	}

	in.mu.Lock()
	prev := in.sub
	in.sub = nil
	in.epoch++
	epoch := in.epoch
	in.as = id
	in.cache.Reset()
	in.mu.Unlock()
	prev.Unsubscribe()

	if err := in.fire(ctx, TriggerStart); err != nil {
		return err
	}

	// a failed subscribe is logged by the transport; the list still loads
	sub, _ := in.transport.Subscribe(ctx, realtime.ConversationsKey(id.ID), realtime.Handlers{
		OnInsert: in.upsertHandler(epoch, id, realtime.EventInsert),
		OnUpdate: in.upsertHandler(epoch, id, realtime.EventUpdate),
		OnDelete: in.deleteHandler(epoch),
	})
	in.mu.Lock()
	if in.epoch != epoch {
		in.mu.Unlock()
		sub.Unsubscribe()
		return chat.ErrStale
	}
	in.sub = sub
	in.mu.Unlock()

	in.onChange()
	return in.LoadPage(ctx, 1)
}

// SwitchIdentity restarts the inbox for id.
func (in *Inbox) SwitchIdentity(ctx context.Context, id chat.Identity) error {
	in.mu.Lock()
	same := in.as.Same(id)
	in.mu.Unlock()
	if same && in.State() == StateLive {
		return nil
	}
	return in.Start(ctx, id)
}

// LoadPage fetches page n. Conversations the identity is not an active
// participant of are dropped.
func (in *Inbox) LoadPage(ctx context.Context, n int) error {
	if in.State() != StateLive {
		return chat.ErrStale
	}
	in.mu.Lock()
	epoch, as := in.epoch, in.as
	in.mu.Unlock()

	page, err := in.api.ListConversations(ctx, as, n, in.pageSize)
	if err != nil {
		return fmt.Errorf("load conversations page %d: %w", n, err)
	}
	page.Items = slices.DeleteFunc(page.Items, func(c chat.Conversation) bool {
		return !identity.Validate(c, as)
	})

	in.mu.Lock()
	if in.epoch != epoch {
		in.mu.Unlock()
		metrics.StaleResultsDiscarded.WithLabelValues("inbox_page").Inc()
		return chat.ErrStale
	}
	in.cache.SetPage(page)
	in.mu.Unlock()

	in.onChange()
	return nil
}

// LoadMore fetches the next older page. It reports whether more remain.
func (in *Inbox) LoadMore(ctx context.Context) (bool, error) {
	next, ok := in.cache.NextPage()
	if !ok {
		return false, nil
	}
	if err := in.LoadPage(ctx, next); err != nil {
		return false, err
	}
	_, more := in.cache.NextPage()
	return more, nil
}

// List returns the conversations, most recent activity first.
func (in *Inbox) List() []chat.Conversation {
	items := in.cache.Items()
	slices.Reverse(items)
	return items
}

// Close unsubscribes. The inbox cannot be restarted.
func (in *Inbox) Close() error {
	if err := in.fire(context.Background(), TriggerClose); err != nil {
		return err
	}
	in.mu.Lock()
	in.epoch++
	sub := in.sub
	in.sub = nil
	in.mu.Unlock()
	sub.Unsubscribe()
	return nil
}

func (in *Inbox) upsertHandler(epoch uint64, as chat.Identity, ev realtime.EventType) func(json.RawMessage) {
	channel := string(realtime.ChannelConversations)
	return func(raw json.RawMessage) {
		var conv chat.Conversation
		if err := json.Unmarshal(raw, &conv); err != nil || conv.ID == "" {
			metrics.RealtimeEvents.WithLabelValues(channel, string(ev), "invalid").Inc()
			return
		}
		in.mu.Lock()
		if in.epoch != epoch {
			in.mu.Unlock()
			metrics.RealtimeEvents.WithLabelValues(channel, string(ev), "stale").Inc()
			return
		}
		if !identity.Validate(conv, as) {
			// the identity left or was never in it
			_, _, removed := in.cache.Delete(conv.ID)
			in.mu.Unlock()
			metrics.RealtimeEvents.WithLabelValues(channel, string(ev), "foreign").Inc()
			logger.L.Debug("dropping foreign conversation event", "conversation", conv.ID, "identity", as.String())
			if removed {
				in.onChange()
			}
			return
		}
		in.cache.Upsert(conv)
		in.mu.Unlock()

		metrics.RealtimeEvents.WithLabelValues(channel, string(ev), "applied").Inc()
		in.onChange()
	}
}

func (in *Inbox) deleteHandler(epoch uint64) func(json.RawMessage) {
	channel := string(realtime.ChannelConversations)
	ev := string(realtime.EventDelete)
	return func(raw json.RawMessage) {
		var conv chat.Conversation
		if err := json.Unmarshal(raw, &conv); err != nil || conv.ID == "" {
			metrics.RealtimeEvents.WithLabelValues(channel, ev, "invalid").Inc()
			return
		}
		in.mu.Lock()
		if in.epoch != epoch {
			in.mu.Unlock()
			metrics.RealtimeEvents.WithLabelValues(channel, ev, "stale").Inc()
			return
		}
		_, _, removed := in.cache.Delete(conv.ID)
		in.mu.Unlock()

		metrics.RealtimeEvents.WithLabelValues(channel, ev, "applied").Inc()
		if removed {
			in.onChange()
		}
	}
}
