package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// fakeHub is a minimal realtime server: publish frames are fanned out as
// event frames to every connection subscribed to the topic.
type fakeHub struct {
	mu       sync.Mutex
	upgrader websocket.Upgrader
	subs     map[*websocket.Conn]map[string]bool
	frames   []frame
	wg       sync.WaitGroup
}

func newFakeHub() *fakeHub {
	return &fakeHub{subs: make(map[*websocket.Conn]map[string]bool)}
}

func (h *fakeHub) router() http.Handler {
	r := chi.NewRouter()
	r.Get("/realtime", h.serve)
	return r
}

func (h *fakeHub) serve(w http.ResponseWriter, r *http.Request) {
	h.wg.Add(1)
	defer h.wg.Done()
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.mu.Lock()
	h.subs[conn] = map[string]bool{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.subs, conn)
		h.mu.Unlock()
		conn.Close()
	}()

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		h.mu.Lock()
		h.frames = append(h.frames, f)
		switch f.Type {
		case frameSubscribe:
			h.subs[conn][f.Topic] = true
		case frameUnsubscribe:
			delete(h.subs[conn], f.Topic)
		case framePublish:
			for c, topics := range h.subs {
				if topics[f.Topic] {
					_ = c.WriteJSON(frame{Type: frameEvent, Topic: f.Topic, Payload: f.Payload})
				}
			}
		}
		h.mu.Unlock()
	}
}

// closeAll drops every client connection from the server side.
func (h *fakeHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.subs {
		c.Close()
	}
}

func (h *fakeHub) conns() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *fakeHub) count(typ, topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, f := range h.frames {
		if f.Type == typ && f.Topic == topic {
			n++
		}
	}
	return n
}

// sequence returns the subscribe and unsubscribe frames seen for topic, in order.
func (h *fakeHub) sequence(topic string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, f := range h.frames {
		if f.Topic == topic && (f.Type == frameSubscribe || f.Type == frameUnsubscribe) {
			out = append(out, f.Type)
		}
	}
	return out
}

func dial(t *testing.T, srv *httptest.Server) *WSBroker {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/realtime"
	b, err := NewWSBroker(context.Background(), WSOptions{URL: url, PingInterval: time.Second})
	require.NoError(t, err)
	return b
}

func TestWSBrokerRoundTrip(t *testing.T) {
	hub := newFakeHub()
	srv := httptest.NewServer(hub.router())
	defer srv.Close()
	defer hub.wg.Wait()

	listener := dial(t, srv)
	defer listener.Close()
	publisher := dial(t, srv)
	defer publisher.Close()

	got := make(chan Event, 4)
	unsubscribe, err := listener.Subscribe(context.Background(), "typing:c1", func(ev Event) { got <- ev })
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.count(frameSubscribe, "typing:c1") == 1 }, 2*time.Second, 10*time.Millisecond)

	ev := Event{Topic: "typing:c1", Type: EventBroadcast, Record: json.RawMessage(`{"is_typing":true}`)}
	require.NoError(t, publisher.Publish(context.Background(), ev))

	select {
	case recv := <-got:
		require.Equal(t, EventBroadcast, recv.Type)
		require.Equal(t, "typing:c1", recv.Topic)
		require.JSONEq(t, `{"is_typing":true}`, string(recv.Record))
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	unsubscribe()
	unsubscribe()
	require.Eventually(t, func() bool { return hub.count(frameUnsubscribe, "typing:c1") == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestWSBrokerSharesTopicSubscription(t *testing.T) {
	hub := newFakeHub()
	srv := httptest.NewServer(hub.router())
	defer srv.Close()
	defer hub.wg.Wait()

	b := dial(t, srv)
	defer b.Close()

	ctx := context.Background()
	u1, err := b.Subscribe(ctx, "messages:c1", func(Event) {})
	require.NoError(t, err)
	u2, err := b.Subscribe(ctx, "messages:c1", func(Event) {})
	require.NoError(t, err)

	u1()
	u2()
	require.Eventually(t, func() bool { return hub.count(frameUnsubscribe, "messages:c1") == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, hub.count(frameSubscribe, "messages:c1"))
}

func TestWSBrokerHandoverKeepsTopicSubscribed(t *testing.T) {
	hub := newFakeHub()
	srv := httptest.NewServer(hub.router())
	defer srv.Close()
	defer hub.wg.Wait()

	b := dial(t, srv)
	defer b.Close()
	ctx := context.Background()
	const topic = "messages:c1"

	// one identity leaves while another joins the same conversation topic
	for i := 0; i < 50; i++ {
		leave, err := b.Subscribe(ctx, topic, func(Event) {})
		require.NoError(t, err)

		var (
			wg   sync.WaitGroup
			join func()
		)
		wg.Add(2)
		go func() { defer wg.Done(); leave() }()
		go func() {
			defer wg.Done()
			u, err := b.Subscribe(ctx, topic, func(Event) {})
			require.NoError(t, err)
			join = u
		}()
		wg.Wait()
		join()
	}

	// frames on one connection arrive in order; a marker publish flushes them
	require.NoError(t, b.Publish(ctx, Event{Topic: "marker", Type: EventBroadcast}))
	require.Eventually(t, func() bool { return hub.count(framePublish, "marker") == 1 }, 2*time.Second, 10*time.Millisecond)

	seq := hub.sequence(topic)
	require.NotEmpty(t, seq)
	for i, typ := range seq {
		want := frameSubscribe
		if i%2 == 1 {
			want = frameUnsubscribe
		}
		require.Equal(t, want, typ, "frame %d out of order: %v", i, seq)
	}
	require.Equal(t, frameUnsubscribe, seq[len(seq)-1])
}

func TestWSBrokerFailsAfterServerGone(t *testing.T) {
	hub := newFakeHub()
	srv := httptest.NewServer(hub.router())

	b := dial(t, srv)
	defer b.Close()

	require.Eventually(t, func() bool { return hub.conns() == 1 }, 2*time.Second, 10*time.Millisecond)
	hub.closeAll()
	hub.wg.Wait()
	srv.Close()

	require.Eventually(t, func() bool { return b.Err() != nil }, 2*time.Second, 10*time.Millisecond)
	_, err := b.Subscribe(context.Background(), "messages:c1", func(Event) {})
	require.Error(t, err)
}

func TestWSBrokerDialError(t *testing.T) {
	_, err := NewWSBroker(context.Background(), WSOptions{URL: "ws://127.0.0.1:1/realtime", HandshakeTimeout: 200 * time.Millisecond})
	require.Error(t, err)
}
