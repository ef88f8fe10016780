package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/comigor/chatsync/internal/logger"
)

const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	framePublish     = "publish"
	frameEvent       = "event"
	frameError       = "error"
)

// frame is the wire format of the realtime websocket protocol.
type frame struct {
	Type    string `json:"type"`
	Topic   string `json:"topic,omitempty"`
	Ref     string `json:"ref,omitempty"`
	Payload *Event `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// WSOptions configures the websocket broker.
type WSOptions struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	WriteTimeout     time.Duration
}

func (o *WSOptions) defaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
}

// WSBroker is a Broker over a single websocket connection. It does not
// reconnect: once the connection drops, Subscribe and Publish fail and the
// owner must open a new broker.
type WSBroker struct {
	opts WSOptions
	conn *websocket.Conn
	fan  *fanout

	topicMu sync.Mutex // orders listener changes with their subscribe/unsubscribe frames
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup

	errMu sync.Mutex
	err   error
}

// NewWSBroker dials the realtime endpoint and starts the read and ping loops.
func NewWSBroker(ctx context.Context, opts WSOptions) (*WSBroker, error) {
	opts.defaults()
	dialer := &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, opts.URL, opts.Header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	b := &WSBroker{
		opts: opts,
		conn: conn,
		fan:  newFanout(),
		done: make(chan struct{}),
	}
	readTimeout := 2 * opts.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	b.wg.Add(2)
	go b.readLoop(readTimeout)
	go b.pingLoop()
	return b, nil
}

// Err returns the error that terminated the connection, if any.
func (b *WSBroker) Err() error {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	return b.err
}

func (b *WSBroker) Subscribe(_ context.Context, topic string, deliver func(Event)) (func(), error) {
	if err := b.Err(); err != nil {
		return nil, err
	}
	b.topicMu.Lock()
	defer b.topicMu.Unlock()
	id, first := b.fan.add(topic, deliver)
	if first {
		if err := b.write(frame{Type: frameSubscribe, Topic: topic, Ref: uuid.NewString()}); err != nil {
			b.fan.remove(topic, id)
			return nil, err
		}
	}
	return func() {
		b.topicMu.Lock()
		defer b.topicMu.Unlock()
		if !b.fan.remove(topic, id) {
			return
		}
		if b.Err() != nil {
			return
		}
		if err := b.write(frame{Type: frameUnsubscribe, Topic: topic, Ref: uuid.NewString()}); err != nil {
			logger.L.Warn("realtime unsubscribe frame failed", "topic", topic, "error", err)
		}
	}, nil
}

func (b *WSBroker) Publish(_ context.Context, ev Event) error {
	if err := b.Err(); err != nil {
		return err
	}
	return b.write(frame{Type: framePublish, Topic: ev.Topic, Ref: uuid.NewString(), Payload: &ev})
}

// Close sends a close frame, closes the socket and waits for the loops.
func (b *WSBroker) Close() error {
	b.once.Do(func() {
		close(b.done)
		b.writeMu.Lock()
		_ = b.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"),
			time.Now().Add(b.opts.WriteTimeout))
		b.writeMu.Unlock()
		_ = b.conn.Close()
		b.fail(errors.New("realtime: connection closed"))
	})
	b.wg.Wait()
	b.fan.clear()
	return nil
}

func (b *WSBroker) write(f frame) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err := b.conn.SetWriteDeadline(time.Now().Add(b.opts.WriteTimeout)); err != nil {
		return err
	}
	if err := b.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (b *WSBroker) fail(err error) {
	b.errMu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.errMu.Unlock()
}

func (b *WSBroker) readLoop(readTimeout time.Duration) {
	defer b.wg.Done()
	for {
		var f frame
		if err := b.conn.ReadJSON(&f); err != nil {
			select {
			case <-b.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.L.Warn("realtime connection lost", "error", err)
				}
				b.fail(fmt.Errorf("realtime: connection lost: %w", err))
			}
			return
		}
		_ = b.conn.SetReadDeadline(time.Now().Add(readTimeout))

		switch f.Type {
		case frameEvent:
			if f.Payload == nil {
				continue
			}
			ev := *f.Payload
			if ev.Topic == "" {
				ev.Topic = f.Topic
			}
			b.fan.deliver(ev)
		case frameError:
			logger.L.Warn("realtime server error", "topic", f.Topic, "ref", f.Ref, "error", f.Error)
		}
	}
}

func (b *WSBroker) pingLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.writeMu.Lock()
			err := b.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(b.opts.WriteTimeout))
			b.writeMu.Unlock()
			if err != nil {
				logger.L.Warn("realtime ping failed", "error", err)
				b.fail(fmt.Errorf("realtime: ping failed: %w", err))
				return
			}
		}
	}
}
