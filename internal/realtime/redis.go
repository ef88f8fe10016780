package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/comigor/chatsync/internal/logger"
)

// RedisBroker is a Broker over redis pub/sub. One PubSub connection carries
// every topic.
type RedisBroker struct {
	client  *redis.Client
	ps      *redis.PubSub
	fan     *fanout
	topicMu sync.Mutex // orders listener changes with their SUBSCRIBE/UNSUBSCRIBE commands
	once    sync.Once
	wg      sync.WaitGroup
}

// NewRedisBroker connects to redisURL and starts the receive loop.
func NewRedisBroker(ctx context.Context, redisURL string) (*RedisBroker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	b := &RedisBroker{
		client: client,
		ps:     client.Subscribe(ctx),
		fan:    newFanout(),
	}
	b.wg.Add(1)
	go b.receive()
	return b, nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, topic string, deliver func(Event)) (func(), error) {
	b.topicMu.Lock()
	defer b.topicMu.Unlock()
	id, first := b.fan.add(topic, deliver)
	if first {
		if err := b.ps.Subscribe(ctx, topic); err != nil {
			b.fan.remove(topic, id)
			return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
		}
	}
	return func() {
		b.topicMu.Lock()
		defer b.topicMu.Unlock()
		if !b.fan.remove(topic, id) {
			return
		}
		if err := b.ps.Unsubscribe(context.Background(), topic); err != nil {
			logger.L.Warn("redis unsubscribe failed", "topic", topic, "error", err)
		}
	}, nil
}

func (b *RedisBroker) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, ev.Topic, data).Err()
}

// Close stops the receive loop and closes the redis connections.
func (b *RedisBroker) Close() error {
	var err error
	b.once.Do(func() {
		if cerr := b.ps.Close(); cerr != nil {
			err = cerr
		}
		b.wg.Wait()
		if cerr := b.client.Close(); cerr != nil && err == nil {
			err = cerr
		}
		b.fan.clear()
	})
	return err
}

func (b *RedisBroker) receive() {
	defer b.wg.Done()
	for m := range b.ps.Channel() {
		var ev Event
		if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
			logger.L.Warn("dropping malformed realtime payload", "topic", m.Channel, "error", err)
			continue
		}
		ev.Topic = m.Channel
		b.fan.deliver(ev)
	}
}
