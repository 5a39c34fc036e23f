package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisMessage wraps Message with a sender ID so a subscriber can drop
// its own publications. Redis pub/sub echoes messages to every subscriber
// including the publisher.
type redisMessage struct {
	Sender string `json:"sender"`
	Type   string `json:"type"`
}

// RedisChannel carries logout broadcasts across processes over Redis
// pub/sub. It satisfies Broadcaster with the same semantics as Channel:
// at-least-once delivery, no self-echo.
type RedisChannel struct {
	client *redis.Client
	name   string
	sender string
	logger *slog.Logger

	sub    *redis.PubSub
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	nextID   int
	handlers map[int]func()
}

// JoinRedis subscribes to name on client and starts the receive loop.
// The subscription is confirmed before returning so a broadcast issued
// right after JoinRedis is not lost.
func JoinRedis(ctx context.Context, client *redis.Client, name string, logger *slog.Logger) (*RedisChannel, error) {
	if logger == nil {
		logger = discardLogger()
	}
	sub := client.Subscribe(ctx, name)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c := &RedisChannel{
		client:   client,
		name:     name,
		sender:   uuid.NewString(),
		logger:   logger,
		sub:      sub,
		cancel:   cancel,
		handlers: make(map[int]func()),
	}
	go c.receive(loopCtx)
	return c, nil
}

// BroadcastLogout publishes a logout message to the channel. Publish
// failures are logged and otherwise ignored; the local logout has already
// happened and must not be rolled back.
func (c *RedisChannel) BroadcastLogout() {
	if c == nil {
		return
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	payload, _ := json.Marshal(redisMessage{Sender: c.sender, Type: TypeLogout})
	if err := c.client.Publish(context.Background(), c.name, payload).Err(); err != nil {
		c.logger.Warn("logout broadcast publish failed", "channel", c.name, "err", err)
	}
}

// OnLogout registers fn for logout messages from other processes.
func (c *RedisChannel) OnLogout(fn func()) func() {
	if c == nil {
		return func() {}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return func() {}
	}
	id := c.nextID
	c.nextID++
	c.handlers[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

// Close unsubscribes and stops the receive loop.
func (c *RedisChannel) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.handlers = make(map[int]func())
	c.mu.Unlock()
	c.cancel()
	if err := c.sub.Close(); err != nil {
		c.logger.Warn("logout channel close failed", "channel", c.name, "err", err)
	}
}

func (c *RedisChannel) receive(ctx context.Context) {
	ch := c.sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			var msg redisMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				c.logger.Warn("logout channel bad payload", "channel", c.name, "err", err)
				continue
			}
			if msg.Sender == c.sender || msg.Type != TypeLogout {
				continue
			}
			c.mu.Lock()
			fns := make([]func(), 0, len(c.handlers))
			for _, fn := range c.handlers {
				fns = append(fns, fn)
			}
			c.mu.Unlock()
			for _, fn := range fns {
				fn()
			}
		}
	}
}

var _ Broadcaster = (*RedisChannel)(nil)
