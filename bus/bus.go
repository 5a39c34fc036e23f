// Package bus carries logout notifications between sessions of the same
// user. A Hub links channels inside one process; RedisChannel extends the
// same contract across processes. Delivery is at-least-once and a sender
// never receives its own message.
package bus

import (
	"io"
	"log/slog"
	"sync"
)

// LogoutChannel is the default channel name for logout broadcasts.
const LogoutChannel = "auth_logout"

// TypeLogout identifies a logout broadcast message.
const TypeLogout = "LOGOUT"

// Message is the broadcast payload.
type Message struct {
	Type string `json:"type"`
}

// Broadcaster is the channel surface the rest of the application depends
// on. A nil *Channel satisfies it with no-ops, so callers without a bus
// degrade to local-only behavior without guards.
type Broadcaster interface {
	// BroadcastLogout publishes a logout message to every other member
	// of the channel.
	BroadcastLogout()
	// OnLogout registers fn for logout messages from other members and
	// returns a function that removes the registration.
	OnLogout(fn func()) func()
	// Close leaves the channel and drops all handlers. Further calls on
	// the channel are no-ops.
	Close()
}

// Hub connects channels that share a name within one process.
type Hub struct {
	mu       sync.Mutex
	channels map[string][]*Channel
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{channels: make(map[string][]*Channel)}
}

// Join creates a channel member under name.
func (h *Hub) Join(name string) *Channel {
	c := &Channel{
		hub:      h,
		name:     name,
		handlers: make(map[int]func()),
	}
	h.mu.Lock()
	h.channels[name] = append(h.channels[name], c)
	h.mu.Unlock()
	return c
}

// publish delivers msg to every member of name except sender.
func (h *Hub) publish(name string, sender *Channel, msg Message) {
	h.mu.Lock()
	members := make([]*Channel, 0, len(h.channels[name]))
	for _, c := range h.channels[name] {
		if c != sender {
			members = append(members, c)
		}
	}
	h.mu.Unlock()
	for _, c := range members {
		c.deliver(msg)
	}
}

func (h *Hub) leave(name string, member *Channel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.channels[name]
	for i, c := range members {
		if c == member {
			h.channels[name] = append(members[:i], members[i+1:]...)
			break
		}
	}
	if len(h.channels[name]) == 0 {
		delete(h.channels, name)
	}
}

// Channel is one member of a hub channel. The zero of *Channel is nil and
// every method on a nil receiver is a no-op.
type Channel struct {
	hub  *Hub
	name string

	mu       sync.Mutex
	closed   bool
	nextID   int
	handlers map[int]func()
}

// BroadcastLogout publishes a logout message to the other members.
func (c *Channel) BroadcastLogout() {
	if c == nil {
		return
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.hub.publish(c.name, c, Message{Type: TypeLogout})
}

// OnLogout registers fn for logout messages from other members.
func (c *Channel) OnLogout(fn func()) func() {
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

// Close leaves the hub and drops all handlers.
func (c *Channel) Close() {
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
	c.hub.leave(c.name, c)
}

func (c *Channel) deliver(msg Message) {
	if msg.Type != TypeLogout {
		return
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

var _ Broadcaster = (*Channel)(nil)

// discardLogger is used when callers pass a nil logger.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
