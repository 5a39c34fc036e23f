package bus

import (
	"sync/atomic"
	"testing"
)

func TestBroadcastSkipsSender(t *testing.T) {
	hub := NewHub()
	a := hub.Join(LogoutChannel)
	b := hub.Join(LogoutChannel)
	defer a.Close()
	defer b.Close()

	var aGot, bGot atomic.Int32
	a.OnLogout(func() { aGot.Add(1) })
	b.OnLogout(func() { bGot.Add(1) })

	a.BroadcastLogout()

	if aGot.Load() != 0 {
		t.Fatal("sender received its own broadcast")
	}
	if bGot.Load() != 1 {
		t.Fatalf("other member got %d deliveries, want 1", bGot.Load())
	}
}

func TestChannelIsolationByName(t *testing.T) {
	hub := NewHub()
	a := hub.Join("auth_logout:alice")
	b := hub.Join("auth_logout:bob")
	defer a.Close()
	defer b.Close()

	var bGot atomic.Int32
	b.OnLogout(func() { bGot.Add(1) })

	a.BroadcastLogout()

	if bGot.Load() != 0 {
		t.Fatal("broadcast crossed channel names")
	}
}

func TestUnsubscribe(t *testing.T) {
	hub := NewHub()
	a := hub.Join(LogoutChannel)
	b := hub.Join(LogoutChannel)
	defer a.Close()
	defer b.Close()

	var got atomic.Int32
	unsub := b.OnLogout(func() { got.Add(1) })
	unsub()

	a.BroadcastLogout()

	if got.Load() != 0 {
		t.Fatal("handler ran after unsubscribe")
	}
}

func TestClosedChannelNoDelivery(t *testing.T) {
	hub := NewHub()
	a := hub.Join(LogoutChannel)
	b := hub.Join(LogoutChannel)
	defer a.Close()

	var got atomic.Int32
	b.OnLogout(func() { got.Add(1) })
	b.Close()

	a.BroadcastLogout()

	if got.Load() != 0 {
		t.Fatal("closed channel received a broadcast")
	}
	// Close and broadcast on a closed channel stay no-ops.
	b.Close()
	b.BroadcastLogout()
}

func TestNilChannelNoOps(t *testing.T) {
	var c *Channel
	c.BroadcastLogout()
	unsub := c.OnLogout(func() { t.Fatal("handler on nil channel") })
	unsub()
	c.Close()
}

func TestMultipleHandlers(t *testing.T) {
	hub := NewHub()
	a := hub.Join(LogoutChannel)
	b := hub.Join(LogoutChannel)
	defer a.Close()
	defer b.Close()

	var got atomic.Int32
	b.OnLogout(func() { got.Add(1) })
	b.OnLogout(func() { got.Add(1) })

	a.BroadcastLogout()

	if got.Load() != 2 {
		t.Fatalf("got %d handler runs, want 2", got.Load())
	}
}
