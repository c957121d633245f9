package core

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/vovakirdan/chatbridge/internal/connection"
	"github.com/vovakirdan/chatbridge/internal/pool"
)

func mustEvent(t *testing.T, ch <-chan *Event, kind EventKind) *Event {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case ev := <-ch:
			if ev == nil {
				continue
			}
			if ev.Kind == kind {
				return ev
			}
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	t.Fatalf("expected event kind %v not received", kind)
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// fakeConn stands in for a chat connection and records the traffic.
type fakeConn struct {
	id         int
	role       connection.Role
	connectErr error

	mu       sync.Mutex
	channels []string
	joined   []string
	left     []string
	said     []string
	handlers []connection.Handler
}

func (c *fakeConn) ID() int                       { return c.id }
func (c *fakeConn) Connect(context.Context) error { return c.connectErr }
func (c *fakeConn) State() connection.State       { return connection.StateOpen }
func (c *fakeConn) Close() error                  { return nil }

func (c *fakeConn) Latency() (time.Duration, bool) { return 0, false }

func (c *fakeConn) Say(channel, text, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.said = append(c.said, channel+" "+text)
	return nil
}

func (c *fakeConn) Leave(channel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := slices.Index(c.channels, channel); i >= 0 {
		c.channels = slices.Delete(c.channels, i, i+1)
		c.left = append(c.left, channel)
	}
	return nil
}

func (c *fakeConn) JoinWithRateLimit(_ context.Context, channels []string, onJoined func(string)) error {
	for _, ch := range channels {
		c.mu.Lock()
		if !slices.Contains(c.channels, ch) {
			c.channels = append(c.channels, ch)
			c.joined = append(c.joined, ch)
		}
		c.mu.Unlock()
		onJoined(ch)
	}
	return nil
}

func (c *fakeConn) HasChannel(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Contains(c.channels, channel)
}

func (c *fakeConn) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.channels)
}

func (c *fakeConn) ChannelCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.channels)
}

func (c *fakeConn) On(_ connection.Topic, h connection.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

func (c *fakeConn) emit(ev connection.Event) {
	c.mu.Lock()
	handlers := slices.Clone(c.handlers)
	c.mu.Unlock()
	ev.ConnID = c.id
	for _, h := range handlers {
		h(ev)
	}
}

type traffic struct {
	joined, left, said []string
}

func (c *fakeConn) traffic() traffic {
	c.mu.Lock()
	defer c.mu.Unlock()
	return traffic{slices.Clone(c.joined), slices.Clone(c.left), slices.Clone(c.said)}
}

type fakeNetwork struct {
	mu         sync.Mutex
	conns      []*fakeConn
	connectErr error
}

func (n *fakeNetwork) factory() pool.Factory {
	return func(id int, role connection.Role) pool.Conn {
		n.mu.Lock()
		defer n.mu.Unlock()
		c := &fakeConn{id: id, role: role, connectErr: n.connectErr}
		n.conns = append(n.conns, c)
		return c
	}
}

func (n *fakeNetwork) byRole(role connection.Role) []*fakeConn {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*fakeConn
	for _, c := range n.conns {
		if c.role == role {
			out = append(out, c)
		}
	}
	return out
}

// said returns every message written on send connections.
func (n *fakeNetwork) said() []string {
	var out []string
	for _, c := range n.byRole(connection.RoleSend) {
		out = append(out, c.traffic().said...)
	}
	return out
}

type recordingBus struct {
	mu     sync.Mutex
	events []*Event
}

func (b *recordingBus) Publish(ev *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *recordingBus) kinds() []EventKind {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]EventKind, 0, len(b.events))
	for _, ev := range b.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (b *recordingBus) last() *Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) == 0 {
		return nil
	}
	return b.events[len(b.events)-1]
}
