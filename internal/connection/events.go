package connection

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/chatbridge/internal/irc"
)

// EventKind separates parsed protocol lines from lifecycle notifications.
type EventKind int

const (
	// EventAny only appears in topics and matches every event.
	EventAny EventKind = iota
	EventMessage
	EventConnect
	EventDisconnect
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	default:
		return "any"
	}
}

// Event is what a connection emits to its subscribers.
type Event struct {
	Kind    EventKind
	ConnID  int
	Message *irc.Message // nil for lifecycle events
}

// Handler receives events on the connection's read goroutine.
type Handler func(Event)

// Topic selects which events a handler receives.
type Topic struct {
	Kind    EventKind
	Command irc.Command // only for EventMessage; empty matches every command
}

// Wildcard mirrors every event.
var Wildcard = Topic{Kind: EventAny}

// OnCommand subscribes to one protocol command.
func OnCommand(cmd irc.Command) Topic { return Topic{Kind: EventMessage, Command: cmd} }

// OnConnect and OnDisconnect subscribe to lifecycle events.
func OnConnect() Topic { return Topic{Kind: EventConnect} }

func OnDisconnect() Topic { return Topic{Kind: EventDisconnect} }

// emitter dispatches events to handlers registered per topic.
type emitter struct {
	mu       sync.RWMutex
	handlers map[Topic][]Handler
	log      *zerolog.Logger
}

func newEmitter(logger *zerolog.Logger) *emitter {
	return &emitter{handlers: make(map[Topic][]Handler), log: logger}
}

func (e *emitter) on(t Topic, h Handler) {
	e.mu.Lock()
	e.handlers[t] = append(e.handlers[t], h)
	e.mu.Unlock()
}

func (e *emitter) emit(ev Event) {
	topics := []Topic{{Kind: ev.Kind}, Wildcard}
	if ev.Kind == EventMessage && ev.Message != nil {
		topics = []Topic{OnCommand(ev.Message.Command), {Kind: EventMessage}, Wildcard}
	}

	e.mu.RLock()
	var targets []Handler
	for _, t := range topics {
		targets = append(targets, e.handlers[t]...)
	}
	e.mu.RUnlock()

	for _, h := range targets {
		e.call(h, ev)
	}
}

func (e *emitter) call(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Str("event", ev.Kind.String()).Msg("event handler panicked")
		}
	}()
	h(ev)
}
