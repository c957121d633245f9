package core

import "github.com/vovakirdan/chatbridge/internal/irc"

// EventKind is a notification the core emits to the control plane.
type EventKind int

const (
	// EventMessage carries one parsed inbound protocol line.
	EventMessage EventKind = iota
	// EventConnect reports a receive connection that came up.
	EventConnect
	// EventDisconnect reports a receive connection that went down.
	EventDisconnect
	// EventError reports a failed asynchronous command.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "irc"
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is published on the bus for the identity's application.
type Event struct {
	Kind          EventKind
	ApplicationID string
	IdentityID    string
	ConnID        int
	Message       *irc.Message
	Error         *CoreError
}

// Bus delivers events to the control plane.
type Bus interface {
	Publish(ev *Event)
}
