package core

import "github.com/vovakirdan/chatbridge/internal/ratelimit"

// CommandKind describes what the control plane wants to do.
type CommandKind int

const (
	// CommandAuth creates an identity or refreshes its credentials.
	CommandAuth CommandKind = iota
	// CommandJoin adds channels to an identity.
	CommandJoin
	// CommandPart removes channels from an identity.
	CommandPart
	// CommandSetChannels reconciles the membership to an exact list.
	CommandSetChannels
	// CommandSend queues a chat message.
	CommandSend
	// CommandRemove tears an identity down.
	CommandRemove
)

func (k CommandKind) String() string {
	switch k {
	case CommandAuth:
		return "auth"
	case CommandJoin:
		return "join"
	case CommandPart:
		return "part"
	case CommandSetChannels:
		return "set_channels"
	case CommandSend:
		return "send"
	case CommandRemove:
		return "remove_bot"
	default:
		return "unknown"
	}
}

// Auth carries the credentials and rate class of an identity.
type Auth struct {
	Name   string
	Token  string
	Limits ratelimit.Limits
}

// Command represents an action requested by the control plane.
type Command struct {
	Kind          CommandKind
	ApplicationID string
	IdentityID    string
	Auth          Auth
	Channels      []string
	Message       Message
	// Reply, when set, receives the outcome once the hub handled the command.
	Reply chan error
}
