package core

import "github.com/vovakirdan/chatbridge/internal/channel"

// Message is an outbound chat message submitted by the control plane.
type Message struct {
	Channel   string
	Text      string
	Role      channel.Role
	MaxLength int
	Sticky    *bool
	ReplyID   string
	// Whisper, when set, delivers Text privately to this user instead of Channel.
	Whisper string
}
