package proto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Version is the only protocol version the gateway speaks.
const Version = "1.0.0"

// Inbound commands.
const (
	CmdAuth        = "auth"
	CmdJoin        = "join"
	CmdPart        = "part"
	CmdSend        = "send"
	CmdSetChannels = "set_channels"
	CmdRemoveBot   = "remove_bot"
)

// Outbound commands.
const (
	CmdIRC        = "irc"
	CmdConnect    = "connect"
	CmdDisconnect = "disconnect"
	CmdError      = "error"
)

// Inbound is the envelope for messages coming from the control plane.
type Inbound struct {
	Cmd           string          `json:"cmd"`
	Data          json.RawMessage `json:"data"`
	Version       string          `json:"version"`
	ApplicationID ID              `json:"applicationId,omitempty"`
}

// ID accepts both JSON numbers and strings and always holds the decimal
// string form.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return fmt.Errorf("id must be an integer: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// AuthData registers or refreshes a bot identity.
type AuthData struct {
	UserID             ID     `json:"userId"`
	UserName           string `json:"userName"`
	AccessToken        string `json:"accessToken"`
	RateLimitModerator int    `json:"rateLimitModerator,omitempty"`
	RateLimitUser      int    `json:"rateLimitUser,omitempty"`
}

// ChannelsData is the payload of join, part and set_channels.
type ChannelsData struct {
	BotUserID    ID       `json:"botUserId"`
	ChannelNames []string `json:"channelNames"`
}

// SendData queues one chat message.
type SendData struct {
	BotUserID   ID     `json:"botUserId"`
	ChannelName string `json:"channelName"`
	Message     string `json:"message"`
	// BotStatus is the bot's role in the channel: 0 default, 1 subscriber,
	// 2 vip, 3 moderator, 4 broadcaster.
	BotStatus int `json:"botStatus,omitempty"`
	// Nil lets the bridge decide from how the message was split.
	UseSameSendConnectionAsPrevious *bool  `json:"useSameSendConnectionAsPrevious,omitempty"`
	MaxMessageLength                int    `json:"maxMessageLength,omitempty"`
	ReplyParentMessage              string `json:"replyParentMessage,omitempty"`
	// Whisper delivers Message privately to this user instead of ChannelName.
	Whisper string `json:"whisper,omitempty"`
}

// RemoveBotData disconnects and forgets an identity.
type RemoveBotData struct {
	UserID ID `json:"userId"`
}

// Outbound is the envelope for messages sent to the control plane. Data is
// always a list.
type Outbound struct {
	Cmd     string `json:"cmd"`
	Data    []any  `json:"data"`
	Version string `json:"version"`
}

// IRCMessage is one parsed protocol line received by an identity.
type IRCMessage struct {
	BotUserID string            `json:"botUserId"`
	ConnID    int               `json:"connId"`
	Tags      map[string]string `json:"tags"`
	Command   string            `json:"command"`
	Prefix    string            `json:"prefix"`
	Param     string            `json:"param"`
	Trailing  string            `json:"trailing"`
}

// ConnectionEvent reports a connection coming up or going down.
type ConnectionEvent struct {
	BotUserID string `json:"botUserId"`
	ConnID    int    `json:"connId"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code      string `json:"code"`
	Msg       string `json:"msg"`
	BotUserID string `json:"botUserId,omitempty"`
}

// NewOutbound wraps payloads in a versioned envelope.
func NewOutbound(cmd string, data ...any) Outbound {
	if data == nil {
		data = []any{}
	}
	return Outbound{Cmd: cmd, Data: data, Version: Version}
}
