// Package irc parses and formats the line protocol spoken with the chat network.
package irc

import (
	"errors"
	"sort"
	"strings"
)

// ErrMalformedLine is returned for lines that do not carry a command.
var ErrMalformedLine = errors.New("malformed line")

// Command is an IRC verb or three-digit numeric reply.
type Command string

// Commands the bridge handles itself or emits to subscribers.
const (
	CommandPing       Command = "PING"
	CommandPong       Command = "PONG"
	CommandReconnect  Command = "RECONNECT"
	CommandJoin       Command = "JOIN"
	CommandPart       Command = "PART"
	CommandPrivmsg    Command = "PRIVMSG"
	CommandNotice     Command = "NOTICE"
	CommandUserNotice Command = "USERNOTICE"
	CommandUserState  Command = "USERSTATE"
	CommandRoomState  Command = "ROOMSTATE"
	CommandClearChat  Command = "CLEARCHAT"
	CommandClearMsg   Command = "CLEARMSG"
	CommandCap        Command = "CAP"
	CommandPass       Command = "PASS"
	CommandNick       Command = "NICK"
	CommandUser       Command = "USER"
)

// ReplyParentTag correlates an outbound message with the message it answers.
const ReplyParentTag = "reply-parent-msg-id"

// Message is one decoded protocol line.
type Message struct {
	Tags    map[string]string
	Prefix  string
	Command Command
	Params  []string
}

// Param returns the primary parameter, usually the channel.
func (m *Message) Param() string {
	if len(m.Params) == 0 {
		return ""
	}
	return m.Params[0]
}

// Trailing returns the second parameter, usually the message text.
func (m *Message) Trailing() string {
	if len(m.Params) < 2 {
		return ""
	}
	return m.Params[1]
}

// Last returns the final parameter.
func (m *Message) Last() string {
	if len(m.Params) == 0 {
		return ""
	}
	return m.Params[len(m.Params)-1]
}

// Nick returns the nickname part of the prefix.
func (m *Message) Nick() string {
	nick, _, _ := strings.Cut(m.Prefix, "!")
	nick, _, _ = strings.Cut(nick, "@")
	return nick
}

// Parse decodes a single line. Trailing CR/LF is ignored.
func Parse(line string) (*Message, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return nil, ErrMalformedLine
	}

	msg := &Message{}
	rest := line

	if strings.HasPrefix(rest, "@") {
		raw, after, ok := strings.Cut(rest[1:], " ")
		if !ok {
			return nil, ErrMalformedLine
		}
		msg.Tags = parseTags(raw)
		rest = strings.TrimLeft(after, " ")
	}

	if strings.HasPrefix(rest, ":") {
		prefix, after, ok := strings.Cut(rest[1:], " ")
		if !ok {
			return nil, ErrMalformedLine
		}
		msg.Prefix = prefix
		rest = strings.TrimLeft(after, " ")
	}

	command, rest, _ := strings.Cut(rest, " ")
	if command == "" {
		return nil, ErrMalformedLine
	}
	msg.Command = Command(strings.ToUpper(command))

	for rest != "" {
		rest = strings.TrimLeft(rest, " ")
		if rest == "" {
			break
		}
		if rest[0] == ':' {
			msg.Params = append(msg.Params, rest[1:])
			break
		}
		var param string
		param, rest, _ = strings.Cut(rest, " ")
		msg.Params = append(msg.Params, param)
	}

	return msg, nil
}

// String encodes the message without the line terminator. The last parameter
// is always written in trailing form when it contains a space or is empty.
func (m *Message) String() string {
	var b strings.Builder

	if len(m.Tags) > 0 {
		keys := make([]string, 0, len(m.Tags))
		for k := range m.Tags {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteByte('@')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(';')
			}
			b.WriteString(k)
			if v := m.Tags[k]; v != "" {
				b.WriteByte('=')
				b.WriteString(escapeTag(v))
			}
		}
		b.WriteByte(' ')
	}

	if m.Prefix != "" {
		b.WriteByte(':')
		b.WriteString(m.Prefix)
		b.WriteByte(' ')
	}

	b.WriteString(string(m.Command))

	for i, p := range m.Params {
		b.WriteByte(' ')
		last := i == len(m.Params)-1
		if last && (p == "" || strings.Contains(p, " ") || strings.HasPrefix(p, ":")) {
			b.WriteByte(':')
		}
		b.WriteString(p)
	}

	return b.String()
}

func parseTags(raw string) map[string]string {
	tags := make(map[string]string)
	for _, pair := range strings.Split(raw, ";") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		tags[k] = unescapeTag(v)
	}
	return tags
}

var (
	tagUnescaper = strings.NewReplacer(`\:`, ";", `\s`, " ", `\\`, `\`, `\r`, "\r", `\n`, "\n")
	tagEscaper   = strings.NewReplacer(";", `\:`, " ", `\s`, `\`, `\\`, "\r", `\r`, "\n", `\n`)
)

func unescapeTag(v string) string { return tagUnescaper.Replace(v) }

func escapeTag(v string) string { return tagEscaper.Replace(v) }
