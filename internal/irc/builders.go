package irc

import (
	"strconv"
	"strings"
)

// ChannelName normalizes a channel to its bare lowercase form ("#Foo" -> "foo").
func ChannelName(name string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "#"))
}

// Join builds a JOIN directive.
func Join(channel string) *Message {
	return &Message{Command: CommandJoin, Params: []string{"#" + ChannelName(channel)}}
}

// Part builds a PART directive.
func Part(channel string) *Message {
	return &Message{Command: CommandPart, Params: []string{"#" + ChannelName(channel)}}
}

// Handshake returns the connect-time lines in the order the server expects:
// capability request, credential, nickname, user info.
func Handshake(login, token string) []string {
	login = strings.ToLower(login)
	if token != "" && !strings.HasPrefix(token, "oauth:") {
		token = "oauth:" + token
	}
	return []string{
		"CAP REQ :twitch.tv/tags twitch.tv/commands",
		"PASS " + token,
		"NICK " + login,
		"USER " + login + " 8 * :" + login,
	}
}

// Redact hides the credential of a PASS line for logging.
func Redact(line string) string {
	if strings.HasPrefix(line, "PASS ") {
		return "PASS oauth:********"
	}
	return line
}

// FormatPrivmsg renders a chat message line. The text is always trailing.
func FormatPrivmsg(channel, text, replyParent string) string {
	var b strings.Builder
	if replyParent != "" {
		b.WriteString("@" + ReplyParentTag + "=" + escapeTag(replyParent) + " ")
	}
	b.WriteString("PRIVMSG #")
	b.WriteString(ChannelName(channel))
	b.WriteString(" :")
	b.WriteString(text)
	return b.String()
}

// IsNumeric reports whether the command is a three-digit reply.
func (c Command) IsNumeric() bool {
	if len(c) != 3 {
		return false
	}
	_, err := strconv.Atoi(string(c))
	return err == nil
}
