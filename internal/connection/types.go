package connection

import (
	"context"
	"errors"
	"net"
	"time"
)

// Errors
var (
	ErrNotConnected = errors.New("not connected")
	ErrClosed       = errors.New("connection closed")
	ErrLineBreak    = errors.New("line contains a line break")
)

// State is the lifecycle position of a Connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	// StateAwaitingPong means a keepalive PING is outstanding.
	StateAwaitingPong
	StateReconnecting
	// StateClosed is terminal and only reached through Close.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateAwaitingPong:
		return "awaiting_pong"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Role identifies the purpose of a connection inside a pool.
type Role string

const (
	// RoleSend connections only carry outbound chat messages.
	RoleSend Role = "send"
	// RoleReceive connections carry joined channels and their inbound traffic.
	RoleReceive Role = "receive"
)

// Credentials are read on every handshake so a re-auth applies on the next reconnect.
type Credentials struct {
	Login string
	Token string
}

// DialFunc opens the raw socket.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// Config configures a single chat connection.
type Config struct {
	Addr         string        // host:port of the chat network
	DialTimeout  time.Duration // Timeout for a single dial
	WriteTimeout time.Duration // Write deadline per line
	PingInterval time.Duration // Keepalive interval; a missing PONG by the next tick kills the link

	// SendWriteTimeout replaces WriteTimeout on send connections. Their writes
	// run on the identity's dispatch worker.
	SendWriteTimeout time.Duration

	FirstReconnectDelay time.Duration // Delay before the first reconnect attempt
	ReconnectMultiplier time.Duration // Per-attempt backoff step
	ReconnectJitter     time.Duration // Jitter range subtracted then randomly re-added
	MaxReconnectSteps   int           // Attempt count at which backoff stops growing

	JoinRateLimit  int           // JOIN directives per window
	JoinRateWindow time.Duration // Join bucket refill window
	JoinRetryDelay time.Duration // Sleep between join ticket attempts
}

// DefaultConfig returns the production settings for the Twitch chat endpoint.
func DefaultConfig() Config {
	return Config{
		Addr:                "irc.chat.twitch.tv:6667",
		DialTimeout:         10 * time.Second,
		WriteTimeout:        5 * time.Second,
		SendWriteTimeout:    time.Second,
		PingInterval:        30 * time.Second,
		FirstReconnectDelay: 150 * time.Millisecond,
		ReconnectMultiplier: 2 * time.Second,
		ReconnectJitter:     500 * time.Millisecond,
		MaxReconnectSteps:   8,
		JoinRateLimit:       15,
		JoinRateWindow:      10 * time.Second,
		JoinRetryDelay:      time.Second,
	}
}

// Backoff returns the wait before reconnect attempt number attempt. Attempt 0
// is the first reaction to a disconnect. rnd returns a value in [0, n).
func (c Config) Backoff(attempt int, rnd func(n int64) int64) time.Duration {
	if attempt <= 0 {
		return c.FirstReconnectDelay
	}
	steps := min(attempt, max(c.MaxReconnectSteps, 1))

	var jitter time.Duration
	if c.ReconnectJitter > 0 && rnd != nil {
		jitter = time.Duration(rnd(int64(c.ReconnectJitter) + 1))
	}
	return c.ReconnectMultiplier*time.Duration(steps) - c.ReconnectJitter + jitter
}
