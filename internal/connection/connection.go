// Package connection implements one resilient chat session over plain TCP.
//
// A Connection:
//   - performs the login handshake and replays its channel membership
//   - sends a keepalive PING every interval and kills the link when the
//     previous PING went unanswered
//   - parses inbound lines and emits them to subscribers
//   - reconnects forever with bounded, jittered backoff
package connection

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/chatbridge/internal/irc"
	"github.com/vovakirdan/chatbridge/internal/metrics"
	"github.com/vovakirdan/chatbridge/internal/ratelimit"
)

const maxLineSize = 64 * 1024

// Options carries the collaborators of a Connection.
type Options struct {
	ID          int
	Role        Role
	Identity    string             // label used in logs and metrics
	Credentials func() Credentials // read on every handshake
	Logger      *zerolog.Logger
	Clock       clock.Clock
	Metrics     *metrics.Metrics
	Dial        DialFunc
}

// Connection is one TCP session to the chat network.
type Connection struct {
	id       int
	role     Role
	identity string
	cfg      Config
	creds    func() Credentials
	log      zerolog.Logger
	clock    clock.Clock
	metrics  *metrics.Metrics
	dial     DialFunc
	rnd      func(n int64) int64

	events     *emitter
	joinBucket *ratelimit.TokenBucket

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu             sync.Mutex
	conn           net.Conn
	gen            uint64
	sockCancel     context.CancelFunc
	state          State
	dialing        bool
	closed         bool
	channels       []string
	attempts       int
	reconnectTimer *clock.Timer
	reportedOutage bool
	pingStart      time.Time
	latency        time.Duration
	ready          chan struct{}
	readyClosed    bool

	keepaliveOnce sync.Once
}

// New creates a disconnected Connection. Call Connect to open it.
func New(cfg Config, opts Options) *Connection {
	logger := opts.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	dial := opts.Dial
	if dial == nil {
		dial = func(ctx context.Context, addr string) (net.Conn, error) {
			d := net.Dialer{Timeout: cfg.DialTimeout}
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	creds := opts.Credentials
	if creds == nil {
		creds = func() Credentials { return Credentials{} }
	}
	role := opts.Role
	if role == "" {
		role = RoleReceive
	}

	child := logger.With().Int("conn_id", opts.ID).Str("role", string(role)).Logger()
	ctx, cancel := context.WithCancel(context.Background())

	return &Connection{
		id:         opts.ID,
		role:       role,
		identity:   opts.Identity,
		cfg:        cfg,
		creds:      creds,
		log:        child,
		clock:      clk,
		metrics:    opts.Metrics,
		dial:       dial,
		rnd:        rand.Int64N,
		events:     newEmitter(&child),
		joinBucket: ratelimit.NewTokenBucket(cfg.JoinRateLimit, cfg.JoinRateWindow, clk),
		ctx:        ctx,
		cancel:     cancel,
		state:      StateDisconnected,
		latency:    -1,
		ready:      make(chan struct{}),
	}
}

// ID returns the pool-local identifier.
func (c *Connection) ID() int { return c.id }

// Role returns the connection's role.
func (c *Connection) Role() Role { return c.role }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Latency returns the last measured PING round trip. ok is false until a PONG arrived.
func (c *Connection) Latency() (latency time.Duration, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latency, c.latency >= 0
}

// On registers a handler for a topic.
func (c *Connection) On(t Topic, h Handler) {
	c.events.on(t, h)
}

// Connect opens the socket and blocks until the session is established for the
// first time. Dial failures are retried in the background; Connect only gives
// up when ctx ends or the connection is closed.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	start := c.state == StateDisconnected && !c.dialing
	if start {
		c.state = StateConnecting
		c.dialing = true
	}
	ready := c.ready
	c.mu.Unlock()

	c.keepaliveOnce.Do(func() { go c.keepaliveLoop() })

	if start {
		if err := c.open(ctx); err != nil {
			c.log.Warn().Err(err).Str("addr", c.cfg.Addr).Msg("connect failed")
			c.handleDisconnect(err)
		}
	}

	select {
	case <-ready:
		return nil
	case <-c.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("connect %s: %w", c.cfg.Addr, ctx.Err())
	}
}

// open dials, performs the handshake and replays membership. The caller must
// have set c.dialing.
func (c *Connection) open(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	c.log.Info().Str("addr", c.cfg.Addr).Msg("connecting")
	conn, err := c.dial(dialCtx, c.cfg.Addr)

	// Writers wait for the handshake once the socket is published.
	c.writeMu.Lock()
	c.mu.Lock()
	c.dialing = false
	if err != nil {
		c.mu.Unlock()
		c.writeMu.Unlock()
		return err
	}
	if c.closed {
		c.mu.Unlock()
		c.writeMu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	if c.sockCancel != nil {
		c.sockCancel()
	}
	sockCtx, sockCancel := context.WithCancel(c.ctx)
	c.conn = conn
	c.gen++
	c.sockCancel = sockCancel
	gen := c.gen
	c.state = StateOpen
	c.attempts = 0
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.reportedOutage = false
	channels := append([]string(nil), c.channels...)
	if !c.readyClosed {
		close(c.ready)
		c.readyClosed = true
	}
	c.mu.Unlock()

	creds := c.creds()
	for _, line := range irc.Handshake(creds.Login, creds.Token) {
		if err := c.writeLocked(conn, line); err != nil {
			c.log.Warn().Err(err).Msg("handshake write failed")
			break
		}
	}
	c.writeMu.Unlock()

	c.log.Info().Str("addr", c.cfg.Addr).Msg("connected")
	c.metrics.ConnectionOpened(c.identity, string(c.role))

	go c.readLoop(conn, gen)
	c.events.emit(Event{Kind: EventConnect, ConnID: c.id})

	if len(channels) > 0 {
		go c.replayMembership(sockCtx, gen, channels)
	}
	return nil
}

// dropSocketLocked detaches the current socket and stops work bound to it.
// The caller closes the returned socket.
func (c *Connection) dropSocketLocked() net.Conn {
	conn := c.conn
	c.conn = nil
	c.gen++
	if c.sockCancel != nil {
		c.sockCancel()
		c.sockCancel = nil
	}
	return conn
}

// Close shuts the connection down for good: no reconnect, no more events.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	wasOpen := c.state == StateOpen || c.state == StateAwaitingPong
	c.state = StateClosed
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.dropSocketLocked()
	c.mu.Unlock()

	c.cancel()
	if wasOpen {
		c.metrics.ConnectionClosed(c.identity, string(c.role))
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Send writes one raw line. Lines with embedded line breaks are rejected.
func (c *Connection) Send(line string) error {
	if strings.ContainsAny(line, "\r\n") {
		c.log.Warn().Str("line", irc.Redact(line)).Msg("tried to send a line break")
		return ErrLineBreak
	}
	return c.write(line)
}

// Say sends a chat message to channel, optionally as a reply.
func (c *Connection) Say(channel, text, replyParent string) error {
	return c.Send(irc.FormatPrivmsg(channel, text, replyParent))
}

func (c *Connection) write(line string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.writeTo(conn, line)
}

func (c *Connection) writeTo(conn net.Conn, line string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(conn, line)
}

// writeLocked writes one line on conn. The caller holds writeMu.
func (c *Connection) writeLocked(conn net.Conn, line string) error {
	if line != "PING" && !strings.HasPrefix(line, "PONG") {
		c.log.Debug().Str("line", irc.Redact(line)).Msg("-->")
	}

	if timeout := c.writeTimeout(); timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	if _, err := io.WriteString(conn, line+"\n"); err != nil {
		// The read loop observes the closed socket and starts the reconnect.
		_ = conn.Close()
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (c *Connection) writeTimeout() time.Duration {
	if c.role == RoleSend && c.cfg.SendWriteTimeout > 0 {
		return c.cfg.SendWriteTimeout
	}
	return c.cfg.WriteTimeout
}

// Channels returns a copy of the current membership.
func (c *Connection) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.channels...)
}

// ChannelCount returns the number of channels held by this connection.
func (c *Connection) ChannelCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.channels)
}

// HasChannel reports membership.
func (c *Connection) HasChannel(channel string) bool {
	channel = irc.ChannelName(channel)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.indexLocked(channel) >= 0
}

func (c *Connection) indexLocked(channel string) int {
	for i, ch := range c.channels {
		if ch == channel {
			return i
		}
	}
	return -1
}

// Join adds channel to the membership and sends JOIN. Joining a channel that
// is already a member is a no-op. Membership is kept even when the socket is
// down so the next handshake replays it.
func (c *Connection) Join(channel string) error {
	channel = irc.ChannelName(channel)
	c.mu.Lock()
	if c.indexLocked(channel) >= 0 {
		c.mu.Unlock()
		return nil
	}
	c.channels = append(c.channels, channel)
	c.mu.Unlock()

	return c.sendJoin(channel)
}

func (c *Connection) sendJoin(channel string) error {
	if err := c.Send(irc.Join(channel).String()); err != nil {
		return err
	}
	c.metrics.Joined(c.identity)
	return nil
}

// Leave removes channel from the membership and sends PART. Leaving a channel
// that is not a member is a no-op.
func (c *Connection) Leave(channel string) error {
	channel = irc.ChannelName(channel)
	c.mu.Lock()
	i := c.indexLocked(channel)
	if i < 0 {
		c.mu.Unlock()
		return nil
	}
	c.channels = append(c.channels[:i], c.channels[i+1:]...)
	c.mu.Unlock()

	if err := c.Send(irc.Part(channel).String()); err != nil {
		return err
	}
	c.metrics.Parted(c.identity)
	return nil
}

// JoinWithRateLimit joins channels one by one, waiting for a join ticket before
// each. onJoined is called after every channel, including ones whose JOIN line
// could not be written while the socket was down.
func (c *Connection) JoinWithRateLimit(ctx context.Context, channels []string, onJoined func(channel string)) error {
	for _, ch := range channels {
		if err := c.waitJoinTicket(ctx); err != nil {
			return err
		}
		if err := c.Join(ch); err != nil {
			c.log.Debug().Err(err).Str("channel", ch).Msg("join deferred to next handshake")
		}
		if onJoined != nil {
			onJoined(ch)
		}
	}
	return nil
}

// replayMembership rejoins channels on socket generation gen. It stops as soon
// as that socket is gone; the next handshake replays whatever is left.
func (c *Connection) replayMembership(ctx context.Context, gen uint64, channels []string) {
	for _, ch := range channels {
		if err := c.waitJoinTicket(ctx); err != nil {
			return
		}
		c.mu.Lock()
		if c.gen != gen || c.conn == nil {
			c.mu.Unlock()
			return
		}
		conn, member := c.conn, c.indexLocked(ch) >= 0
		c.mu.Unlock()
		if !member {
			continue
		}
		if err := c.writeTo(conn, irc.Join(ch).String()); err != nil {
			c.log.Debug().Err(err).Str("channel", ch).Msg("rejoin failed")
			return
		}
		c.metrics.Joined(c.identity)
	}
}

func (c *Connection) waitJoinTicket(ctx context.Context) error {
	for !c.joinBucket.TakeTicket() {
		select {
		case <-c.clock.After(c.cfg.JoinRetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ctx.Done():
			return ErrClosed
		}
	}
	return nil
}

func (c *Connection) readLoop(conn net.Conn, gen uint64) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxLineSize)

	for scanner.Scan() {
		c.handleLine(conn, scanner.Text())
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.socketClosed(gen, err)
}

func (c *Connection) handleLine(conn net.Conn, line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	msg, err := irc.Parse(line)
	if err != nil {
		c.log.Warn().Err(err).Str("line", line).Msg("dropping inbound line")
		c.metrics.ParseFailure()
		return
	}

	switch msg.Command {
	case irc.CommandPing:
		_ = c.write("PONG :" + msg.Last())
		return
	case irc.CommandPong:
		c.mu.Lock()
		if c.state == StateAwaitingPong {
			c.latency = c.clock.Since(c.pingStart)
			c.state = StateOpen
		}
		c.mu.Unlock()
		return
	case irc.CommandReconnect:
		c.log.Info().Msg("server requested reconnect")
		_ = conn.Close()
		return
	}

	c.events.emit(Event{Kind: EventMessage, ConnID: c.id, Message: msg})
}

// socketClosed runs when the read loop of socket generation gen ends.
func (c *Connection) socketClosed(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		return
	}
	if conn := c.dropSocketLocked(); conn != nil {
		_ = conn.Close()
	}
	c.state = StateDisconnected
	c.mu.Unlock()

	c.metrics.ConnectionClosed(c.identity, string(c.role))
	c.events.emit(Event{Kind: EventDisconnect, ConnID: c.id})
	c.handleDisconnect(cause)
}

// handleDisconnect schedules a reconnect unless one is already pending or the
// connection was closed on purpose.
func (c *Connection) handleDisconnect(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.reconnectTimer != nil || c.attempts > 0 {
		return
	}
	if !c.reportedOutage {
		c.log.Error().Err(cause).Str("identity", c.identity).Msg("disconnected from chat")
		c.reportedOutage = true
	}
	c.state = StateReconnecting
	c.reconnectTimer = c.clock.AfterFunc(c.cfg.Backoff(0, c.rnd), c.attemptReconnect)
}

func (c *Connection) attemptReconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.state == StateOpen || c.state == StateAwaitingPong {
		c.reconnectTimer = nil
		c.mu.Unlock()
		return
	}

	c.attempts++
	c.reconnectTimer = c.clock.AfterFunc(c.cfg.Backoff(c.attempts, c.rnd), c.attemptReconnect)
	if c.dialing {
		// Previous dial still in flight; just keep the schedule going.
		c.mu.Unlock()
		return
	}
	if c.conn != nil {
		_ = c.dropSocketLocked().Close()
	}
	c.dialing = true
	c.state = StateConnecting
	attempt := c.attempts
	c.mu.Unlock()

	c.metrics.Reconnect(c.identity, string(c.role))
	if err := c.open(c.ctx); err != nil {
		c.log.Debug().Err(err).Int("attempt", attempt).Msg("reconnect failed")
		c.mu.Lock()
		if !c.closed && c.state == StateConnecting {
			c.state = StateReconnecting
		}
		c.mu.Unlock()
	}
}

func (c *Connection) keepaliveLoop() {
	ticker := c.clock.Ticker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.ping()
		}
	}
}

func (c *Connection) ping() {
	c.mu.Lock()
	switch c.state {
	case StateAwaitingPong:
		conn := c.conn
		c.mu.Unlock()
		c.log.Warn().Msg("no PONG received, dropping connection")
		if conn != nil {
			_ = conn.Close()
		}
	case StateOpen:
		c.state = StateAwaitingPong
		c.pingStart = c.clock.Now()
		c.mu.Unlock()
		_ = c.write("PING")
	default:
		c.mu.Unlock()
	}
}
