// Package pool spreads one identity's traffic over several chat connections:
// a fixed set of send-only connections chosen round-robin, and a growing set
// of receive connections that carry joined channels.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/vovakirdan/chatbridge/internal/connection"
	"github.com/vovakirdan/chatbridge/internal/irc"
	"github.com/vovakirdan/chatbridge/internal/metrics"
)

var (
	// ErrCapacityExhausted is returned when no connection can take a join batch.
	ErrCapacityExhausted = errors.New("no connection capacity for channels")
	// ErrNoSendConnection means the message was dropped because no send connection is up yet.
	ErrNoSendConnection = errors.New("no send connection available")
	ErrClosed           = errors.New("pool closed")
)

// Conn is the part of *connection.Connection the pool relies on.
type Conn interface {
	ID() int
	Connect(ctx context.Context) error
	Say(channel, text, replyParent string) error
	Leave(channel string) error
	JoinWithRateLimit(ctx context.Context, channels []string, onJoined func(channel string)) error
	HasChannel(channel string) bool
	Channels() []string
	ChannelCount() int
	Latency() (time.Duration, bool)
	State() connection.State
	On(t connection.Topic, h connection.Handler)
	Close() error
}

// Factory builds an unconnected Conn.
type Factory func(id int, role connection.Role) Conn

// Config sizes the pool.
type Config struct {
	MaxChannelsPerConnection int           // Channel capacity of one receive connection
	SendConnections          int           // Send connections for normal and known accounts
	SendConnectionsVerified  int           // Send connections for verified accounts
	JoinChunkDelay           time.Duration // Pause between join batches
	MaxReceiveConnections    int           // 0 means unlimited
	ConnectTimeout           time.Duration // Deadline for opening a new receive connection
}

func DefaultConfig() Config {
	return Config{
		MaxChannelsPerConnection: 50,
		SendConnections:          2,
		SendConnectionsVerified:  5,
		JoinChunkDelay:           2500 * time.Millisecond,
		ConnectTimeout:           30 * time.Second,
	}
}

// Options carries the collaborators of a Pool.
type Options struct {
	Identity    string
	Verified    bool // verified accounts get more send connections
	Connection  connection.Config
	Credentials func() connection.Credentials
	Logger      *zerolog.Logger
	Clock       clock.Clock
	Metrics     *metrics.Metrics
	Factory     Factory // overrides connection construction
}

type subscription struct {
	topic   connection.Topic
	handler connection.Handler
}

// LatencyStats summarizes keepalive round trips of all measured connections.
type LatencyStats struct {
	Avg   time.Duration `json:"avg"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Count int           `json:"count"`
}

// Stats is a diagnostic snapshot.
type Stats struct {
	SendConnections    int          `json:"sendConnections"`
	ReceiveConnections int          `json:"receiveConnections"`
	Channels           int          `json:"channels"`
	PendingJoins       int          `json:"pendingJoins"`
	Latency            LatencyStats `json:"latency"`
}

// Pool owns every connection of one identity.
type Pool struct {
	cfg      Config
	identity string
	verified bool
	log      zerolog.Logger
	clock    clock.Clock
	factory  Factory

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	nextID     int
	send       []Conn
	lastSend   int
	receive    []Conn
	connecting []Conn
	reserved   map[Conn]int
	pending    map[string]struct{}
	abandoned  map[string]struct{}
	handlers   []subscription
	closed     bool
}

// New creates an empty pool. Call Start to open the send connections.
func New(cfg Config, opts Options) *Pool {
	logger := opts.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	if cfg.MaxChannelsPerConnection <= 0 {
		cfg.MaxChannelsPerConnection = DefaultConfig().MaxChannelsPerConnection
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:       cfg,
		identity:  opts.Identity,
		verified:  opts.Verified,
		log:       logger.With().Str("component", "pool").Logger(),
		clock:     clk,
		factory:   opts.Factory,
		ctx:       ctx,
		cancel:    cancel,
		reserved:  make(map[Conn]int),
		pending:   make(map[string]struct{}),
		abandoned: make(map[string]struct{}),
	}
	if p.factory == nil {
		p.factory = func(id int, role connection.Role) Conn {
			return connection.New(opts.Connection, connection.Options{
				ID:          id,
				Role:        role,
				Identity:    opts.Identity,
				Credentials: opts.Credentials,
				Logger:      logger,
				Clock:       clk,
				Metrics:     opts.Metrics,
			})
		}
	}
	return p
}

// Start opens the send connections concurrently. Each one becomes usable as
// soon as it is connected; Start returns once all of them are up or ctx ends.
func (p *Pool) Start(ctx context.Context) error {
	count := p.cfg.SendConnections
	if p.verified {
		count = p.cfg.SendConnectionsVerified
	}
	count = max(count, 1)

	g, gctx := errgroup.WithContext(ctx)
	for range count {
		conn, err := p.newConn(connection.RoleSend, false)
		if err != nil {
			return err
		}
		g.Go(func() error {
			if err := conn.Connect(gctx); err != nil {
				_ = conn.Close()
				return fmt.Errorf("send connection %d: %w", conn.ID(), err)
			}
			p.mu.Lock()
			defer p.mu.Unlock()
			if p.closed {
				_ = conn.Close()
				return ErrClosed
			}
			p.send = append(p.send, conn)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	p.log.Info().Int("send_connections", count).Msg("send connections ready")
	return nil
}

// newConn allocates an id and builds a connection. Receive connections get
// every registered handler before they are dialed.
func (p *Pool) newConn(role connection.Role, subscribe bool) (Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	p.nextID++
	conn := p.factory(p.nextID, role)
	if subscribe {
		for _, s := range p.handlers {
			conn.On(s.topic, s.handler)
		}
		p.connecting = append(p.connecting, conn)
	}
	return conn, nil
}

// Send writes a chat message on a send connection. Without sticky the next
// connection in round-robin order is used; with sticky the previous one.
func (p *Pool) Send(channel, message string, sticky bool, replyID string) error {
	p.mu.Lock()
	if len(p.send) == 0 {
		p.mu.Unlock()
		p.log.Warn().Str("channel", channel).Msg("no send connection yet, message dropped")
		return ErrNoSendConnection
	}
	if !sticky {
		p.lastSend++
	}
	p.lastSend %= len(p.send)
	conn := p.send[p.lastSend]
	p.mu.Unlock()

	return conn.Say(channel, message, replyID)
}

// On registers a handler on every current and future receive connection.
func (p *Pool) On(t connection.Topic, h connection.Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, subscription{topic: t, handler: h})
	for _, conn := range p.receive {
		conn.On(t, h)
	}
	for _, conn := range p.connecting {
		conn.On(t, h)
	}
}

// Join joins channels that are neither owned nor already being joined. Names
// are processed in batches of one connection's capacity with JoinChunkDelay
// between batches. The rate-limited joins themselves continue in the
// background after Join returns.
func (p *Pool) Join(ctx context.Context, channels []string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	var todo []string
	for _, name := range channels {
		name = irc.ChannelName(name)
		if name == "" {
			continue
		}
		if _, ok := p.pending[name]; ok {
			delete(p.abandoned, name)
			continue
		}
		if p.ownerLocked(name) != nil {
			continue
		}
		p.pending[name] = struct{}{}
		todo = append(todo, name)
	}
	p.mu.Unlock()

	for len(todo) > 0 {
		n := min(len(todo), p.cfg.MaxChannelsPerConnection)
		chunk := todo[:n]
		todo = todo[n:]

		conn, err := p.freeConnection(ctx, len(chunk))
		if err != nil {
			p.releasePending(chunk)
			p.releasePending(todo)
			return err
		}
		p.joinChunk(conn, chunk)

		if len(todo) == 0 {
			break
		}
		select {
		case <-p.clock.After(p.cfg.JoinChunkDelay):
		case <-ctx.Done():
			p.releasePending(todo)
			return ctx.Err()
		case <-p.ctx.Done():
			p.releasePending(todo)
			return ErrClosed
		}
	}
	return nil
}

func (p *Pool) joinChunk(conn Conn, chunk []string) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		joined := 0
		err := conn.JoinWithRateLimit(p.ctx, chunk, func(name string) {
			joined++
			p.mu.Lock()
			delete(p.pending, name)
			p.reserved[conn]--
			_, abandon := p.abandoned[name]
			delete(p.abandoned, name)
			p.mu.Unlock()

			if abandon {
				_ = conn.Leave(name)
			}
		})
		if err != nil {
			p.log.Debug().Err(err).Int("conn_id", conn.ID()).Msg("join batch interrupted")
			p.mu.Lock()
			p.reserved[conn] -= len(chunk) - joined
			p.mu.Unlock()
			p.releasePending(chunk[joined:])
			return
		}
		p.log.Info().Int("conn_id", conn.ID()).Int("channels", len(chunk)).Msg("finished joining channels")
	}()
}

func (p *Pool) releasePending(names []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, name := range names {
		delete(p.pending, name)
		delete(p.abandoned, name)
	}
}

// freeConnection returns a receive connection with room for need more
// channels, opening a new one when none has. The slots are reserved until
// the joins complete.
func (p *Pool) freeConnection(ctx context.Context, need int) (Conn, error) {
	p.mu.Lock()
	for _, conn := range p.receive {
		if conn.ChannelCount()+p.reserved[conn]+need <= p.cfg.MaxChannelsPerConnection {
			p.reserved[conn] += need
			p.mu.Unlock()
			return conn, nil
		}
	}
	limit := p.cfg.MaxReceiveConnections
	if limit > 0 && len(p.receive)+len(p.connecting) >= limit {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %d receive connections in use", ErrCapacityExhausted, limit)
	}
	p.mu.Unlock()

	conn, err := p.newConn(connection.RoleReceive, true)
	if err != nil {
		return nil, err
	}

	cctx := ctx
	if p.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, p.cfg.ConnectTimeout)
		defer cancel()
	}
	err = conn.Connect(cctx)

	p.mu.Lock()
	p.connecting = removeConn(p.connecting, conn)
	if err == nil && p.closed {
		err = ErrClosed
	}
	if err != nil {
		p.mu.Unlock()
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrCapacityExhausted, err)
	}
	p.receive = append(p.receive, conn)
	p.reserved[conn] = need
	total := len(p.receive)
	p.mu.Unlock()

	p.log.Debug().Int("conn_id", conn.ID()).Int("receive_connections", total).Msg("new receive connection")
	return conn, nil
}

func removeConn(conns []Conn, target Conn) []Conn {
	for i, c := range conns {
		if c == target {
			return append(conns[:i], conns[i+1:]...)
		}
	}
	return conns
}

func (p *Pool) ownerLocked(name string) Conn {
	for _, conn := range p.receive {
		if conn.HasChannel(name) {
			return conn
		}
	}
	return nil
}

// Owner returns the id of the connection holding channel.
func (p *Pool) Owner(channel string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn := p.ownerLocked(irc.ChannelName(channel)); conn != nil {
		return conn.ID(), true
	}
	return 0, false
}

// Has reports whether channel is joined or has a join in flight.
func (p *Pool) Has(channel string) bool {
	channel = irc.ChannelName(channel)
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[channel]; ok {
		return true
	}
	return p.ownerLocked(channel) != nil
}

// Leave parts channels on whichever connection holds them. Channels still
// waiting for their join are parted as soon as the join lands.
func (p *Pool) Leave(channels []string) {
	for _, name := range channels {
		name = irc.ChannelName(name)

		p.mu.Lock()
		conn := p.ownerLocked(name)
		if conn == nil {
			if _, ok := p.pending[name]; ok {
				p.abandoned[name] = struct{}{}
			}
		}
		p.mu.Unlock()

		if conn != nil {
			if err := conn.Leave(name); err != nil {
				p.log.Debug().Err(err).Str("channel", name).Msg("part deferred")
			}
		}
	}
}

// Rejoin leaves and joins channels again.
func (p *Pool) Rejoin(ctx context.Context, channels []string) error {
	p.Leave(channels)
	return p.Join(ctx, channels)
}

// Channels returns every joined channel, sorted.
func (p *Pool) Channels() []string {
	p.mu.Lock()
	conns := append([]Conn(nil), p.receive...)
	p.mu.Unlock()

	var out []string
	for _, conn := range conns {
		out = append(out, conn.Channels()...)
	}
	sort.Strings(out)
	return out
}

// Latency aggregates the keepalive latency of all connections that measured one.
func (p *Pool) Latency() LatencyStats {
	p.mu.Lock()
	conns := append(append([]Conn(nil), p.send...), p.receive...)
	p.mu.Unlock()

	var stats LatencyStats
	var total time.Duration
	for _, conn := range conns {
		d, ok := conn.Latency()
		if !ok {
			continue
		}
		if stats.Count == 0 || d < stats.Min {
			stats.Min = d
		}
		stats.Max = max(stats.Max, d)
		total += d
		stats.Count++
	}
	if stats.Count > 0 {
		stats.Avg = total / time.Duration(stats.Count)
	}
	return stats
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	s := Stats{
		SendConnections:    len(p.send),
		ReceiveConnections: len(p.receive),
		PendingJoins:       len(p.pending),
	}
	p.mu.Unlock()

	s.Channels = len(p.Channels())
	s.Latency = p.Latency()
	return s
}

// Close shuts every connection down and waits for background joins to stop.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := append(append(append([]Conn(nil), p.send...), p.receive...), p.connecting...)
	p.send = nil
	p.receive = nil
	p.connecting = nil
	p.mu.Unlock()

	p.cancel()

	var err error
	for _, conn := range conns {
		err = multierr.Append(err, conn.Close())
	}
	p.wg.Wait()
	return err
}
