package core

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/chatbridge/internal/channel"
	"github.com/vovakirdan/chatbridge/internal/connection"
	"github.com/vovakirdan/chatbridge/internal/irc"
	"github.com/vovakirdan/chatbridge/internal/metrics"
	"github.com/vovakirdan/chatbridge/internal/pool"
	"github.com/vovakirdan/chatbridge/internal/queue"
	"github.com/vovakirdan/chatbridge/internal/ratelimit"
	"github.com/vovakirdan/chatbridge/internal/store"
)

// Config holds the transport settings every identity is built with.
type Config struct {
	Connection   connection.Config
	Pool         pool.Config
	Queue        queue.Config
	SyncInterval time.Duration // 0 disables periodic reconciliation with the store
}

func DefaultConfig() Config {
	return Config{
		Connection:   connection.DefaultConfig(),
		Pool:         pool.DefaultConfig(),
		Queue:        queue.DefaultConfig(),
		SyncInterval: 120 * time.Second,
	}
}

// Options carries the optional collaborators shared by all identities.
type Options struct {
	Store   store.ChannelStore
	Metrics *metrics.Metrics
	Clock   clock.Clock
	Factory pool.Factory // overrides connection construction
}

const opBacklog = 64

// Identity is one bot account: credentials, rate class, channel state, and
// the pool and queue that carry its traffic. The channel registry is the only
// copy of per-channel state; the queue reads and updates it in place.
type Identity struct {
	ID            string
	ApplicationID string

	log      zerolog.Logger
	bus      Bus
	store    store.ChannelStore
	clock    clock.Clock
	syncTick time.Duration

	channels *channel.Registry
	pool     *pool.Pool
	queue    *queue.Queue

	mu     sync.RWMutex
	name   string
	token  string
	limits ratelimit.Limits

	// membership changes run one at a time in arrival order
	ops    chan func(ctx context.Context)
	opMu   sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewIdentity builds an identity. Call Start to connect it.
func NewIdentity(appID, id string, auth Auth, cfg Config, bus Bus, logger *zerolog.Logger, opts Options) *Identity {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	limits := auth.Limits.WithDefaults()
	child := logger.With().Str("app_id", appID).Str("identity", id).Logger()

	ctx, cancel := context.WithCancel(context.Background())
	i := &Identity{
		ID:            id,
		ApplicationID: appID,
		log:           child,
		bus:           bus,
		store:         opts.Store,
		clock:         clk,
		syncTick:      cfg.SyncInterval,
		channels:      channel.NewRegistry(),
		name:          auth.Name,
		token:         auth.Token,
		limits:        limits,
		ops:           make(chan func(context.Context), opBacklog),
		ctx:           ctx,
		cancel:        cancel,
	}

	i.pool = pool.New(cfg.Pool, pool.Options{
		Identity:    id,
		Verified:    limits.Verified(),
		Connection:  cfg.Connection,
		Credentials: i.credentials,
		Logger:      &child,
		Clock:       clk,
		Metrics:     opts.Metrics,
		Factory:     opts.Factory,
	})
	i.queue = queue.New(cfg.Queue, i.pool, i.channels, queue.Options{
		Identity: id,
		Limits:   limits,
		Logger:   &child,
		Clock:    clk,
		Metrics:  opts.Metrics,
	})
	return i
}

func (i *Identity) credentials() connection.Credentials {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return connection.Credentials{Login: i.name, Token: i.token}
}

// Name returns the current display name.
func (i *Identity) Name() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.name
}

// Limits returns the current rate class.
func (i *Identity) Limits() ratelimit.Limits {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.limits
}

// Start wires inbound events to the bus and launches the send connections,
// the dispatch loop, the membership worker and, with a store, the channel sync.
func (i *Identity) Start() {
	i.once.Do(func() {
		i.pool.On(connection.Wildcard, i.forward)

		i.wg.Add(3)
		go func() {
			defer i.wg.Done()
			i.queue.Run(i.ctx)
		}()
		go func() {
			defer i.wg.Done()
			if err := i.pool.Start(i.ctx); err != nil && i.ctx.Err() == nil {
				i.log.Error().Err(err).Msg("send connections failed to start")
			}
		}()
		go func() {
			defer i.wg.Done()
			i.runOps()
		}()

		if i.store != nil {
			name := i.Name()
			if err := i.store.SaveIdentity(i.ctx, i.ApplicationID, i.ID, name); err != nil {
				i.log.Warn().Err(err).Msg("save identity failed")
			}
			i.wg.Add(1)
			go func() {
				defer i.wg.Done()
				i.syncLoop()
			}()
		}
		i.log.Info().Str("name", i.Name()).Msg("identity started")
	})
}

// Close tears the identity down: dispatch stops, sockets close, timers stop.
func (i *Identity) Close() error {
	i.cancel()
	err := i.pool.Close()
	i.wg.Wait()
	i.log.Info().Msg("identity closed")
	return err
}

// Schedule queues a membership change behind earlier ones. It fails fast
// when the backlog is full.
func (i *Identity) Schedule(op func(ctx context.Context)) error {
	select {
	case <-i.ctx.Done():
		return ErrIdentityNotFound
	default:
	}
	select {
	case i.ops <- op:
		return nil
	default:
		return ErrBusy
	}
}

func (i *Identity) runOps() {
	for {
		select {
		case <-i.ctx.Done():
			return
		case op := <-i.ops:
			op(i.ctx)
		}
	}
}

// UpdateAuth applies refreshed credentials and rate class. The new token is
// used on the next handshake; the buckets are resized immediately.
func (i *Identity) UpdateAuth(auth Auth) {
	limits := auth.Limits.WithDefaults()

	i.mu.Lock()
	changed := i.limits != limits
	if auth.Name != "" {
		i.name = auth.Name
	}
	if auth.Token != "" {
		i.token = auth.Token
	}
	i.limits = limits
	i.mu.Unlock()

	if changed {
		i.queue.SetLimits(limits)
		i.log.Info().Int("user_limit", limits.User).Int("moderator_limit", limits.Moderator).Msg("rate class changed")
	}
}

// Join adds channels to the membership and joins them through the pool.
func (i *Identity) Join(ctx context.Context, names []string) error {
	i.opMu.Lock()
	defer i.opMu.Unlock()

	err := i.join(ctx, normalize(names))
	i.persist(ctx)
	return err
}

// Part leaves channels and purges their state.
func (i *Identity) Part(ctx context.Context, names []string) {
	i.opMu.Lock()
	defer i.opMu.Unlock()

	i.part(normalize(names))
	i.persist(ctx)
}

// SetChannels reconciles the membership to exactly target: channels missing
// from target are parted, new ones joined, common ones left untouched.
func (i *Identity) SetChannels(ctx context.Context, target []string) error {
	i.opMu.Lock()
	defer i.opMu.Unlock()

	err := i.reconcile(ctx, normalize(target))
	i.persist(ctx)
	return err
}

func (i *Identity) reconcile(ctx context.Context, target []string) error {
	current := i.channels.Members()

	var leave, join []string
	for _, name := range current {
		if !slices.Contains(target, name) {
			leave = append(leave, name)
		}
	}
	for _, name := range target {
		if !slices.Contains(current, name) {
			join = append(join, name)
		}
	}

	if len(leave) > 0 {
		i.part(leave)
	}
	if len(join) > 0 {
		return i.join(ctx, join)
	}
	return nil
}

func (i *Identity) join(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	for _, name := range names {
		i.channels.Ensure(name).SetMember(true)
	}

	err := i.pool.Join(ctx, names)
	if err != nil {
		for _, name := range names {
			if !i.pool.Has(name) {
				i.channels.Remove(name)
			}
		}
		i.log.Warn().Err(err).Int("channels", len(names)).Msg("join failed")
		return err
	}
	i.log.Info().Strs("channels", names).Msg("joined")
	return nil
}

func (i *Identity) part(names []string) {
	if len(names) == 0 {
		return
	}
	i.pool.Leave(names)
	for _, name := range names {
		i.channels.Remove(name)
	}
	i.log.Info().Strs("channels", names).Msg("parted")
}

func (i *Identity) persist(ctx context.Context) {
	if i.store == nil {
		return
	}
	if err := i.store.SetChannels(ctx, i.ApplicationID, i.ID, i.channels.Members()); err != nil {
		i.log.Warn().Err(err).Msg("persist channels failed")
	}
}

// SyncChannels reconciles the membership to the stored channel list.
func (i *Identity) SyncChannels(ctx context.Context) error {
	if i.store == nil {
		return nil
	}
	names, err := i.store.Channels(ctx, i.ApplicationID, i.ID)
	if err != nil {
		return fmt.Errorf("load channels: %w", err)
	}

	i.opMu.Lock()
	defer i.opMu.Unlock()
	return i.reconcile(ctx, normalize(names))
}

func (i *Identity) syncLoop() {
	run := func(ctx context.Context) {
		if err := i.SyncChannels(ctx); err != nil {
			i.log.Warn().Err(err).Msg("channel sync failed")
		}
	}
	if err := i.Schedule(run); err != nil {
		i.log.Warn().Err(err).Msg("initial channel sync skipped")
	}
	if i.syncTick <= 0 {
		return
	}

	ticker := i.clock.Ticker(i.syncTick)
	defer ticker.Stop()
	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			if err := i.Schedule(run); err != nil {
				i.log.Debug().Err(err).Msg("channel sync skipped")
			}
		}
	}
}

// Send queues a chat message or a whisper.
func (i *Identity) Send(msg Message) error {
	if msg.Whisper != "" {
		return i.Whisper(msg.Whisper, msg.Text)
	}
	_, err := i.queue.Enqueue(queue.Request{
		Channel:   msg.Channel,
		Message:   msg.Text,
		Role:      msg.Role,
		MaxLength: msg.MaxLength,
		Sticky:    msg.Sticky,
		ReplyID:   msg.ReplyID,
	})
	return err
}

// Whisper sends a private message through the identity's own channel.
func (i *Identity) Whisper(target, text string) error {
	target = strings.TrimPrefix(strings.TrimSpace(target), "@")
	if target == "" || strings.TrimSpace(text) == "" {
		return ErrBadRequest
	}
	_, err := i.queue.Enqueue(queue.Request{
		Channel: strings.ToLower(i.Name()),
		Message: ".w " + target + " " + text,
		Role:    channel.RoleDefault,
	})
	return err
}

// forward turns connection events into bus events.
func (i *Identity) forward(ev connection.Event) {
	out := &Event{ApplicationID: i.ApplicationID, IdentityID: i.ID, ConnID: ev.ConnID}
	switch ev.Kind {
	case connection.EventMessage:
		if ev.Message == nil {
			return
		}
		if ev.Message.Command == irc.CommandUserState {
			i.observeUserState(ev.Message)
		}
		out.Kind = EventMessage
		out.Message = ev.Message
	case connection.EventConnect:
		out.Kind = EventConnect
	case connection.EventDisconnect:
		out.Kind = EventDisconnect
	default:
		return
	}
	if i.bus != nil {
		i.bus.Publish(out)
	}
}

// observeUserState records the bot's role in a channel from its badges.
func (i *Identity) observeUserState(msg *irc.Message) {
	st, ok := i.channels.Get(msg.Param())
	if !ok {
		return
	}
	role := channel.RoleFromBadges(msg.Tags["badges"])
	if msg.Tags["mod"] == "1" {
		role = max(role, channel.RoleModerator)
	}
	st.SetRole(role)
}

// Info is a diagnostic snapshot of an identity.
type Info struct {
	ApplicationID string           `json:"applicationId"`
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	Limits        ratelimit.Limits `json:"limits"`
	Channels      []string         `json:"channels"`
	Queued        int              `json:"queued"`
	Pool          pool.Stats       `json:"pool"`
}

func (i *Identity) Info() Info {
	i.mu.RLock()
	name, limits := i.name, i.limits
	i.mu.RUnlock()

	return Info{
		ApplicationID: i.ApplicationID,
		ID:            i.ID,
		Name:          name,
		Limits:        limits,
		Channels:      i.channels.Members(),
		Queued:        i.queue.Len(),
		Pool:          i.pool.Stats(),
	}
}

func normalize(names []string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		name = irc.ChannelName(name)
		if name != "" && !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	return out
}
