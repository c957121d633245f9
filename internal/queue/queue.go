// Package queue implements the per-identity dispatch queue: message splitting,
// per-channel cooldown, rate buckets and duplicate suppression in front of
// the connection pool.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/chatbridge/internal/channel"
	"github.com/vovakirdan/chatbridge/internal/irc"
	"github.com/vovakirdan/chatbridge/internal/metrics"
	"github.com/vovakirdan/chatbridge/internal/ratelimit"
)

// DuplicateSuffix is appended when a message equals the channel's previous one.
// The tag character is ignored by chat clients but defeats the server's
// identical-message filter.
const DuplicateSuffix = " \U000E0000"

var (
	ErrEmptyMessage = errors.New("empty message")
	ErrNoChannel    = errors.New("channel is required")
)

// Sender hands a finished message to the transport.
type Sender interface {
	Send(channel, message string, sticky bool, replyID string) error
}

// Config tunes the dispatch rules.
type Config struct {
	Cooldown         time.Duration // Minimum gap between sends per channel for non-elevated roles
	CooldownOffset   time.Duration // Safety margin added to Cooldown
	DeniedBackoff    time.Duration // Retry delay after a bucket denial
	RateWindow       time.Duration // Refill window of the message buckets
	DefaultMaxLength int           // Used when neither request nor channel sets a limit
	MinCutFactor     float64       // Minimum share of the limit a word-boundary cut must keep
}

func DefaultConfig() Config {
	return Config{
		Cooldown:         time.Second,
		CooldownOffset:   100 * time.Millisecond,
		DeniedBackoff:    1500 * time.Millisecond,
		RateWindow:       ratelimit.DefaultWindow,
		DefaultMaxLength: 500,
		MinCutFactor:     0.75,
	}
}

// Request is one message submitted for delivery.
type Request struct {
	Channel   string
	Message   string
	Role      channel.Role
	MaxLength int   // 0 falls back to the channel limit, then the default
	Sticky    *bool // nil infers sticky when the message was split
	ReplyID   string
}

type item struct {
	channel string
	message string
	role    channel.Role
	sticky  bool
	replyID string
}

// Options carries the collaborators of a Queue.
type Options struct {
	Identity string
	Limits   ratelimit.Limits
	Logger   *zerolog.Logger
	Clock    clock.Clock
	Metrics  *metrics.Metrics
}

// Queue is an ordered mailbox drained by a single dispatch goroutine (Run).
// Within one channel items leave in enqueue order; channels do not block
// each other.
type Queue struct {
	cfg      Config
	sender   Sender
	channels *channel.Registry
	identity string
	log      zerolog.Logger
	clock    clock.Clock
	metrics  *metrics.Metrics

	userBucket *ratelimit.TokenBucket
	modBucket  *ratelimit.TokenBucket

	signal chan struct{}

	mu       sync.Mutex
	items    []*item
	inFlight map[string]bool
	timers   map[*clock.Timer]struct{}
}

// New creates a queue. The registry is shared with the owning identity.
func New(cfg Config, sender Sender, channels *channel.Registry, opts Options) *Queue {
	logger := opts.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	if channels == nil {
		channels = channel.NewRegistry()
	}
	limits := opts.Limits.WithDefaults()

	return &Queue{
		cfg:        cfg,
		sender:     sender,
		channels:   channels,
		identity:   opts.Identity,
		log:        logger.With().Str("component", "queue").Logger(),
		clock:      clk,
		metrics:    opts.Metrics,
		userBucket: ratelimit.NewTokenBucket(limits.User, cfg.RateWindow, clk),
		modBucket:  ratelimit.NewTokenBucket(limits.Moderator, cfg.RateWindow, clk),
		signal:     make(chan struct{}, 1),
		inFlight:   make(map[string]bool),
		timers:     make(map[*clock.Timer]struct{}),
	}
}

// SetLimits resizes both message buckets after a rate class change.
func (q *Queue) SetLimits(l ratelimit.Limits) {
	l = l.WithDefaults()
	q.userBucket.SetCapacity(l.User)
	q.modBucket.SetCapacity(l.Moderator)
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Enqueue splits the request into segments and queues one item per segment.
// It returns the number of queued segments.
func (q *Queue) Enqueue(req Request) (int, error) {
	if req.Message == "" {
		return 0, ErrEmptyMessage
	}
	name := irc.ChannelName(req.Channel)
	if name == "" {
		return 0, ErrNoChannel
	}

	segments := Split(req.Message, q.maxLength(name, req.MaxLength), q.cfg.MinCutFactor)
	if len(segments) == 0 {
		return 0, ErrEmptyMessage
	}

	sticky := len(segments) > 1
	if req.Sticky != nil {
		sticky = *req.Sticky
	}

	for _, seg := range segments {
		q.mu.Lock()
		q.items = append(q.items, &item{
			channel: name,
			message: seg,
			role:    req.Role,
			sticky:  sticky,
			replyID: req.ReplyID,
		})
		q.mu.Unlock()
		q.wake()
	}
	q.metrics.SegmentsQueued(q.identity, len(segments))
	return len(segments), nil
}

func (q *Queue) maxLength(name string, requested int) int {
	if requested > 0 {
		return requested
	}
	if st, ok := q.channels.Get(name); ok && st.MaxLength() > 0 {
		return st.MaxLength()
	}
	return q.cfg.DefaultMaxLength
}

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Run drains the queue until ctx ends. Pending retries are cancelled on return.
func (q *Queue) Run(ctx context.Context) {
	defer q.stopTimers()
	for {
		for q.dispatchNext() {
		}
		select {
		case <-ctx.Done():
			return
		case <-q.signal:
		}
	}
}

// dispatchNext handles the oldest item whose channel has nothing in flight.
// It returns false when no such item exists.
func (q *Queue) dispatchNext() bool {
	q.mu.Lock()
	var it *item
	for _, candidate := range q.items {
		if !q.inFlight[candidate.channel] {
			it = candidate
			break
		}
	}
	if it == nil {
		q.mu.Unlock()
		return false
	}
	q.inFlight[it.channel] = true
	q.mu.Unlock()

	st := q.channels.Ensure(it.channel)
	role := max(it.role, st.Role())
	log := q.log.With().Str("channel", it.channel).Logger()

	now := q.clock.Now()
	if !role.Elevated() {
		ready := st.LastSent().Add(q.cfg.Cooldown + q.cfg.CooldownOffset)
		if now.Before(ready) {
			q.metrics.RateLimited(q.identity, "cooldown")
			q.retryAfter(it.channel, ready.Sub(now))
			return true
		}
	}
	st.MarkSent(now)

	if !role.Elevated() && !q.userBucket.TakeTicket() {
		log.Info().Msg("denied user ticket")
		q.metrics.RateLimited(q.identity, "user")
		q.retryAfter(it.channel, q.cfg.DeniedBackoff)
		return true
	}
	if !q.modBucket.TakeTicket() {
		log.Info().Msg("denied moderator ticket")
		q.metrics.RateLimited(q.identity, "moderator")
		q.retryAfter(it.channel, q.cfg.DeniedBackoff)
		return true
	}

	text := it.message
	if text == st.LastMessage() {
		text += DuplicateSuffix
	}
	st.SetLastMessage(text)

	q.mu.Lock()
	q.removeLocked(it)
	q.mu.Unlock()

	if err := q.sender.Send(it.channel, text, it.sticky, it.replyID); err != nil {
		log.Warn().Err(err).Msg("message dropped")
		q.metrics.MessageDropped(q.identity, "no_connection")
	} else {
		q.metrics.MessageSent(q.identity)
	}

	q.mu.Lock()
	delete(q.inFlight, it.channel)
	q.mu.Unlock()
	return true
}

func (q *Queue) removeLocked(it *item) {
	for i, candidate := range q.items {
		if candidate == it {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

// retryAfter keeps the channel blocked for d, then releases it and wakes the loop.
func (q *Queue) retryAfter(name string, d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var t *clock.Timer
	t = q.clock.AfterFunc(d, func() {
		q.mu.Lock()
		delete(q.timers, t)
		delete(q.inFlight, name)
		q.mu.Unlock()
		q.wake()
	})
	q.timers[t] = struct{}{}
}

func (q *Queue) stopTimers() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for t := range q.timers {
		t.Stop()
	}
	clear(q.timers)
}
