package core

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

type identityKey struct {
	app string
	id  string
}

// Hub routes control-plane commands to identities and fans identity events
// out to the clients of the owning application. Commands are handled one at a
// time by Run; slow membership work is handed to each identity's worker.
type Hub struct {
	Commands chan *Command

	cfg  Config
	opts Options
	log  *zerolog.Logger

	mu         sync.RWMutex
	identities map[identityKey]*Identity
	audiences  map[string]*audience
	closed     bool
}

// NewHub creates a hub. The hub is the event bus of every identity it creates.
func NewHub(cfg Config, logger *zerolog.Logger, opts Options) *Hub {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Hub{
		Commands:   make(chan *Command, 64),
		cfg:        cfg,
		opts:       opts,
		log:        logger,
		identities: make(map[identityKey]*Identity),
		audiences:  make(map[string]*audience),
	}
}

// Run processes commands until ctx ends, then tears every identity down.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		if err := h.Close(); err != nil {
			h.log.Warn().Err(err).Msg("hub close")
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-h.Commands:
			if cmd == nil {
				continue
			}
			err := h.handle(cmd)
			if err != nil {
				h.log.Debug().Err(err).Str("cmd", cmd.Kind.String()).Str("identity", cmd.IdentityID).Msg("command failed")
			}
			if cmd.Reply != nil {
				cmd.Reply <- err
			}
		}
	}
}

// Submit hands cmd to Run and waits for the outcome.
func (h *Hub) Submit(ctx context.Context, cmd *Command) error {
	cmd.Reply = make(chan error, 1)
	select {
	case h.Commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.Reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) handle(cmd *Command) error {
	if cmd.IdentityID == "" {
		return coreError(ErrCodeBadRequest, "identity id is required")
	}
	if cmd.Kind == CommandAuth {
		return h.auth(cmd)
	}

	ident, ok := h.Identity(cmd.ApplicationID, cmd.IdentityID)
	if !ok {
		return coreError(ErrCodeIdentityNotFound, fmt.Sprintf("identity %s is not authenticated", cmd.IdentityID))
	}

	switch cmd.Kind {
	case CommandJoin:
		if len(cmd.Channels) == 0 {
			return coreError(ErrCodeBadRequest, "channels are required")
		}
		return h.schedule(ident, cmd.Kind, func(ctx context.Context) error {
			return ident.Join(ctx, cmd.Channels)
		})
	case CommandPart:
		if len(cmd.Channels) == 0 {
			return coreError(ErrCodeBadRequest, "channels are required")
		}
		return h.schedule(ident, cmd.Kind, func(ctx context.Context) error {
			ident.Part(ctx, cmd.Channels)
			return nil
		})
	case CommandSetChannels:
		return h.schedule(ident, cmd.Kind, func(ctx context.Context) error {
			return ident.SetChannels(ctx, cmd.Channels)
		})
	case CommandSend:
		if err := ident.Send(cmd.Message); err != nil {
			return AsCoreError(err)
		}
		return nil
	case CommandRemove:
		return h.RemoveIdentity(cmd.ApplicationID, cmd.IdentityID)
	default:
		return coreError(ErrCodeBadRequest, "unknown command")
	}
}

func (h *Hub) auth(cmd *Command) error {
	if cmd.Auth.Token == "" || cmd.Auth.Name == "" {
		return coreError(ErrCodeBadRequest, "name and token are required")
	}
	key := identityKey{app: cmd.ApplicationID, id: cmd.IdentityID}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	ident, ok := h.identities[key]
	if !ok {
		ident = NewIdentity(cmd.ApplicationID, cmd.IdentityID, cmd.Auth, h.cfg, h, h.log, h.opts)
		h.identities[key] = ident
	}
	h.mu.Unlock()

	if ok {
		ident.UpdateAuth(cmd.Auth)
		return nil
	}
	ident.Start()
	h.log.Info().Str("app_id", cmd.ApplicationID).Str("identity", cmd.IdentityID).Msg("identity registered")
	return nil
}

// schedule queues a membership change; its failure is reported as an error event.
func (h *Hub) schedule(ident *Identity, kind CommandKind, op func(ctx context.Context) error) error {
	err := ident.Schedule(func(ctx context.Context) {
		if err := op(ctx); err != nil && ctx.Err() == nil {
			ce := AsCoreError(err)
			h.Publish(&Event{
				Kind:          EventError,
				ApplicationID: ident.ApplicationID,
				IdentityID:    ident.ID,
				Error:         coreError(ce.Code, kind.String()+": "+ce.Message),
			})
		}
	})
	if err != nil {
		return AsCoreError(err)
	}
	return nil
}

// Identity looks an identity up.
func (h *Hub) Identity(appID, id string) (*Identity, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ident, ok := h.identities[identityKey{app: appID, id: id}]
	return ident, ok
}

// Identities returns a snapshot of every identity, ordered by application and id.
func (h *Hub) Identities() []Info {
	h.mu.RLock()
	idents := make([]*Identity, 0, len(h.identities))
	for _, ident := range h.identities {
		idents = append(idents, ident)
	}
	h.mu.RUnlock()

	out := make([]Info, 0, len(idents))
	for _, ident := range idents {
		out = append(out, ident.Info())
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].ApplicationID != out[b].ApplicationID {
			return out[a].ApplicationID < out[b].ApplicationID
		}
		return out[a].ID < out[b].ID
	})
	return out
}

// RemoveIdentity closes an identity and forgets its stored channels.
func (h *Hub) RemoveIdentity(appID, id string) error {
	key := identityKey{app: appID, id: id}
	h.mu.Lock()
	ident, ok := h.identities[key]
	delete(h.identities, key)
	h.mu.Unlock()

	if !ok {
		return coreError(ErrCodeIdentityNotFound, fmt.Sprintf("identity %s is not authenticated", id))
	}

	err := ident.Close()
	if st := h.opts.Store; st != nil {
		if derr := st.DeleteIdentity(context.Background(), appID, id); derr != nil {
			h.log.Warn().Err(derr).Str("identity", id).Msg("delete stored identity failed")
		}
	}
	h.log.Info().Str("app_id", appID).Str("identity", id).Msg("identity removed")
	return err
}

// RegisterClient subscribes a client to its application's events.
func (h *Hub) RegisterClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	a, ok := h.audiences[c.ApplicationID]
	if !ok {
		a = newAudience(c.ApplicationID)
		h.audiences[c.ApplicationID] = a
	}
	a.add(c)
}

// UnregisterClient removes a client and closes its event channel.
func (h *Hub) UnregisterClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	a, ok := h.audiences[c.ApplicationID]
	if !ok || !a.remove(c) {
		return
	}
	close(c.Events)
	if a.empty() {
		delete(h.audiences, c.ApplicationID)
	}
}

// Publish implements Bus.
func (h *Hub) Publish(ev *Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	a, ok := h.audiences[ev.ApplicationID]
	if !ok {
		return
	}
	if dropped := a.broadcast(ev); dropped > 0 {
		h.log.Debug().Int("dropped", dropped).Str("event", ev.Kind.String()).Msg("slow clients skipped")
	}
}

// Close tears every identity down. The hub accepts no new identities afterwards.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	idents := make([]*Identity, 0, len(h.identities))
	for key, ident := range h.identities {
		idents = append(idents, ident)
		delete(h.identities, key)
	}
	h.mu.Unlock()

	var err error
	for _, ident := range idents {
		err = multierr.Append(err, ident.Close())
	}
	return err
}
