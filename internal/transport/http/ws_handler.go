package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	stdhttp "net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/vovakirdan/chatbridge/internal/auth"
	"github.com/vovakirdan/chatbridge/internal/config"
	"github.com/vovakirdan/chatbridge/internal/core"
	"github.com/vovakirdan/chatbridge/internal/proto"
	"github.com/vovakirdan/chatbridge/internal/utils"
)

const wsPingInterval = 15 * time.Second

// WSHandler upgrades HTTP connections into control-plane sessions.
type WSHandler struct {
	hub          *core.Hub
	auth         *auth.Service
	log          *zerolog.Logger
	perSecond    float64
	burst        int
	pingInterval time.Duration
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(hub *core.Hub, authService *auth.Service, cfg *config.Config, logger *zerolog.Logger) *WSHandler {
	return &WSHandler{
		hub:          hub,
		auth:         authService,
		log:          logger,
		perSecond:    cfg.GatewayCommandsPerSecond,
		burst:        cfg.GatewayBurst,
		pingInterval: wsPingInterval,
	}
}

// session is one websocket client. It is bound to an application either by
// its token or by the first envelope naming one.
type session struct {
	id      string
	limiter *rate.Limiter

	mu     sync.Mutex
	appID  string
	client *core.Client
	bound  chan struct{}
}

func (s *session) application() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appID
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	ctx := r.Context()

	sess := &session{
		id:      utils.NewID(),
		limiter: newRateLimiter(h.perSecond, h.burst),
		bound:   make(chan struct{}),
	}
	if h.auth.Enabled() {
		claims, err := h.auth.ValidateToken(bearerToken(r))
		if err != nil {
			h.log.Debug().Err(err).Msg("ws rejected")
			stdhttp.Error(w, "unauthorized", stdhttp.StatusUnauthorized)
			return
		}
		sess.appID = claims.ApplicationID
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")

	if sess.appID != "" {
		h.bind(sess, sess.appID)
	}
	defer h.unbind(sess)

	h.log.Debug().Str("session", sess.id).Str("app_id", sess.appID).Msg("ws connected")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 3)
	go func() {
		errCh <- h.readLoop(ctx, conn, sess)
	}()
	go func() {
		errCh <- h.writeLoop(ctx, conn, sess)
	}()
	go func() {
		errCh <- h.pingLoop(ctx, conn)
	}()

	err = <-errCh
	cancel() // stop the other goroutines
	<-errCh
	<-errCh

	status := websocket.StatusNormalClosure
	reason := "closing"
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if s := websocket.CloseStatus(err); s != 0 {
			status = s
		}
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			err = nil
		}
		if err != nil {
			if status == websocket.StatusNormalClosure {
				status = websocket.StatusInternalError
			}
			reason = err.Error()
			h.log.Warn().Err(err).Str("session", sess.id).Msg("ws connection closed with error")
		}
	}

	conn.Close(status, reason)
}

func (h *WSHandler) bind(sess *session, appID string) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.client != nil {
		return
	}
	sess.appID = appID
	sess.client = core.NewClient(sess.id, appID)
	h.hub.RegisterClient(sess.client)
	close(sess.bound)
}

func (h *WSHandler) unbind(sess *session) {
	sess.mu.Lock()
	client := sess.client
	sess.mu.Unlock()
	if client != nil {
		h.hub.UnregisterClient(client)
	}
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, sess *session) error {
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var inbound proto.Inbound
		if err := json.Unmarshal(raw, &inbound); err != nil {
			h.log.Warn().Err(err).Str("session", sess.id).Msg("ws bad json")
			if err := h.writeError(ctx, conn, badRequest("invalid json")); err != nil {
				return err
			}
			continue
		}

		if perr := h.handleInbound(ctx, sess, inbound); perr != nil {
			if err := h.writeError(ctx, conn, perr); err != nil {
				return err
			}
		}
	}
}

func (h *WSHandler) handleInbound(ctx context.Context, sess *session, inbound proto.Inbound) *proto.Error {
	if inbound.Version != proto.Version {
		return &proto.Error{Code: core.ErrCodeUnsupportedVersion, Msg: "supported version is " + proto.Version}
	}
	if !sess.limiter.Allow() {
		return &proto.Error{Code: core.ErrCodeRateLimited, Msg: "too many commands"}
	}

	appID := sess.application()
	requested := string(inbound.ApplicationID)
	switch {
	case appID == "" && requested == "":
		return badRequest("applicationId is required")
	case appID == "":
		h.bind(sess, requested)
		appID = requested
	case requested != "" && requested != appID:
		return &proto.Error{Code: core.ErrCodeUnauthorized, Msg: "session is bound to another application"}
	}

	cmd, perr := inboundToCommand(appID, inbound)
	if perr != nil {
		return perr
	}
	if err := h.hub.Submit(ctx, cmd); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		h.log.Debug().Err(err).Str("session", sess.id).Str("cmd", inbound.Cmd).Msg("command rejected")
		return errorFromCore(err, cmd.IdentityID)
	}
	return nil
}

func (h *WSHandler) writeError(ctx context.Context, conn *websocket.Conn, perr *proto.Error) error {
	return wsjson.Write(ctx, conn, errorOutbound(perr))
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, sess *session) error {
	select {
	case <-sess.bound:
	case <-ctx.Done():
		return ctx.Err()
	}
	events := sess.client.Events

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if err := wsjson.Write(ctx, conn, outboundFromEvent(event)); err != nil {
				h.log.Error().Err(err).Str("session", sess.id).Msg("write ws event")
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *WSHandler) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, h.pingInterval)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

// bearerToken reads the token from the Authorization header or, for
// browsers that cannot set headers on upgrades, the token query parameter.
func bearerToken(r *stdhttp.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
