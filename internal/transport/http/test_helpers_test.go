package http

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/chatbridge/internal/auth"
	"github.com/vovakirdan/chatbridge/internal/config"
	"github.com/vovakirdan/chatbridge/internal/connection"
	"github.com/vovakirdan/chatbridge/internal/core"
	"github.com/vovakirdan/chatbridge/internal/metrics"
	"github.com/vovakirdan/chatbridge/internal/pool"
	"github.com/vovakirdan/chatbridge/internal/proto"
)

const testSecret = "testsecret"

// stubConn is an always-connected chat connection that records writes.
type stubConn struct {
	id   int
	role connection.Role

	mu       sync.Mutex
	channels []string
	said     []string
	handlers []connection.Handler
}

func (c *stubConn) ID() int                        { return c.id }
func (c *stubConn) Connect(context.Context) error  { return nil }
func (c *stubConn) State() connection.State        { return connection.StateOpen }
func (c *stubConn) Close() error                   { return nil }
func (c *stubConn) Latency() (time.Duration, bool) { return 42 * time.Millisecond, true }
func (c *stubConn) HasChannel(channel string) bool { return slices.Contains(c.Channels(), channel) }
func (c *stubConn) ChannelCount() int              { return len(c.Channels()) }
func (c *stubConn) On(_ connection.Topic, h connection.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

func (c *stubConn) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.channels)
}

func (c *stubConn) Say(channel, text, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.said = append(c.said, channel+" "+text)
	return nil
}

func (c *stubConn) Leave(channel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := slices.Index(c.channels, channel); i >= 0 {
		c.channels = slices.Delete(c.channels, i, i+1)
	}
	return nil
}

func (c *stubConn) JoinWithRateLimit(_ context.Context, channels []string, onJoined func(string)) error {
	for _, ch := range channels {
		c.mu.Lock()
		c.channels = append(c.channels, ch)
		c.mu.Unlock()
		onJoined(ch)
	}
	return nil
}

func (c *stubConn) emit(ev connection.Event) {
	c.mu.Lock()
	handlers := slices.Clone(c.handlers)
	c.mu.Unlock()
	ev.ConnID = c.id
	for _, h := range handlers {
		h(ev)
	}
}

type stubNetwork struct {
	mu    sync.Mutex
	conns []*stubConn
}

func (n *stubNetwork) factory(id int, role connection.Role) pool.Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := &stubConn{id: id, role: role}
	n.conns = append(n.conns, c)
	return c
}

func (n *stubNetwork) find(role connection.Role) []*stubConn {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*stubConn
	for _, c := range n.conns {
		if c.role == role {
			out = append(out, c)
		}
	}
	return out
}

func (n *stubNetwork) said() []string {
	var out []string
	for _, c := range n.find(connection.RoleSend) {
		c.mu.Lock()
		out = append(out, c.said...)
		c.mu.Unlock()
	}
	return out
}

type testEnv struct {
	server *httptest.Server
	hub    *core.Hub
	net    *stubNetwork
	auth   *auth.Service
}

func (e *testEnv) wsURL() string {
	return strings.Replace(e.server.URL, "http", "ws", 1) + "/ws"
}

// startTestServer runs a hub on stub connections behind the HTTP server.
// A non-empty secret turns token authentication on.
func startTestServer(t *testing.T, secret string, mutate ...func(*config.Config)) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.ReadHeaderTimeout = time.Second
	cfg.JWTSecret = secret
	for _, m := range mutate {
		m(&cfg)
	}

	disabledLogger := zerolog.Nop()
	reg := prometheus.NewRegistry()
	net := &stubNetwork{}

	coreCfg := cfg.Core()
	coreCfg.SyncInterval = 0
	hub := core.NewHub(coreCfg, &disabledLogger, core.Options{
		Factory: net.factory,
		Metrics: metrics.New(reg),
	})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	var authService *auth.Service
	if secret != "" {
		authService = auth.NewService(&auth.JWTConfig{
			Secret:   []byte(secret),
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
		})
	}

	server := NewServer(hub, authService, &cfg, &disabledLogger, reg)
	ts := httptest.NewServer(server.Handler)
	t.Cleanup(ts.Close)

	return &testEnv{server: ts, hub: hub, net: net, auth: authService}
}

func dial(t *testing.T, ctx context.Context, url string, opts *websocket.DialOptions) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "done") })
	return conn
}

func send(t *testing.T, ctx context.Context, conn *websocket.Conn, app, cmd string, data any) {
	t.Helper()
	payload, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal %s: %v", cmd, err)
	}
	in := proto.Inbound{Cmd: cmd, Data: payload, Version: proto.Version, ApplicationID: proto.ID(app)}
	if err := wsjson.Write(ctx, conn, in); err != nil {
		t.Fatalf("send %s: %v", cmd, err)
	}
}

// receivedEnvelope mirrors proto.Outbound with raw payloads.
type receivedEnvelope struct {
	Cmd     string            `json:"cmd"`
	Data    []json.RawMessage `json:"data"`
	Version string            `json:"version"`
}

func read(t *testing.T, ctx context.Context, conn *websocket.Conn, cmd string) receivedEnvelope {
	t.Helper()
	for {
		var env receivedEnvelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			t.Fatalf("read waiting for %s: %v", cmd, err)
		}
		if env.Cmd == cmd {
			return env
		}
	}
}

func readError(t *testing.T, ctx context.Context, conn *websocket.Conn) proto.Error {
	t.Helper()
	env := read(t, ctx, conn, proto.CmdError)
	var perr proto.Error
	if len(env.Data) != 1 {
		t.Fatalf("error envelope carries %d entries", len(env.Data))
	}
	if err := json.Unmarshal(env.Data[0], &perr); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return perr
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
