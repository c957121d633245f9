package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vovakirdan/chatbridge/internal/config"
	"github.com/vovakirdan/chatbridge/internal/connection"
	"github.com/vovakirdan/chatbridge/internal/core"
	"github.com/vovakirdan/chatbridge/internal/irc"
	"github.com/vovakirdan/chatbridge/internal/proto"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func authData(id string) proto.AuthData {
	return proto.AuthData{UserID: proto.ID(id), UserName: "ChatBot", AccessToken: "secret"}
}

func waitReady(t *testing.T, env *testEnv, app, id string) *core.Identity {
	t.Helper()
	var ident *core.Identity
	waitFor(t, "identity", func() bool {
		var ok bool
		ident, ok = env.hub.Identity(app, id)
		return ok && ident.Info().Pool.SendConnections > 0
	})
	return ident
}

func TestHealthEndpoint(t *testing.T) {
	env := startTestServer(t, "")

	resp, err := env.server.Client().Get(env.server.URL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
}

func TestProtocolVersionMismatch(t *testing.T) {
	env := startTestServer(t, "")
	ctx := testContext(t)
	conn := dial(t, ctx, env.wsURL(), nil)

	payload, _ := json.Marshal(authData("1"))
	in := proto.Inbound{Cmd: proto.CmdAuth, Data: payload, Version: "0.9.0", ApplicationID: "app"}
	if err := wsjson.Write(ctx, conn, in); err != nil {
		t.Fatalf("send: %v", err)
	}

	if perr := readError(t, ctx, conn); perr.Code != core.ErrCodeUnsupportedVersion {
		t.Fatalf("expected unsupported_version error, got %+v", perr)
	}
	if _, ok := env.hub.Identity("app", "1"); ok {
		t.Fatalf("mismatched envelope must not reach the hub")
	}
}

func TestWebSocketAuthJoinSendAndReceive(t *testing.T) {
	env := startTestServer(t, "")
	ctx := testContext(t)
	conn := dial(t, ctx, env.wsURL(), nil)

	send(t, ctx, conn, "app", proto.CmdAuth, authData("1"))
	ident := waitReady(t, env, "app", "1")

	send(t, ctx, conn, "app", proto.CmdJoin, proto.ChannelsData{BotUserID: "1", ChannelNames: []string{"#Room"}})
	waitFor(t, "join", func() bool { return slices.Equal(ident.Info().Channels, []string{"room"}) })

	send(t, ctx, conn, "app", proto.CmdSend, proto.SendData{BotUserID: "1", ChannelName: "room", Message: "hi"})
	waitFor(t, "message", func() bool { return slices.Contains(env.net.said(), "room hi") })

	msg, err := irc.Parse("@id=abc :viewer!viewer@viewer.tmi.twitch.tv PRIVMSG #room :hello bot")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	recv := env.net.find(connection.RoleReceive)[0]
	recv.emit(connection.Event{Kind: connection.EventMessage, Message: msg})

	out := read(t, ctx, conn, proto.CmdIRC)
	if out.Version != proto.Version || len(out.Data) != 1 {
		t.Fatalf("unexpected envelope: %+v", out)
	}
	var line proto.IRCMessage
	if err := json.Unmarshal(out.Data[0], &line); err != nil {
		t.Fatalf("decode irc: %v", err)
	}
	if line.BotUserID != "1" || line.Command != "PRIVMSG" || line.Param != "#room" || line.Trailing != "hello bot" || line.Tags["id"] != "abc" {
		t.Fatalf("unexpected irc payload: %+v", line)
	}

	recv.emit(connection.Event{Kind: connection.EventDisconnect})
	disc := read(t, ctx, conn, proto.CmdDisconnect)
	var ce proto.ConnectionEvent
	if err := json.Unmarshal(disc.Data[0], &ce); err != nil {
		t.Fatalf("decode disconnect: %v", err)
	}
	if ce.BotUserID != "1" || ce.ConnID != recv.id {
		t.Fatalf("unexpected disconnect payload: %+v", ce)
	}
}

func TestNumericIdentityIDs(t *testing.T) {
	env := startTestServer(t, "")
	ctx := testContext(t)
	conn := dial(t, ctx, env.wsURL(), nil)

	raw := `{"cmd":"auth","version":"1.0.0","applicationId":7,"data":{"userId":12345,"userName":"ChatBot","accessToken":"x"}}`
	if err := conn.Write(ctx, websocket.MessageText, []byte(raw)); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitReady(t, env, "7", "12345")
}

func TestUnknownIdentityReportsError(t *testing.T) {
	env := startTestServer(t, "")
	ctx := testContext(t)
	conn := dial(t, ctx, env.wsURL(), nil)

	send(t, ctx, conn, "app", proto.CmdJoin, proto.ChannelsData{BotUserID: "ghost", ChannelNames: []string{"room"}})

	perr := readError(t, ctx, conn)
	if perr.Code != core.ErrCodeIdentityNotFound || perr.BotUserID != "ghost" {
		t.Fatalf("expected identity_not_found for ghost, got %+v", perr)
	}
}

func TestMalformedInputKeepsSessionOpen(t *testing.T) {
	env := startTestServer(t, "")
	ctx := testContext(t)
	conn := dial(t, ctx, env.wsURL(), nil)

	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if perr := readError(t, ctx, conn); perr.Code != core.ErrCodeBadRequest {
		t.Fatalf("expected bad_request, got %+v", perr)
	}

	send(t, ctx, conn, "", proto.CmdAuth, authData("1"))
	if perr := readError(t, ctx, conn); perr.Code != core.ErrCodeBadRequest || !strings.Contains(perr.Msg, "applicationId") {
		t.Fatalf("expected missing application error, got %+v", perr)
	}

	send(t, ctx, conn, "app", "dance", map[string]string{})
	if perr := readError(t, ctx, conn); perr.Code != core.ErrCodeBadRequest {
		t.Fatalf("expected bad_request for unknown command, got %+v", perr)
	}

	send(t, ctx, conn, "app", proto.CmdAuth, authData("1"))
	waitReady(t, env, "app", "1")
}

func TestSessionStaysOnItsApplication(t *testing.T) {
	env := startTestServer(t, "")
	ctx := testContext(t)
	conn := dial(t, ctx, env.wsURL(), nil)

	send(t, ctx, conn, "app", proto.CmdAuth, authData("1"))
	waitReady(t, env, "app", "1")

	send(t, ctx, conn, "other", proto.CmdAuth, authData("2"))
	if perr := readError(t, ctx, conn); perr.Code != core.ErrCodeUnauthorized {
		t.Fatalf("expected unauthorized, got %+v", perr)
	}
}

func TestEventsReachOnlyTheirApplication(t *testing.T) {
	env := startTestServer(t, "")
	ctx := testContext(t)
	mine := dial(t, ctx, env.wsURL(), nil)
	theirs := dial(t, ctx, env.wsURL(), nil)

	send(t, ctx, theirs, "other", proto.CmdAuth, authData("9"))
	waitReady(t, env, "other", "9")
	send(t, ctx, mine, "app", proto.CmdAuth, authData("1"))
	ident := waitReady(t, env, "app", "1")
	send(t, ctx, mine, "app", proto.CmdJoin, proto.ChannelsData{BotUserID: "1", ChannelNames: []string{"room"}})
	waitFor(t, "join", func() bool { return len(ident.Info().Channels) == 1 })

	env.net.find(connection.RoleReceive)[0].emit(connection.Event{Kind: connection.EventConnect})
	read(t, ctx, mine, proto.CmdConnect)

	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	var env2 receivedEnvelope
	if err := wsjson.Read(short, theirs, &env2); err == nil {
		t.Fatalf("foreign session received %+v", env2)
	}
}

func TestGatewayRateLimit(t *testing.T) {
	env := startTestServer(t, "", func(c *config.Config) {
		c.GatewayCommandsPerSecond = 0.001
		c.GatewayBurst = 1
	})
	ctx := testContext(t)
	conn := dial(t, ctx, env.wsURL(), nil)

	send(t, ctx, conn, "app", proto.CmdAuth, authData("1"))
	send(t, ctx, conn, "app", proto.CmdAuth, authData("2"))

	if perr := readError(t, ctx, conn); perr.Code != core.ErrCodeRateLimited {
		t.Fatalf("expected rate_limited, got %+v", perr)
	}
	if _, ok := env.hub.Identity("app", "2"); ok {
		t.Fatalf("limited command reached the hub")
	}
}

func TestWebSocketRequiresToken(t *testing.T) {
	env := startTestServer(t, testSecret)
	ctx := testContext(t)

	_, resp, err := websocket.Dial(ctx, env.wsURL(), nil)
	if err == nil {
		t.Fatalf("dial without token must fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}

	_, _, err = websocket.Dial(ctx, env.wsURL()+"?token=invalid", nil)
	if err == nil {
		t.Fatalf("dial with invalid token must fail")
	}
}

func TestWebSocketTokenBindsApplication(t *testing.T) {
	env := startTestServer(t, testSecret)
	ctx := testContext(t)

	token, err := env.auth.IssueToken("app")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	conn := dial(t, ctx, env.wsURL(), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})

	// the envelope may omit the application once the token names it
	send(t, ctx, conn, "", proto.CmdAuth, authData("1"))
	waitReady(t, env, "app", "1")

	send(t, ctx, conn, "intruder", proto.CmdRemoveBot, proto.RemoveBotData{UserID: "1"})
	if perr := readError(t, ctx, conn); perr.Code != core.ErrCodeUnauthorized {
		t.Fatalf("expected unauthorized, got %+v", perr)
	}
	if _, ok := env.hub.Identity("app", "1"); !ok {
		t.Fatalf("identity removed through a foreign application")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := startTestServer(t, "")
	ctx := testContext(t)
	conn := dial(t, ctx, env.wsURL(), nil)

	send(t, ctx, conn, "app", proto.CmdAuth, authData("1"))
	waitReady(t, env, "app", "1")
	send(t, ctx, conn, "app", proto.CmdSend, proto.SendData{BotUserID: "1", ChannelName: "room", Message: "hi"})
	waitFor(t, "message", func() bool { return len(env.net.said()) == 1 })

	resp, err := env.server.Client().Get(env.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "chatbridge_messages_sent_total") {
		t.Fatalf("unexpected metrics response %d:\n%s", resp.StatusCode, body)
	}
}
