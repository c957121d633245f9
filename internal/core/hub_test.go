package core

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/vovakirdan/chatbridge/internal/connection"
	"github.com/vovakirdan/chatbridge/internal/irc"
	"github.com/vovakirdan/chatbridge/internal/ratelimit"
)

func startHub(t *testing.T, net *fakeNetwork) (*Hub, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	hub := NewHub(testConfig(), nil, Options{Factory: net.factory()})
	go hub.Run(ctx)
	t.Cleanup(func() { _ = hub.Close() })
	return hub, ctx
}

func authCommand(app, id string) *Command {
	return &Command{
		Kind:          CommandAuth,
		ApplicationID: app,
		IdentityID:    id,
		Auth:          Auth{Name: "ChatBot", Token: "secret"},
	}
}

func codeOf(err error) string {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

func TestHubAuthJoinAndSend(t *testing.T) {
	net := &fakeNetwork{}
	hub, ctx := startHub(t, net)

	if err := hub.Submit(ctx, authCommand("app", "bot")); err != nil {
		t.Fatalf("auth: %v", err)
	}
	err := hub.Submit(ctx, &Command{Kind: CommandJoin, ApplicationID: "app", IdentityID: "bot", Channels: []string{"#room"}})
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	ident, ok := hub.Identity("app", "bot")
	if !ok {
		t.Fatalf("identity not registered")
	}
	waitFor(t, "join", func() bool { return slices.Equal(ident.Info().Channels, []string{"room"}) })
	waitFor(t, "send connections", func() bool { return ident.Info().Pool.SendConnections == 2 })

	err = hub.Submit(ctx, &Command{Kind: CommandSend, ApplicationID: "app", IdentityID: "bot", Message: Message{Channel: "room", Text: "hi"}})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "message", func() bool { return slices.Contains(net.said(), "room hi") })
}

func TestHubRejectsUnknownIdentity(t *testing.T) {
	hub, ctx := startHub(t, &fakeNetwork{})

	err := hub.Submit(ctx, &Command{Kind: CommandSend, ApplicationID: "app", IdentityID: "ghost", Message: Message{Channel: "room", Text: "hi"}})
	if codeOf(err) != ErrCodeIdentityNotFound {
		t.Fatalf("expected identity_not_found, got %v", err)
	}

	// identities are scoped by application
	if err := hub.Submit(ctx, authCommand("app", "bot")); err != nil {
		t.Fatalf("auth: %v", err)
	}
	err = hub.Submit(ctx, &Command{Kind: CommandJoin, ApplicationID: "other", IdentityID: "bot", Channels: []string{"room"}})
	if codeOf(err) != ErrCodeIdentityNotFound {
		t.Fatalf("expected identity_not_found across applications, got %v", err)
	}
}

func TestHubValidatesCommands(t *testing.T) {
	hub, ctx := startHub(t, &fakeNetwork{})

	if err := hub.Submit(ctx, &Command{Kind: CommandAuth, ApplicationID: "app", IdentityID: "bot"}); codeOf(err) != ErrCodeBadRequest {
		t.Fatalf("expected bad_request for missing credentials, got %v", err)
	}
	if err := hub.Submit(ctx, &Command{Kind: CommandJoin, ApplicationID: "app"}); codeOf(err) != ErrCodeBadRequest {
		t.Fatalf("expected bad_request for missing identity, got %v", err)
	}
	if err := hub.Submit(ctx, authCommand("app", "bot")); err != nil {
		t.Fatalf("auth: %v", err)
	}
	if err := hub.Submit(ctx, &Command{Kind: CommandJoin, ApplicationID: "app", IdentityID: "bot"}); codeOf(err) != ErrCodeBadRequest {
		t.Fatalf("expected bad_request for empty join, got %v", err)
	}
	err := hub.Submit(ctx, &Command{Kind: CommandSend, ApplicationID: "app", IdentityID: "bot", Message: Message{Channel: "room"}})
	if codeOf(err) != ErrCodeBadRequest {
		t.Fatalf("expected bad_request for empty message, got %v", err)
	}
}

func TestHubReauthUpdatesExistingIdentity(t *testing.T) {
	hub, ctx := startHub(t, &fakeNetwork{})

	if err := hub.Submit(ctx, authCommand("app", "bot")); err != nil {
		t.Fatalf("auth: %v", err)
	}
	first, _ := hub.Identity("app", "bot")

	cmd := authCommand("app", "bot")
	cmd.Auth.Limits = ratelimit.Limits{User: ratelimit.VerifiedUser, Moderator: ratelimit.VerifiedModerator}
	if err := hub.Submit(ctx, cmd); err != nil {
		t.Fatalf("re-auth: %v", err)
	}
	second, _ := hub.Identity("app", "bot")
	if first != second {
		t.Fatalf("re-auth replaced the identity")
	}
	if !second.Limits().Verified() {
		t.Fatalf("limits not applied: %+v", second.Limits())
	}
	if n := len(hub.Identities()); n != 1 {
		t.Fatalf("expected one identity, got %d", n)
	}
}

func TestHubJoinFailureReachesClients(t *testing.T) {
	net := &fakeNetwork{connectErr: errors.New("refused")}
	hub, ctx := startHub(t, net)

	client := NewClient("c1", "app")
	hub.RegisterClient(client)
	defer hub.UnregisterClient(client)

	if err := hub.Submit(ctx, authCommand("app", "bot")); err != nil {
		t.Fatalf("auth: %v", err)
	}
	if err := hub.Submit(ctx, &Command{Kind: CommandJoin, ApplicationID: "app", IdentityID: "bot", Channels: []string{"room"}}); err != nil {
		t.Fatalf("join accepted with error: %v", err)
	}

	ev := mustEvent(t, client.Events, EventError)
	if ev.Error == nil || ev.Error.Code != ErrCodeCapacityExhausted || ev.IdentityID != "bot" {
		t.Fatalf("unexpected error event: %+v", ev)
	}
}

func TestHubEventsStayWithinApplication(t *testing.T) {
	net := &fakeNetwork{}
	hub, ctx := startHub(t, net)

	mine := NewClient("c1", "app")
	theirs := NewClient("c2", "other")
	hub.RegisterClient(mine)
	hub.RegisterClient(theirs)

	if err := hub.Submit(ctx, authCommand("app", "bot")); err != nil {
		t.Fatalf("auth: %v", err)
	}
	if err := hub.Submit(ctx, &Command{Kind: CommandJoin, ApplicationID: "app", IdentityID: "bot", Channels: []string{"room"}}); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitFor(t, "receive connection", func() bool { return len(net.byRole(connection.RoleReceive)) == 1 })

	msg, err := irc.Parse(":someone!someone@someone.tmi.twitch.tv PRIVMSG #room :hello")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	net.byRole(connection.RoleReceive)[0].emit(connection.Event{Kind: connection.EventMessage, Message: msg})

	ev := mustEvent(t, mine.Events, EventMessage)
	if ev.Message.Trailing() != "hello" || ev.ApplicationID != "app" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	select {
	case ev := <-theirs.Events:
		t.Fatalf("foreign client received %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	hub.UnregisterClient(theirs)
	if _, ok := <-theirs.Events; ok {
		t.Fatalf("events channel should be closed after unregister")
	}
}

func TestHubRemoveIdentity(t *testing.T) {
	hub, ctx := startHub(t, &fakeNetwork{})

	if err := hub.Submit(ctx, authCommand("app", "bot")); err != nil {
		t.Fatalf("auth: %v", err)
	}
	if err := hub.Submit(ctx, &Command{Kind: CommandRemove, ApplicationID: "app", IdentityID: "bot"}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := hub.Identity("app", "bot"); ok {
		t.Fatalf("identity still registered")
	}
	if err := hub.RemoveIdentity("app", "bot"); codeOf(err) != ErrCodeIdentityNotFound {
		t.Fatalf("expected identity_not_found on second remove, got %v", err)
	}
}

func TestHubClosedRejectsAuth(t *testing.T) {
	hub, ctx := startHub(t, &fakeNetwork{})
	if err := hub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := hub.Submit(ctx, authCommand("app", "bot")); !errors.Is(err, ErrHubClosed) {
		t.Fatalf("expected hub closed, got %v", err)
	}
}
