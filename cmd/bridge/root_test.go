package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vovakirdan/chatbridge/internal/auth"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestConfigPrintMasksSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	t.Setenv("CHATBRIDGE_JWT_SECRET", "hunter2")

	out, err := run(t, "config", "print", "--config", path, "--log-level", "error")
	if err != nil {
		t.Fatalf("config print: %v", err)
	}
	if strings.Contains(out, "hunter2") || !strings.Contains(out, "irc:") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestTokenIssue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	t.Setenv("CHATBRIDGE_JWT_SECRET", "hunter2")

	out, err := run(t, "token", "issue", "--app", "app-1", "--config", path, "--log-level", "error")
	if err != nil {
		t.Fatalf("token issue: %v", err)
	}
	svc := auth.NewService(&auth.JWTConfig{Secret: []byte("hunter2"), Issuer: "chatbridge", Audience: "chatbridge"})
	claims, err := svc.ValidateToken(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("issued token invalid: %v", err)
	}
	if claims.ApplicationID != "app-1" {
		t.Fatalf("unexpected application %q", claims.ApplicationID)
	}
}

func TestTokenIssueRequiresSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if _, err := run(t, "token", "issue", "--app", "app-1", "--config", path, "--log-level", "error"); err == nil {
		t.Fatalf("expected error without secret")
	}
}
