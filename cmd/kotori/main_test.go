package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("KOTORI_DB_DIALECT", "sqlite")
	t.Setenv("KOTORI_DB_DSN", filepath.Join(t.TempDir(), "kotori.db"))
	t.Setenv("KOTORI_REDIS_ADDR", "")
	t.Setenv("MATRIX_HOMESERVER", "")
	t.Setenv("KOTORI_INFERENCE_URL", "")
	t.Setenv("KOTORI_INFERENCE_API_KEY", "")
	t.Setenv("KOTORI_TIMEZONE", "UTC")
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "kotori ") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestToken_RequiresSecret(t *testing.T) {
	isolate(t)
	t.Setenv("KOTORI_JWT_SECRET", "")
	if _, err := run(t, "token", "anna"); err == nil {
		t.Fatal("expected an error without a secret")
	}

	t.Setenv("KOTORI_JWT_SECRET", "s3cret")
	out, err := run(t, "token", "anna", "--ttl", "1h")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if strings.Count(strings.TrimSpace(out), ".") != 2 {
		t.Errorf("not a JWT: %q", out)
	}
}

func TestChatAndApprovals(t *testing.T) {
	isolate(t)

	out, err := run(t, "chat", "--as", "anna", "switch", "model", "to", "gpt-4o")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	i := strings.LastIndex(out, "approval: ")
	if i < 0 {
		t.Fatalf("no approval id in %q", out)
	}
	id := strings.TrimSpace(out[i+len("approval: "):])

	out, err = run(t, "approvals", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, id) || !strings.Contains(out, "switch_model") {
		t.Errorf("pending approval not listed: %q", out)
	}

	if _, err := run(t, "approvals", "deny", id, "--as", "anna", "--reason", "changed my mind"); err != nil {
		t.Fatalf("deny: %v", err)
	}
	out, err = run(t, "approvals", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "No pending approvals.") {
		t.Errorf("denied approval still listed: %q", out)
	}

	out, err = run(t, "audit", "verify")
	if err != nil {
		t.Fatalf("verify: %v\n%s", err, out)
	}
	if !strings.Contains(out, "entries verified") {
		t.Errorf("unexpected verify output %q", out)
	}
}
