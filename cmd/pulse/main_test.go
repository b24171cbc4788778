package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/pulse/internal/auth"
	"github.com/haasonsaas/pulse/internal/config"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pulse.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestBuildRootCmd(t *testing.T) {
	cmd := buildRootCmd()
	if cmd.Use != "pulse" {
		t.Fatalf("Use = %q, want pulse", cmd.Use)
	}

	want := map[string]bool{"serve": false, "token": false, "config": false, "version": false}
	for _, sub := range cmd.Commands() {
		if _, ok := want[sub.Name()]; ok {
			want[sub.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing subcommand %q", name)
		}
	}
}

func TestTokenCommandMintsVerifiableToken(t *testing.T) {
	path := writeConfig(t, "auth:\n  jwt_secret: "+testSecret+"\n")

	out, err := execute(t, "token", "--config", path, "--user", "42", "--name", "Ada", "--ttl", "5m")
	if err != nil {
		t.Fatalf("token command error = %v (output %q)", err, out)
	}
	token := strings.TrimSpace(out)
	if strings.Count(token, ".") != 2 {
		t.Fatalf("output %q does not look like a JWT", token)
	}

	identity, err := auth.NewService(auth.Config{JWTSecret: testSecret}).Verify(context.Background(), auth.Credential{Token: token})
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if identity.User.ID != "42" || identity.User.Name != "Ada" {
		t.Fatalf("identity = %+v", identity.User)
	}
	if ttl := time.Until(identity.ExpiresAt); ttl <= 0 || ttl > 5*time.Minute {
		t.Fatalf("expiry in %v, want within 5m", ttl)
	}
}

func TestTokenCommandRequiresUser(t *testing.T) {
	path := writeConfig(t, "auth:\n  jwt_secret: "+testSecret+"\n")
	if _, err := execute(t, "token", "--config", path); err == nil {
		t.Fatal("expected error without --user")
	}
}

func TestTokenCommandRequiresSecret(t *testing.T) {
	path := writeConfig(t, "auth:\n  api_keys:\n    - key: k\n      user_id: svc\n")
	_, err := execute(t, "token", "--config", path, "--user", "42")
	if err == nil || !strings.Contains(err.Error(), "jwt_secret") {
		t.Fatalf("error = %v, want jwt_secret error", err)
	}
}

func TestConfigValidate(t *testing.T) {
	good := writeConfig(t, "auth:\n  jwt_secret: "+testSecret+"\nserver:\n  http_port: 9000\n")
	out, err := execute(t, "config", "validate", "--config", good)
	if err != nil {
		t.Fatalf("validate error = %v", err)
	}
	if !strings.Contains(out, "OK") || !strings.Contains(out, ":9000") {
		t.Fatalf("output = %q", out)
	}
	if !strings.Contains(out, "memory") {
		t.Fatalf("output = %q, want memory store", out)
	}

	bad := writeConfig(t, "auth:\n  jwt_secret: short\n")
	out, err = execute(t, "config", "validate", "--config", bad)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(out, "at least 32 characters") {
		t.Fatalf("output = %q, want the issue listed", out)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	if !strings.Contains(out, "pulse "+version) || !strings.Contains(out, "commit: "+commit) {
		t.Fatalf("output = %q", out)
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("PULSE_CONFIG", "/etc/pulse/pulse.yaml")
	if got := resolveConfigPath(defaultConfigPath); got != "/etc/pulse/pulse.yaml" {
		t.Fatalf("default path = %q, want env override", got)
	}
	if got := resolveConfigPath("custom.yaml"); got != "custom.yaml" {
		t.Fatalf("explicit path = %q", got)
	}

	t.Setenv("PULSE_CONFIG", "")
	if got := resolveConfigPath(""); got != defaultConfigPath {
		t.Fatalf("empty path = %q, want %q", got, defaultConfigPath)
	}
}

func TestOpenStoreFallsBackToMemory(t *testing.T) {
	store, err := openStore(config.DatabaseConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("openStore() error = %v", err)
	}
	defer store.Close()
	if _, err := store.IsMember(context.Background(), "t1", "1"); err != nil {
		t.Fatalf("IsMember() error = %v", err)
	}
}

func TestOpenMediaDisabled(t *testing.T) {
	resolver, err := openMedia(context.Background(), config.MediaConfig{Bucket: "uploads"})
	if err != nil {
		t.Fatalf("openMedia() error = %v", err)
	}
	if resolver != nil {
		t.Fatalf("resolver = %T, want nil", resolver)
	}
}
