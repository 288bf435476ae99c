package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearRelayEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		if k, _, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(k, "AGENT_RELAY_") {
			t.Setenv(k, "") // restore on cleanup
			os.Unsetenv(k)
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	clearRelayEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StateDir != ".agent-relay" {
		t.Errorf("StateDir = %q, want .agent-relay", cfg.StateDir)
	}
	if cfg.SocketPath != filepath.Join(".agent-relay", "agent-relay.sock") {
		t.Errorf("SocketPath = %q", cfg.SocketPath)
	}
	if cfg.Heartbeat != 15*time.Second {
		t.Errorf("Heartbeat = %s, want 15s", cfg.Heartbeat)
	}
	if cfg.IdleTimeout != 60*time.Second {
		t.Errorf("IdleTimeout = %s, want 60s", cfg.IdleTimeout)
	}
	if cfg.AckTimeout != 30*time.Second {
		t.Errorf("AckTimeout = %s, want 30s", cfg.AckTimeout)
	}
	if cfg.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.MaxAttempts)
	}
	if cfg.MaxBodyBytes != 1<<20 {
		t.Errorf("MaxBodyBytes = %d, want 1 MiB", cfg.MaxBodyBytes)
	}
	if cfg.MaxFrameBytes != 2<<20 {
		t.Errorf("MaxFrameBytes = %d, want 2 MiB", cfg.MaxFrameBytes)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("AGENT_RELAY_STATE_DIR", "/tmp/relay-state")
	t.Setenv("AGENT_RELAY_SOCKET", "/tmp/custom.sock")
	t.Setenv("AGENT_RELAY_HEARTBEAT", "5s")
	t.Setenv("AGENT_RELAY_MAX_ATTEMPTS", "3")
	t.Setenv("AGENT_RELAY_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StateDir != "/tmp/relay-state" {
		t.Errorf("StateDir = %q, want /tmp/relay-state", cfg.StateDir)
	}
	if cfg.SocketPath != "/tmp/custom.sock" {
		t.Errorf("SocketPath = %q, want /tmp/custom.sock", cfg.SocketPath)
	}
	if cfg.PIDPath() != "/tmp/custom.sock.pid" {
		t.Errorf("PIDPath = %q", cfg.PIDPath())
	}
	if cfg.Heartbeat != 5*time.Second {
		t.Errorf("Heartbeat = %s, want 5s", cfg.Heartbeat)
	}
	if cfg.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.MaxAttempts)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.MessagesDBPath() != "/tmp/relay-state/messages.db" {
		t.Errorf("MessagesDBPath = %q", cfg.MessagesDBPath())
	}
}

func TestLoadFromYAMLFile(t *testing.T) {
	clearRelayEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	data := []byte("state_dir: /var/lib/relay\nheartbeat: 7s\nmax_attempts: 9\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AGENT_RELAY_CONFIG", path)
	// Env still wins over the file.
	t.Setenv("AGENT_RELAY_MAX_ATTEMPTS", "4")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StateDir != "/var/lib/relay" {
		t.Errorf("StateDir = %q, want /var/lib/relay", cfg.StateDir)
	}
	if cfg.Heartbeat != 7*time.Second {
		t.Errorf("Heartbeat = %s, want 7s", cfg.Heartbeat)
	}
	if cfg.MaxAttempts != 4 {
		t.Errorf("MaxAttempts = %d, want env override 4", cfg.MaxAttempts)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := defaults()
	cfg.IdleTimeout = cfg.Heartbeat // must exceed heartbeat
	if err := cfg.Validate(); err == nil {
		t.Error("idle timeout equal to heartbeat accepted")
	}

	cfg = defaults()
	cfg.LogLevel = "loud"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown log level accepted")
	}

	cfg = defaults()
	cfg.WarningBytes = cfg.CriticalBytes
	if err := cfg.Validate(); err == nil {
		t.Error("unordered memory thresholds accepted")
	}

	cfg = defaults()
	cfg.MaxAttempts = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero max attempts accepted")
	}
}
