package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.TCPAddr != DefaultTCPAddr {
		t.Fatalf("unexpected tcp addr %q", cfg.TCPAddr)
	}
	if cfg.TickRate != DefaultTickRate {
		t.Fatalf("unexpected tick rate %v", cfg.TickRate)
	}
	if cfg.AckTimeout != DefaultAckTimeout {
		t.Fatalf("unexpected ack timeout %v", cfg.AckTimeout)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ARENA_TICK_RATE", "30")
	t.Setenv("ARENA_ACK_TIMEOUT", "2s")
	t.Setenv("ARENA_INPUT_BUFFER", "64")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.TickRate != 30 {
		t.Fatalf("expected tick rate 30, got %v", cfg.TickRate)
	}
	if cfg.AckTimeout != 2*time.Second {
		t.Fatalf("expected ack timeout 2s, got %v", cfg.AckTimeout)
	}
	if cfg.InputBuffer != 64 {
		t.Fatalf("expected input buffer 64, got %d", cfg.InputBuffer)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("ARENA_TICK_RATE", "-5")
	t.Setenv("ARENA_PING_INTERVAL", "soon")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for invalid overrides")
	}
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "arena.yaml")
	body := "tcp_addr: \":9000\"\ntick_rate: 20\nlogging:\n  level: debug\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ARENA_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.TCPAddr != ":9000" {
		t.Fatalf("expected file override for tcp addr, got %q", cfg.TCPAddr)
	}
	if cfg.TickRate != 20 {
		t.Fatalf("expected file override for tick rate, got %v", cfg.TickRate)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected debug log level, got %q", cfg.Logging.Level)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "arena.yaml")
	if err := os.WriteFile(path, []byte("tick_rate: 20\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ARENA_CONFIG", path)
	t.Setenv("ARENA_TICK_RATE", "90")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.TickRate != 90 {
		t.Fatalf("environment should win over file, got %v", cfg.TickRate)
	}
}
