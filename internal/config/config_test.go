// ABOUTME: Configuration loading tests
// ABOUTME: Defaults, file values and validation failures
package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.SocketDir != "/run/tapmix" {
		t.Errorf("socket dir = %q, want /run/tapmix", cfg.SocketDir)
	}
	if cfg.LoopbackFrames != 8192 {
		t.Errorf("loopback frames = %d, want 8192", cfg.LoopbackFrames)
	}
	if cfg.DebugAddr != "" {
		t.Errorf("debug addr = %q, want empty", cfg.DebugAddr)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tapmix.yaml")
	body := "socket_dir: /tmp/tapmix-test\nloopback_frames: 4096\ndebug_addr: 127.0.0.1:9090\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SocketDir != "/tmp/tapmix-test" {
		t.Errorf("socket dir = %q", cfg.SocketDir)
	}
	if cfg.LoopbackFrames != 4096 {
		t.Errorf("loopback frames = %d", cfg.LoopbackFrames)
	}
	if cfg.DebugAddr != "127.0.0.1:9090" {
		t.Errorf("debug addr = %q", cfg.DebugAddr)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestLoadRejectsBadLoopbackFrames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tapmix.yaml")
	if err := os.WriteFile(path, []byte("loopback_frames: -1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for negative loopback_frames")
	}
}
