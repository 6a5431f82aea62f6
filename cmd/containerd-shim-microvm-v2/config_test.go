package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"microshim/internal/image"
)

func TestLoadAppConfigDefaults(t *testing.T) {
	cfg, err := loadAppConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("loadAppConfig: %v", err)
	}
	if cfg.Logger.Level != "info" {
		t.Errorf("logger level = %q, want info", cfg.Logger.Level)
	}
	if cfg.Monitor.Path != defaultMonitorPath {
		t.Errorf("monitor path = %q, want %q", cfg.Monitor.Path, defaultMonitorPath)
	}
	if cfg.Guest.MediaType != image.GuestMediaType {
		t.Errorf("media type = %q, want %q", cfg.Guest.MediaType, image.GuestMediaType)
	}
	if cfg.Task.KillGrace != defaultKillGrace {
		t.Errorf("kill grace = %v, want %v", cfg.Task.KillGrace, defaultKillGrace)
	}
}

func TestLoadAppConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
logger:
  level: debug
monitor:
  path: /usr/local/bin/microvm-monitor
  args: ["--cpus", "1"]
  workRoot: /var/lib/microvm
guest:
  maxSizeBytes: 1048576
  containerdAddress: /run/containerd/containerd.sock
task:
  killGrace: 2s
  ioBufferSize: 65536
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadAppConfig(path)
	if err != nil {
		t.Fatalf("loadAppConfig: %v", err)
	}
	if cfg.Logger.Level != "debug" {
		t.Errorf("logger level = %q, want debug", cfg.Logger.Level)
	}
	if cfg.Monitor.Path != "/usr/local/bin/microvm-monitor" {
		t.Errorf("monitor path = %q", cfg.Monitor.Path)
	}
	if len(cfg.Monitor.Args) != 2 || cfg.Monitor.Args[0] != "--cpus" {
		t.Errorf("monitor args = %v", cfg.Monitor.Args)
	}
	if cfg.Guest.MaxSizeBytes != 1048576 {
		t.Errorf("max size = %d", cfg.Guest.MaxSizeBytes)
	}
	if cfg.Guest.ContainerdAddress != "/run/containerd/containerd.sock" {
		t.Errorf("containerd address = %q", cfg.Guest.ContainerdAddress)
	}
	if cfg.Task.KillGrace != 2*time.Second {
		t.Errorf("kill grace = %v", cfg.Task.KillGrace)
	}
	if cfg.Task.IOBufferSize != 65536 {
		t.Errorf("io buffer = %d", cfg.Task.IOBufferSize)
	}

	mc := cfg.monitorConfig()
	if mc.WorkRoot != "/var/lib/microvm" {
		t.Errorf("work root = %q", mc.WorkRoot)
	}
	// Defaults still fill fields the file leaves out.
	if cfg.Guest.MediaType != image.GuestMediaType {
		t.Errorf("media type = %q", cfg.Guest.MediaType)
	}
}

func TestLoadAppConfigRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("monitor: [not a map"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadAppConfig(path); err == nil {
		t.Fatal("expected parse error")
	}
}
