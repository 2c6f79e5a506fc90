package config

import (
	"path/filepath"
	"testing"
)

func TestPathRespectsXDGConfigHome(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdgtest")

	got := Path()
	want := filepath.Join("/tmp/xdgtest", "gbridge", "gbridged.yaml")
	if got != want {
		t.Fatalf("Path() = %q, want %q", got, want)
	}
}

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Transports.Simulator.Enabled {
		t.Error("expected simulator transport enabled by default")
	}
	if cfg.MTU != 2048 {
		t.Errorf("MTU = %d, want 2048", cfg.MTU)
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg := Default()
	cfg.LogLevel = "debug"
	cfg.Transports.TCPIP = TCPIPTransport{Enabled: true, Port: 4242, ServiceID: "bridge-1"}

	if err := cfg.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", loaded.LogLevel)
	}
	if loaded.Transports.TCPIP.Port != 4242 {
		t.Errorf("TCPIP.Port = %d, want 4242", loaded.Transports.TCPIP.Port)
	}
}
