package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	def := Default()
	if cfg.Server.Addr != def.Server.Addr {
		t.Errorf("Addr = %q, want default %q", cfg.Server.Addr, def.Server.Addr)
	}
	if cfg.Delivery.QueueSize != def.Delivery.QueueSize {
		t.Errorf("QueueSize = %d, want default %d", cfg.Delivery.QueueSize, def.Delivery.QueueSize)
	}
}

func TestLoadLayersFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	raw := `
[server]
addr = ":9000"

[typing]
timeout = "10s"
`
	if err := os.WriteFile(path, []byte(raw), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr != ":9000" {
		t.Errorf("Addr = %q, want %q", cfg.Server.Addr, ":9000")
	}
	if cfg.Typing.Timeout.Std() != 10*time.Second {
		t.Errorf("Typing.Timeout = %v, want 10s", cfg.Typing.Timeout.Std())
	}
	// Untouched sections keep their defaults.
	if cfg.Delivery.ReplayWindow != Default().Delivery.ReplayWindow {
		t.Errorf("ReplayWindow = %d, want default", cfg.Delivery.ReplayWindow)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[server]\naddr = \":9000\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RELAY_ADDR", ":7777")
	t.Setenv("RELAY_DATA_DIR", "/var/lib/relay")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr != ":7777" {
		t.Errorf("Addr = %q, want env override", cfg.Server.Addr)
	}
	if cfg.Storage.DataDir != "/var/lib/relay" {
		t.Errorf("DataDir = %q, want env override", cfg.Storage.DataDir)
	}
	if cfg.DBPath() != "/var/lib/relay/relay.db" {
		t.Errorf("DBPath = %q", cfg.DBPath())
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"zero queue", "[delivery]\nqueue_size = 0\n"},
		{"negative window", "[delivery]\nreplay_window = -1\n"},
		{"bad duration", "[typing]\ntimeout = \"soon\"\n"},
		{"negative duration", "[reconnect]\nwindow = \"-5s\"\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte(tc.raw), 0600); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Error("Load() expected error")
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.Typing.Timeout = Duration(9 * time.Second)
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Typing.Timeout.Std() != 9*time.Second {
		t.Errorf("Timeout = %v, want 9s", loaded.Typing.Timeout.Std())
	}
}

func TestSavePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
