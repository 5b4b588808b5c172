// Package config loads the relay's TOML configuration with defaults and
// environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that decodes from TOML strings like "30s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for toml decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	if v < 0 {
		return fmt.Errorf("duration must be >= 0, got %q", text)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler for toml encoding.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config represents config.toml.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Storage   StorageConfig   `toml:"storage"`
	Delivery  DeliveryConfig  `toml:"delivery"`
	Typing    TypingConfig    `toml:"typing"`
	Reconnect ReconnectConfig `toml:"reconnect"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type StorageConfig struct {
	DataDir string `toml:"data_dir"`
}

type DeliveryConfig struct {
	// QueueSize bounds each connection's outbound event queue.
	QueueSize int `toml:"queue_size"`
	// ReplayWindow bounds the per-conversation catch-up log.
	ReplayWindow int `toml:"replay_window"`
}

type TypingConfig struct {
	Timeout       Duration `toml:"timeout"`
	SweepInterval Duration `toml:"sweep_interval"`
}

type ReconnectConfig struct {
	// Window is how long a detached connection stays reattachable.
	Window       Duration `toml:"window"`
	ReapInterval Duration `toml:"reap_interval"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Server:  ServerConfig{Addr: ":8480"},
		Storage: StorageConfig{DataDir: filepath.Join(home, ".relay")},
		Delivery: DeliveryConfig{
			QueueSize:    256,
			ReplayWindow: 1024,
		},
		Typing: TypingConfig{
			Timeout:       Duration(6 * time.Second),
			SweepInterval: Duration(time.Second),
		},
		Reconnect: ReconnectConfig{
			Window:       Duration(2 * time.Minute),
			ReapInterval: Duration(30 * time.Second),
		},
	}
}

// Load reads config from path, layering file values over defaults and env
// overrides over both. A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	if addr := os.Getenv("RELAY_ADDR"); addr != "" {
		cfg.Server.Addr = addr
	}
	if dir := os.Getenv("RELAY_DATA_DIR"); dir != "" {
		cfg.Storage.DataDir = dir
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) validate() error {
	if c.Delivery.QueueSize <= 0 {
		return fmt.Errorf("delivery.queue_size must be > 0, got %d", c.Delivery.QueueSize)
	}
	if c.Delivery.ReplayWindow <= 0 {
		return fmt.Errorf("delivery.replay_window must be > 0, got %d", c.Delivery.ReplayWindow)
	}
	if c.Typing.Timeout <= 0 || c.Typing.SweepInterval <= 0 {
		return fmt.Errorf("typing.timeout and typing.sweep_interval must be > 0")
	}
	if c.Reconnect.Window <= 0 || c.Reconnect.ReapInterval <= 0 {
		return fmt.Errorf("reconnect.window and reconnect.reap_interval must be > 0")
	}
	return nil
}

// DBPath is the SQLite file under the data dir.
func (c *Config) DBPath() string {
	return filepath.Join(c.Storage.DataDir, "relay.db")
}

// LogPath is the JSON log file under the data dir.
func (c *Config) LogPath() string {
	return filepath.Join(c.Storage.DataDir, "relayd.log")
}
