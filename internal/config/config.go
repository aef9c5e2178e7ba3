// Package config holds the daemon's TOML configuration. Everything has a
// usable default except the identity-provider secret, which must come from
// the deployment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the on-disk chatsyncd.toml.
type Config struct {
	// DataDir holds the SQLite database, the LOCK file and the log file.
	DataDir string `toml:"data_dir"`
	// ListenAddr is the HTTP listen address.
	ListenAddr string `toml:"listen_addr"`
	// ProviderSecret is the HMAC secret shared with the identity provider.
	ProviderSecret string `toml:"provider_secret"`

	// HeartbeatSecs is the ping interval on subscription streams; a stream
	// missing two heartbeats is torn down.
	HeartbeatSecs int `toml:"heartbeat_secs"`
	// PresenceTTLSecs is how long a session may go without a heartbeat
	// before the sweeper marks it offline.
	PresenceTTLSecs int `toml:"presence_ttl_secs"`
	// SweepSecs is the presence sweeper's polling interval.
	SweepSecs int `toml:"sweep_secs"`

	// SubscriberBuffer is the per-stream event buffer size.
	SubscriberBuffer int `toml:"subscriber_buffer"`
	// RetryMaxAttempts bounds internal retries of transient store failures.
	RetryMaxAttempts int `toml:"retry_max_attempts"`
	// RetryBaseMillis is the first retry delay; later attempts double it.
	RetryBaseMillis int `toml:"retry_base_millis"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:          "./data",
		ListenAddr:       "127.0.0.1:8480",
		HeartbeatSecs:    15,
		PresenceTTLSecs:  90,
		SweepSecs:        30,
		SubscriberBuffer: 64,
		RetryMaxAttempts: 4,
		RetryBaseMillis:  25,
	}
}

// Load reads config from the given path and fills unset fields with
// defaults. A missing file is an error; use Default() for a fresh setup.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if cfg.HeartbeatSecs <= 0 {
		cfg.HeartbeatSecs = Default().HeartbeatSecs
	}
	if cfg.PresenceTTLSecs <= 0 {
		cfg.PresenceTTLSecs = Default().PresenceTTLSecs
	}
	if cfg.SweepSecs <= 0 {
		cfg.SweepSecs = Default().SweepSecs
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = Default().SubscriberBuffer
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

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	if c.ProviderSecret == "" {
		return fmt.Errorf("config: provider_secret is required")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen_addr is required")
	}
	return nil
}

// Heartbeat returns the stream heartbeat interval.
func (c *Config) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSecs) * time.Second
}

// PresenceTTL returns the presence staleness threshold.
func (c *Config) PresenceTTL() time.Duration {
	return time.Duration(c.PresenceTTLSecs) * time.Second
}

// SweepInterval returns the presence sweeper interval.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepSecs) * time.Second
}

// RetryBase returns the base delay for internal retries.
func (c *Config) RetryBase() time.Duration {
	return time.Duration(c.RetryBaseMillis) * time.Millisecond
}

// DBPath returns the SQLite database path inside the data dir.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "chatsync.db")
}

// LogPath returns the daemon log file path inside the data dir.
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "chatsyncd.log")
}
