package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults for the [sync] section. Used whenever a field is absent
// from the config file.
const (
	DefaultListStalenessMin    = 10
	DefaultCreationWindowSec   = 60
	DefaultReconcileDelayMs    = 500
	DefaultRetryBackoffBaseSec = 1
	DefaultSendRetries         = 2
)

// Config represents the global ~/.unichat/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
	ServerURL      string `toml:"server_url"`
	SocketURL      string `toml:"socket_url"`
	Token          string `toml:"token"`

	Sync SyncConfig `toml:"sync"`
}

// SyncConfig holds the tunable timing knobs of the sync engine.
type SyncConfig struct {
	ListStalenessMin    int `toml:"list_staleness_minutes"`
	CreationWindowSec   int `toml:"creation_window_seconds"`
	ReconcileDelayMs    int `toml:"reconcile_delay_ms"`
	RetryBackoffBaseSec int `toml:"retry_backoff_base_seconds"`
	SendRetries         int `toml:"send_retries"`
}

// ListStaleness returns how long a conversation list snapshot stays fresh.
func (s SyncConfig) ListStaleness() time.Duration {
	return time.Duration(orDefault(s.ListStalenessMin, DefaultListStalenessMin)) * time.Minute
}

// CreationWindow returns how long a freshly created direct conversation
// is trusted without re-resolving against the server.
func (s SyncConfig) CreationWindow() time.Duration {
	return time.Duration(orDefault(s.CreationWindowSec, DefaultCreationWindowSec)) * time.Second
}

// ReconcileDelay returns how long to wait after creating a conversation
// before forcing a list refresh.
func (s SyncConfig) ReconcileDelay() time.Duration {
	return time.Duration(orDefault(s.ReconcileDelayMs, DefaultReconcileDelayMs)) * time.Millisecond
}

// RetryBackoffBase returns the first retry delay for list fetches.
func (s SyncConfig) RetryBackoffBase() time.Duration {
	return time.Duration(orDefault(s.RetryBackoffBaseSec, DefaultRetryBackoffBaseSec)) * time.Second
}

// Retries returns how many times a failed list fetch is retried.
func (s SyncConfig) Retries() int {
	return orDefault(s.SendRetries, DefaultSendRetries)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
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
