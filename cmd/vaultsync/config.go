package main

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all vaultsync configuration.
type Config struct {
	VaultPath  string       `yaml:"vault_path"`
	DBPath     string       `yaml:"db_path"`
	StatusAddr string       `yaml:"status_addr"`
	Remote     RemoteConfig `yaml:"remote"`
	Sync       SyncConfig   `yaml:"sync"`
	Watch      WatchConfig  `yaml:"watch"`
}

// RemoteConfig identifies the remote store. Username and password may also
// come from VAULTSYNC_USERNAME / VAULTSYNC_PASSWORD so credentials stay out
// of the config file.
type RemoteConfig struct {
	URI      string            `yaml:"uri"`
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	SkipInfo bool              `yaml:"skip_info"`
	Timeout  time.Duration     `yaml:"timeout"`
	Headers  map[string]string `yaml:"headers"`
}

// SyncConfig controls the replication loop.
type SyncConfig struct {
	Interval    time.Duration `yaml:"interval"`
	BatchLimit  int           `yaml:"batch_limit"`
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffCap  time.Duration `yaml:"backoff_cap"`
	Push        bool          `yaml:"push"`
}

// WatchConfig controls the local vault watcher.
type WatchConfig struct {
	Debounce       time.Duration `yaml:"debounce"`
	IgnorePrefixes []string      `yaml:"ignore_prefixes"`
}

func (c *Config) defaults() {
	if c.VaultPath == "" {
		c.VaultPath = "vault"
	}
	if c.DBPath == "" {
		c.DBPath = "vaultsync.db"
	}
	if c.StatusAddr == "" {
		c.StatusAddr = ":8047"
	}
	if c.Remote.Timeout <= 0 {
		c.Remote.Timeout = 30 * time.Second
	}
	if c.Sync.Interval <= 0 {
		c.Sync.Interval = 30 * time.Second
	}
	if c.Sync.BatchLimit <= 0 {
		c.Sync.BatchLimit = 100
	}
	if c.Sync.BackoffBase <= 0 {
		c.Sync.BackoffBase = time.Second
	}
	if c.Sync.BackoffCap <= 0 {
		c.Sync.BackoffCap = 5 * time.Minute
	}
	if c.Watch.Debounce <= 0 {
		c.Watch.Debounce = 250 * time.Millisecond
	}
	if v := os.Getenv("VAULTSYNC_REMOTE_URI"); v != "" {
		c.Remote.URI = v
	}
	if v := os.Getenv("VAULTSYNC_USERNAME"); v != "" {
		c.Remote.Username = v
	}
	if v := os.Getenv("VAULTSYNC_PASSWORD"); v != "" {
		c.Remote.Password = v
	}
}

// LoadConfigFile reads a YAML config file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
