package main

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the daemon settings. Durations are whole seconds, matching the
// settings keyspace in the store.
type Config struct {
	// DaemonURL is the websocket endpoint of the mesh daemon.
	DaemonURL string `yaml:"daemon_url"`
	// DBPath is the sqlite database file.
	DBPath string `yaml:"db_path"`
	// MetricsAddr is the listen address for the Prometheus endpoint. Empty
	// disables it.
	MetricsAddr string `yaml:"metrics_addr"`
	// LogLevel is a logrus level name.
	LogLevel string `yaml:"log_level"`

	// SyncTimeoutSeconds bounds one sync session.
	SyncTimeoutSeconds int `yaml:"sync_timeout_seconds"`
	// AnnounceTTLSeconds is how long unseen announces are kept before the
	// daily prune removes them.
	AnnounceTTLSeconds int `yaml:"announce_ttl_seconds"`
	// TopRelays bounds relay listings.
	TopRelays int `yaml:"top_relays"`
}

func defaultConfig() Config {
	return Config{
		DaemonURL:          "ws://127.0.0.1:4242/engine",
		DBPath:             "columba.db",
		MetricsAddr:        "",
		LogLevel:           "info",
		AnnounceTTLSeconds: int((7 * 24 * time.Hour) / time.Second),
	}
}

// loadConfig reads path and overlays it on the defaults. Unknown fields are
// rejected so typos fail loudly.
func loadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	conf := defaultConfig()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&conf); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := conf.validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return conf, nil
}

func (c Config) validate() error {
	if c.DaemonURL == "" {
		return fmt.Errorf("daemon_url is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.SyncTimeoutSeconds < 0 {
		return fmt.Errorf("sync_timeout_seconds must not be negative")
	}
	if c.AnnounceTTLSeconds < 0 {
		return fmt.Errorf("announce_ttl_seconds must not be negative")
	}
	return nil
}

func (c Config) syncTimeout() time.Duration {
	return time.Duration(c.SyncTimeoutSeconds) * time.Second
}

func (c Config) announceTTL() time.Duration {
	return time.Duration(c.AnnounceTTLSeconds) * time.Second
}
