// Package config loads and validates RefStream process configuration.
// Configuration is an explicit struct constructed once at startup and
// injected into every component that needs it; there is no ambient global
// lookup.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/c360/refstream/errors"
	"github.com/c360/refstream/types"
)

// Config represents the complete application configuration.
type Config struct {
	NATS    NATSConfig    `json:"nats"`
	Queue   QueueConfig   `json:"queue"`
	Harvest HarvestConfig `json:"harvest"`
	Storage StorageConfig `json:"storage"`
	Metrics MetricsConfig `json:"metrics"`

	// Sources configures one entry per registered source adapter, keyed by
	// source name. A source missing from the map is disabled.
	Sources map[string]SourceConfig `json:"sources"`

	// ExtraIdentifierTypes extends the built-in identifier type registry.
	ExtraIdentifierTypes []string `json:"extra_identifier_types,omitempty"`
}

// NATSConfig holds broker connection and subject settings.
type NATSConfig struct {
	URL            string        `json:"url"`
	Stream         string        `json:"stream"`
	Subject        string        `json:"subject"`  // inbound harvest requests
	Consumer       string        `json:"consumer"` // durable consumer name
	ConnectTimeout time.Duration `json:"connect_timeout,omitempty"`
	DrainTimeout   time.Duration `json:"drain_timeout,omitempty"`
}

// QueueConfig bounds the in-process job queue and worker pool.
type QueueConfig struct {
	Workers       int           `json:"workers"`
	Capacity      int           `json:"capacity"`
	ShutdownGrace time.Duration `json:"shutdown_grace,omitempty"`
}

// HarvestConfig bounds per-retrieval result streaming.
type HarvestConfig struct {
	ResultQueueSize   int           `json:"result_queue_size"`
	ResultWaitTimeout time.Duration `json:"result_wait_timeout,omitempty"`
}

// StorageConfig locates the embedded relational store.
type StorageConfig struct {
	Path string `json:"path"`
}

// MetricsConfig exposes the Prometheus endpoint.
type MetricsConfig struct {
	ListenAddr string `json:"listen_addr,omitempty"` // empty disables the endpoint
}

// SourceConfig configures one source adapter.
type SourceConfig struct {
	Enabled   bool    `json:"enabled"`
	BaseURL   string  `json:"base_url,omitempty"`
	APIKeyEnv string  `json:"api_key_env,omitempty"` // env var holding the key, never the key itself
	RateLimit float64 `json:"rate_limit,omitempty"`  // requests per second
}

// APIKey resolves the source API key from the configured environment
// variable. Secrets never live in the config file.
func (s SourceConfig) APIKey() string {
	if s.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(s.APIKeyEnv)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:            "nats://127.0.0.1:4222",
			Stream:         "REFSTREAM",
			Subject:        "refstream.harvest.request",
			Consumer:       "refstream-harvester",
			ConnectTimeout: 5 * time.Second,
			DrainTimeout:   30 * time.Second,
		},
		Queue: QueueConfig{
			Workers:       1000,
			Capacity:      10000,
			ShutdownGrace: 30 * time.Second,
		},
		Harvest: HarvestConfig{
			ResultQueueSize:   1000,
			ResultWaitTimeout: 120 * time.Second,
		},
		Storage: StorageConfig{
			Path: "refstream.db",
		},
		Metrics: MetricsConfig{
			ListenAddr: ":9090",
		},
		Sources: map[string]SourceConfig{},
	}
}

// Load reads a JSON config file over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config", "Load", "reading config file")
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load", "parsing config file")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "nats.url")
	}
	if c.NATS.Stream == "" || c.NATS.Subject == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "nats stream/subject")
	}
	if c.Queue.Workers <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("queue.workers must be positive, got %d", c.Queue.Workers),
			"config", "Validate", "queue.workers")
	}
	if c.Queue.Capacity <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("queue.capacity must be positive, got %d", c.Queue.Capacity),
			"config", "Validate", "queue.capacity")
	}
	if c.Harvest.ResultQueueSize <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("harvest.result_queue_size must be positive, got %d", c.Harvest.ResultQueueSize),
			"config", "Validate", "harvest.result_queue_size")
	}
	if c.Storage.Path == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "storage.path")
	}
	for name, src := range c.Sources {
		if src.Enabled && src.RateLimit < 0 {
			return errors.WrapInvalid(
				fmt.Errorf("source %s: rate_limit cannot be negative", name),
				"config", "Validate", "source rate limit")
		}
	}
	return nil
}

// IdentifierTypes returns the effective identifier type registry:
// built-ins plus configured extras, duplicates removed.
func (c *Config) IdentifierTypes() []string {
	base := types.DefaultIdentifierTypes()
	seen := make(map[string]bool, len(base))
	for _, t := range base {
		seen[t] = true
	}
	for _, t := range c.ExtraIdentifierTypes {
		if !seen[t] {
			base = append(base, t)
			seen[t] = true
		}
	}
	return base
}
