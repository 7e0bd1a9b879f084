// Package config loads service configuration from a YAML file with
// environment variable overrides for deployment settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Config is the full service configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`

	// AccumulationWindow is how long events for one recipient are merged
	// before a digest is delivered, measured from the first event.
	AccumulationWindow Duration `yaml:"accumulation_window"`

	// RenderCacheTTL bounds how long a rendered page change fragment may
	// be reused across recipients.
	RenderCacheTTL Duration `yaml:"render_cache_ttl"`

	// DeliveryTimeout bounds one digest delivery (render + compose + send).
	DeliveryTimeout Duration `yaml:"delivery_timeout"`

	// ReconcileSchedule is a cron expression for the periodic push of the
	// full subscription set to the upstream broker.
	ReconcileSchedule string `yaml:"reconcile_schedule"`

	// SweepSchedule is a cron expression for evicting expired render
	// cache entries.
	SweepSchedule string `yaml:"sweep_schedule"`

	Storage StorageConfig `yaml:"storage"`
	Wiki    WikiConfig    `yaml:"wiki"`
	Broker  BrokerConfig  `yaml:"broker"`
	Email   EmailConfig   `yaml:"email"`
}

// StorageConfig selects the subscription document store backend. When
// LocalPath is set documents are written to the local filesystem, which is
// the development mode; otherwise Bucket names a Cloud Storage bucket.
type StorageConfig struct {
	Bucket    string `yaml:"bucket"`
	LocalPath string `yaml:"local_path"`
}

// WikiConfig points at the wiki REST API used for user, site, permission and
// render lookups.
type WikiConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// BrokerConfig points at the upstream pub/sub broker.
type BrokerConfig struct {
	URL   string `yaml:"url"`
	Owner string `yaml:"owner"`
}

// EmailConfig selects the outbound email provider.
type EmailConfig struct {
	// Provider is "gmail" or "mock".
	Provider string `yaml:"provider"`

	// FallbackFrom is used when a site has no from-address configured.
	FallbackFrom string `yaml:"fallback_from"`

	// RatePerMinute caps outbound sends across all tenants. Zero disables
	// the limiter.
	RatePerMinute int `yaml:"rate_per_minute"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		LogLevel:           "info",
		AccumulationWindow: Duration(10 * time.Minute),
		RenderCacheTTL:     Duration(2 * time.Second),
		DeliveryTimeout:    Duration(2 * time.Minute),
		ReconcileSchedule:  "@every 1h",
		SweepSchedule:      "@every 5m",
		Email: EmailConfig{
			Provider:      "mock",
			RatePerMinute: 60,
		},
	}
}

// Load reads the YAML file at path (if non-empty), applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays deployment settings from the environment, which win over
// the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("STORAGE_BUCKET"); v != "" {
		c.Storage.Bucket = v
	}
	if v := os.Getenv("LOCAL_STORAGE"); v != "" {
		c.Storage.LocalPath = v
	}
	if v := os.Getenv("WIKI_API_URL"); v != "" {
		c.Wiki.BaseURL = v
	}
	if v := os.Getenv("WIKI_API_KEY"); v != "" {
		c.Wiki.APIKey = v
	}
	if v := os.Getenv("BROKER_URL"); v != "" {
		c.Broker.URL = v
	}
	if v := os.Getenv("EMAIL_PROVIDER"); v != "" {
		c.Email.Provider = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate checks settings that would otherwise fail deep inside the service.
func (c *Config) Validate() error {
	if c.AccumulationWindow <= 0 {
		return errors.New("accumulation_window must be positive")
	}
	if c.RenderCacheTTL <= 0 {
		return errors.New("render_cache_ttl must be positive")
	}
	if c.DeliveryTimeout <= 0 {
		return errors.New("delivery_timeout must be positive")
	}
	switch c.Email.Provider {
	case "gmail", "mock":
	default:
		return fmt.Errorf("unknown email provider %q", c.Email.Provider)
	}
	return nil
}

// Duration wraps time.Duration so YAML values can be written as "10m" or "2s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }
