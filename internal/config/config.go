// Package config loads and validates the router's JSON configuration file
// (spec §6.3). It follows daot-github-copilot-svcs's loadConfig shape (read,
// decode, default), but parsing is strict: unknown keys are rejected rather
// than silently ignored.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/multiaccount/llmrouter/internal/apierrors"
)

// Strategy names accepted by router.strategy.
const (
	StrategyRoundRobin   = "roundrobin"
	StrategyWeighted     = "weighted"
	StrategyHash         = "hash"
	StrategyLeastLoaded  = "leastLoaded"
	StrategyPrimaryFirst = "primaryFirst"
)

var validStrategies = map[string]bool{
	StrategyRoundRobin:   true,
	StrategyWeighted:     true,
	StrategyHash:         true,
	StrategyLeastLoaded:  true,
	StrategyPrimaryFirst: true,
}

// Account is one entry of the accounts array: one auth profile's routing
// overrides. Fields left zero are defaulted during Load.
type Account struct {
	ID            string `json:"id" validate:"required"`
	AuthFile      string `json:"authFile" validate:"required"`
	Port          int    `json:"port,omitempty" validate:"min=1,max=65535"`
	Weight        int    `json:"weight,omitempty"`
	Enabled       *bool  `json:"enabled,omitempty"`
	MaxConcurrent int    `json:"maxConcurrent,omitempty" validate:"min=1"`
}

// RouterConfig is the "router" section of the config file.
type RouterConfig struct {
	Host                string `json:"host,omitempty"`
	Port                int    `json:"port,omitempty"`
	Strategy            string `json:"strategy,omitempty" validate:"omitempty,oneof=roundrobin weighted hash leastLoaded primaryFirst"`
	HealthCheckInterval int    `json:"healthCheckInterval,omitempty"`
	RequestTimeout      int    `json:"requestTimeout,omitempty"`
	MaxRetries          int    `json:"maxRetries,omitempty"`
	QueueOnSaturation   *bool  `json:"queueOnSaturation,omitempty"`
	MaxQueueLength      int    `json:"maxQueueLength,omitempty"`
	AutoRestart         *bool  `json:"autoRestart,omitempty"`
}

// QuotaConfig is the "quota" section of the config file.
type QuotaConfig struct {
	CooldownSeconds int `json:"cooldownSeconds,omitempty"`
}

// Config is the decoded, defaulted, and validated configuration.
type Config struct {
	Accounts  []Account           `json:"accounts" validate:"required,min=1,dive"`
	Router    RouterConfig        `json:"router"`
	Fallbacks map[string][]string `json:"fallbacks,omitempty"`
	Quota     QuotaConfig         `json:"quota,omitempty"`
}

// Defaults, per spec §3.1, §4.1, §4.3, §6.3.
const (
	DefaultHost                = "0.0.0.0"
	DefaultPort                = 8080
	DefaultBasePort             = 9100
	DefaultWeight               = 1
	DefaultMaxConcurrent        = 1
	DefaultHealthCheckInterval  = 30 // seconds; spec's probeInterval
	DefaultRequestTimeout       = 300
	DefaultMaxRetries           = 2
	DefaultMaxQueueLength       = 1000
	DefaultCooldownSeconds      = 3600
	DefaultStartupTimeout       = 60 * time.Second
	DefaultUnhealthyMultiplier  = 2
	DefaultGraceTimeout         = 5 * time.Second
	DefaultPortReleaseTimeout   = 5 * time.Second
	DefaultMaxConsecutiveRestarts = 5
	DefaultRestartWindow        = 10 * time.Minute
	DefaultBackoffInitial       = 2 * time.Second
	DefaultBackoffMax           = 60 * time.Second
	DefaultBackoffResetAfter    = 5 * time.Minute
)

var validate = validator.New()

// Load reads and validates the configuration file at path. It never mutates
// a previously loaded Config on error — callers reloading configuration
// should keep the old value until Load returns successfully.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &apierrors.ConfigError{Field: "path", Message: "cannot open configuration file", Err: err}
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, &apierrors.ConfigError{Field: "path", Message: "cannot read configuration file", Err: err}
	}

	cfg, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes and validates raw JSON bytes, applying defaults. Unknown
// top-level (and nested) keys are rejected per spec §6.3.
func Parse(raw []byte) (*Config, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, &apierrors.ConfigError{Field: "json", Message: "strict decode failed", Err: err}
	}
	if dec.More() {
		return nil, &apierrors.ConfigError{Field: "json", Message: "trailing data after top-level object"}
	}

	applyDefaults(&cfg)

	if err := validate.Struct(&cfg); err != nil {
		return nil, &apierrors.ConfigError{Field: "validation", Message: "config failed validation", Err: err}
	}

	if err := checkPortUniqueness(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Router.Host == "" {
		cfg.Router.Host = DefaultHost
	}
	if cfg.Router.Port == 0 {
		cfg.Router.Port = DefaultPort
	}
	if cfg.Router.Strategy == "" {
		cfg.Router.Strategy = StrategyRoundRobin
	}
	if cfg.Router.HealthCheckInterval == 0 {
		cfg.Router.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if cfg.Router.RequestTimeout == 0 {
		cfg.Router.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Router.MaxRetries == 0 {
		cfg.Router.MaxRetries = DefaultMaxRetries
	}
	if cfg.Router.QueueOnSaturation == nil {
		t := true
		cfg.Router.QueueOnSaturation = &t
	}
	if cfg.Router.MaxQueueLength == 0 {
		cfg.Router.MaxQueueLength = DefaultMaxQueueLength
	}
	if cfg.Router.AutoRestart == nil {
		t := true
		cfg.Router.AutoRestart = &t
	}
	if cfg.Quota.CooldownSeconds == 0 {
		cfg.Quota.CooldownSeconds = DefaultCooldownSeconds
	}

	nextPort := DefaultBasePort
	for i := range cfg.Accounts {
		a := &cfg.Accounts[i]
		if a.Weight == 0 {
			a.Weight = DefaultWeight
		}
		if a.MaxConcurrent == 0 {
			a.MaxConcurrent = DefaultMaxConcurrent
		}
		if a.Enabled == nil {
			t := true
			a.Enabled = &t
		}
		if a.Port == 0 {
			a.Port = nextPort
		}
		if a.Port >= nextPort {
			nextPort = a.Port + 1
		} else {
			nextPort++
		}
	}
}

func checkPortUniqueness(cfg *Config) error {
	seen := make(map[int]string, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		if a.Enabled != nil && !*a.Enabled {
			continue
		}
		if owner, ok := seen[a.Port]; ok {
			return &apierrors.ConfigError{
				Field:   "accounts[].port",
				Message: fmt.Sprintf("port %d used by both %q and %q", a.Port, owner, a.ID),
			}
		}
		seen[a.Port] = a.ID
	}
	return nil
}

// CooldownDuration returns the quota cooldown as a time.Duration.
func (c *Config) CooldownDuration() time.Duration {
	return time.Duration(c.Quota.CooldownSeconds) * time.Second
}

// RequestTimeoutDuration returns the per-request deadline as a time.Duration.
func (c *Config) RequestTimeoutDuration() time.Duration {
	return time.Duration(c.Router.RequestTimeout) * time.Second
}

// HealthCheckIntervalDuration returns the probe interval as a time.Duration.
func (c *Config) HealthCheckIntervalDuration() time.Duration {
	return time.Duration(c.Router.HealthCheckInterval) * time.Second
}
