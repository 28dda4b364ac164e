package flagkeeper

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/OrlandoBitencourt/flagkeeper/internal/secrets"
	"github.com/OrlandoBitencourt/flagkeeper/internal/sdk"
)

// Environment variables that override file configuration.
const (
	EnvSDKKey      = "FLAGKEEPER_SDK_KEY"
	EnvBaseURI     = "FLAGKEEPER_BASE_URI"
	EnvEventsURI   = "FLAGKEEPER_EVENTS_URI"
	EnvRelayURI    = "FLAGKEEPER_RELAY_URI"
	EnvOffline     = "FLAGKEEPER_OFFLINE"
	EnvSnapshotDir = "FLAGKEEPER_SNAPSHOT_DIR"
)

// Config holds all configuration for a flag client.
type Config struct {
	// SDKKey authenticates against the flag service. It may be a literal
	// key, "keyring:<account>" or "env:<VAR>".
	SDKKey string `yaml:"sdk_key"`

	Endpoints EndpointsConfig `yaml:"endpoints"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`

	// PollInterval determines how often flags are fetched.
	PollInterval time.Duration `yaml:"poll_interval"`

	Events         EventsConfig         `yaml:"events"`
	Rearm          RearmConfig          `yaml:"rearm"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Filter         FilterConfig         `yaml:"filter"`

	// SnapshotDir, when set, holds the last-known-good flag snapshot shared
	// between the supervisor and its workers.
	SnapshotDir string `yaml:"snapshot_dir"`

	// Offline never contacts the flag service or the events endpoint.
	Offline bool `yaml:"offline"`
}

// EndpointsConfig locates the flag service.
type EndpointsConfig struct {
	// Base is the flag service URI, e.g. "http://localhost:18000".
	Base string `yaml:"base_uri"`

	// Events receives analytics events. Defaults to Base.
	Events string `yaml:"events_uri"`

	// Relay replaces both Base and Events when set.
	Relay string `yaml:"relay_uri"`
}

// TimeoutsConfig bounds every blocking step of the client lifecycle.
type TimeoutsConfig struct {
	Connect    time.Duration `yaml:"connect"`
	Request    time.Duration `yaml:"request"`
	Initialize time.Duration `yaml:"initialize"`
	Shutdown   time.Duration `yaml:"shutdown"`
}

// EventsConfig configures analytics events.
type EventsConfig struct {
	Enabled              bool          `yaml:"enabled"`
	Capacity             int           `yaml:"capacity"`
	FlushInterval        time.Duration `yaml:"flush_interval"`
	PrivateAttributes    []string      `yaml:"private_attributes"`
	AllAttributesPrivate bool          `yaml:"all_attributes_private"`
}

// RearmConfig is the reconnection backoff used after start and after rearm.
type RearmConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// CircuitBreakerConfig configures the circuit breaker around polls.
type CircuitBreakerConfig struct {
	// Threshold is the number of consecutive failures before opening
	Threshold int `yaml:"threshold"`

	// Timeout is how long to wait before attempting recovery
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns recommended default configuration.
func DefaultConfig() Config {
	return Config{
		Endpoints: EndpointsConfig{
			Base: "http://localhost:18000",
		},
		Timeouts: TimeoutsConfig{
			Connect:    300 * time.Millisecond,
			Request:    5 * time.Second,
			Initialize: 5 * time.Second,
			Shutdown:   2 * time.Second,
		},
		PollInterval: 30 * time.Second,
		Events: EventsConfig{
			Enabled:       true,
			Capacity:      1000,
			FlushInterval: 5 * time.Second,
		},
		Rearm: RearmConfig{
			MaxAttempts:     5,
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     2 * time.Second,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Threshold: 3,
			Timeout:   30 * time.Second,
		},
		Filter: FilterConfig{TagMatchMode: sdk.TagMatchAny},
	}
}

// LoadConfig reads a YAML file, expands ${VAR} references, applies the
// FLAGKEEPER_* environment overrides and validates the result. An empty
// path starts from DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, &ConfigurationError{Field: "path", Message: "cannot read config file", Err: err}
		}

		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
			return Config{}, &ConfigurationError{Field: "path", Message: "invalid YAML", Err: err}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvSDKKey); v != "" {
		c.SDKKey = v
	}
	if v := os.Getenv(EnvBaseURI); v != "" {
		c.Endpoints.Base = v
	}
	if v := os.Getenv(EnvEventsURI); v != "" {
		c.Endpoints.Events = v
	}
	if v := os.Getenv(EnvRelayURI); v != "" {
		c.Endpoints.Relay = v
	}
	if v := os.Getenv(EnvSnapshotDir); v != "" {
		c.SnapshotDir = v
	}
	if v := os.Getenv(EnvOffline); v != "" {
		offline, err := strconv.ParseBool(v)
		if err != nil {
			return &ConfigurationError{Field: "offline", Message: fmt.Sprintf("%s must be a boolean", EnvOffline), Err: err}
		}
		c.Offline = offline
	}
	return nil
}

// Validate checks the configuration. Every failure is a ConfigurationError.
func (c Config) Validate() error {
	if c.SDKKey == "" && !c.Offline {
		return &ConfigurationError{Field: "sdk_key", Message: "SDK key is required unless offline"}
	}

	if !c.Offline {
		if err := validateURI("endpoints.base_uri", c.Endpoints.Base, true); err != nil {
			return err
		}
	}
	if err := validateURI("endpoints.events_uri", c.Endpoints.Events, false); err != nil {
		return err
	}
	if err := validateURI("endpoints.relay_uri", c.Endpoints.Relay, false); err != nil {
		return err
	}

	durations := []struct {
		field string
		value time.Duration
	}{
		{"poll_interval", c.PollInterval},
		{"timeouts.connect", c.Timeouts.Connect},
		{"timeouts.request", c.Timeouts.Request},
		{"timeouts.initialize", c.Timeouts.Initialize},
		{"timeouts.shutdown", c.Timeouts.Shutdown},
		{"rearm.initial_interval", c.Rearm.InitialInterval},
		{"rearm.max_interval", c.Rearm.MaxInterval},
		{"circuit_breaker.timeout", c.CircuitBreaker.Timeout},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return &ConfigurationError{Field: d.field, Message: "must be positive"}
		}
	}

	if c.Rearm.MaxInterval < c.Rearm.InitialInterval {
		return &ConfigurationError{Field: "rearm.max_interval", Message: "must not be lower than rearm.initial_interval"}
	}
	if c.Rearm.MaxAttempts < 1 {
		return &ConfigurationError{Field: "rearm.max_attempts", Message: "must be at least 1"}
	}
	if c.CircuitBreaker.Threshold < 1 {
		return &ConfigurationError{Field: "circuit_breaker.threshold", Message: "must be at least 1"}
	}

	if c.Events.Enabled {
		if c.Events.Capacity < 1 {
			return &ConfigurationError{Field: "events.capacity", Message: "must be at least 1"}
		}
		if c.Events.FlushInterval <= 0 {
			return &ConfigurationError{Field: "events.flush_interval", Message: "must be positive"}
		}
	}

	if err := c.Filter.Validate(); err != nil {
		return &ConfigurationError{Field: "filter", Message: "invalid filter", Err: err}
	}

	return nil
}

func validateURI(field, raw string, required bool) error {
	if raw == "" {
		if required {
			return &ConfigurationError{Field: field, Message: "is required"}
		}
		return nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return &ConfigurationError{Field: field, Message: "invalid URI", Err: err}
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ConfigurationError{Field: field, Message: fmt.Sprintf("invalid URI %q: need http(s)://host", raw)}
	}
	return nil
}

// resolveCredentials replaces a keyring: or env: SDK key reference with the
// secret it names.
func (c *Config) resolveCredentials() error {
	if !secrets.IsReference(c.SDKKey) {
		return nil
	}

	key, err := secrets.Resolve(c.SDKKey)
	if err != nil {
		return &ConfigurationError{Field: "sdk_key", Message: "cannot resolve credential reference", Err: err}
	}
	c.SDKKey = key
	return nil
}

// BaseURI is where flags are polled from.
func (c Config) BaseURI() string {
	if c.Endpoints.Relay != "" {
		return c.Endpoints.Relay
	}
	return c.Endpoints.Base
}

// EventsURI is where analytics events are posted.
func (c Config) EventsURI() string {
	switch {
	case c.Endpoints.Relay != "":
		return c.Endpoints.Relay
	case c.Endpoints.Events != "":
		return c.Endpoints.Events
	default:
		return c.Endpoints.Base
	}
}

// LogValue renders the configuration for logs with the SDK key masked.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("sdk_key", maskKey(c.SDKKey)),
		slog.String("base_uri", c.BaseURI()),
		slog.String("events_uri", c.EventsURI()),
		slog.Bool("relay", c.Endpoints.Relay != ""),
		slog.Duration("poll_interval", c.PollInterval),
		slog.Bool("events", c.Events.Enabled),
		slog.Int("private_attributes", len(c.Events.PrivateAttributes)),
		slog.String("snapshot_dir", c.SnapshotDir),
		slog.Bool("offline", c.Offline),
		slog.String("filter", c.Filter.String()),
	)
}

func maskKey(key string) string {
	switch {
	case key == "":
		return ""
	case secrets.IsReference(key):
		return key
	case len(key) <= 4:
		return "****"
	default:
		return "****" + key[len(key)-4:]
	}
}
