package flagkeeper

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/OrlandoBitencourt/flagkeeper/internal/sdk"
	"github.com/OrlandoBitencourt/flagkeeper/internal/telemetry"
)

// Option configures a client at Initialize.
type Option func(*clientConfig) error

// clientConfig holds the configuration plus the collaborators that are not
// part of a config file.
type clientConfig struct {
	Config

	logger     *slog.Logger
	telemetry  telemetry.Provider
	httpClient *http.Client
}

func newClientConfig(opts ...Option) (*clientConfig, error) {
	cfg := &clientConfig{Config: DefaultConfig()}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.resolveCredentials(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WithConfig applies a full Config struct, typically from LoadConfig.
// Options after it override individual fields.
func WithConfig(cfg Config) Option {
	return func(c *clientConfig) error {
		c.Config = cfg
		return nil
	}
}

// WithSDKKey sets the SDK key, or a "keyring:" or "env:" reference to it.
//
// Example: flagkeeper.WithSDKKey("keyring:production")
func WithSDKKey(key string) Option {
	return func(c *clientConfig) error {
		if key == "" {
			return &ConfigurationError{Field: "sdk_key", Message: "cannot be empty"}
		}
		c.SDKKey = key
		return nil
	}
}

// WithBaseURI sets the flag service URI.
//
// Example: flagkeeper.WithBaseURI("http://localhost:18000")
func WithBaseURI(uri string) Option {
	return func(c *clientConfig) error {
		c.Endpoints.Base = uri
		return nil
	}
}

// WithEventsURI sets a separate analytics events URI.
func WithEventsURI(uri string) Option {
	return func(c *clientConfig) error {
		c.Endpoints.Events = uri
		return nil
	}
}

// WithRelay routes both polling and events through a relay proxy.
func WithRelay(uri string) Option {
	return func(c *clientConfig) error {
		c.Endpoints.Relay = uri
		return nil
	}
}

// WithPollInterval sets how often flags are fetched.
// Default: 30 seconds
func WithPollInterval(interval time.Duration) Option {
	return func(c *clientConfig) error {
		c.PollInterval = interval
		return nil
	}
}

// WithTimeouts replaces all lifecycle timeouts.
func WithTimeouts(timeouts TimeoutsConfig) Option {
	return func(c *clientConfig) error {
		c.Timeouts = timeouts
		return nil
	}
}

// WithEvents replaces the analytics events configuration.
func WithEvents(events EventsConfig) Option {
	return func(c *clientConfig) error {
		c.Events = events
		return nil
	}
}

// WithPrivateAttributes lists attribute names never sent in events.
func WithPrivateAttributes(names ...string) Option {
	return func(c *clientConfig) error {
		c.Events.PrivateAttributes = append(c.Events.PrivateAttributes, names...)
		return nil
	}
}

// WithSnapshotDir enables the on-disk flag snapshot.
func WithSnapshotDir(dir string) Option {
	return func(c *clientConfig) error {
		c.SnapshotDir = dir
		return nil
	}
}

// WithOffline serves snapshot data only and never contacts the network.
func WithOffline(offline bool) Option {
	return func(c *clientConfig) error {
		c.Offline = offline
		return nil
	}
}

// WithRearmRetry configures the reconnection backoff.
//
// Example: flagkeeper.WithRearmRetry(5, 100*time.Millisecond, 2*time.Second)
func WithRearmRetry(maxAttempts int, initial, maxInterval time.Duration) Option {
	return func(c *clientConfig) error {
		c.Rearm = RearmConfig{MaxAttempts: maxAttempts, InitialInterval: initial, MaxInterval: maxInterval}
		return nil
	}
}

// WithCircuitBreaker configures the circuit breaker.
//
// Example: flagkeeper.WithCircuitBreaker(3, 30*time.Second)
func WithCircuitBreaker(threshold int, timeout time.Duration) Option {
	return func(c *clientConfig) error {
		c.CircuitBreaker = CircuitBreakerConfig{Threshold: threshold, Timeout: timeout}
		return nil
	}
}

// WithOnlyEnabled drops disabled flags from the store.
func WithOnlyEnabled(enabled bool) Option {
	return func(c *clientConfig) error {
		c.Filter.OnlyEnabled = enabled
		return nil
	}
}

// WithServiceTag keeps only flags tagged with the given service name.
//
// Example: flagkeeper.WithServiceTag("user-service")
func WithServiceTag(serviceName string) Option {
	return func(c *clientConfig) error {
		c.Filter.ServiceName = serviceName
		c.Filter.RequireServiceTag = true
		return nil
	}
}

// WithAdditionalTags filters flags by additional tags. matchMode is "any"
// or "all".
//
// Example: flagkeeper.WithAdditionalTags([]string{"production"}, "any")
func WithAdditionalTags(tags []string, matchMode string) Option {
	return func(c *clientConfig) error {
		if matchMode != sdk.TagMatchAny && matchMode != sdk.TagMatchAll {
			return &ConfigurationError{Field: "filter.tag_match_mode", Message: fmt.Sprintf("must be 'any' or 'all', got %q", matchMode)}
		}
		c.Filter.AdditionalTags = tags
		c.Filter.TagMatchMode = matchMode
		return nil
	}
}

// WithLogger sets the logger used by the client.
func WithLogger(logger *slog.Logger) Option {
	return func(c *clientConfig) error {
		c.logger = logger
		return nil
	}
}

// WithTelemetry sets the telemetry provider. The caller owns its shutdown.
func WithTelemetry(provider telemetry.Provider) Option {
	return func(c *clientConfig) error {
		c.telemetry = provider
		return nil
	}
}

// WithHTTPClient sets the HTTP client used for polling. Rearm keeps it and
// only drops its idle connections.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *clientConfig) error {
		c.httpClient = httpClient
		return nil
	}
}
