package flagr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/OrlandoBitencourt/flagkeeper/internal/domain"
)

// HTTPClient implements Client over the flag service REST API
type HTTPClient struct {
	endpoint   string
	apiKey     string
	userAgent  string
	config     Config
	maxRetries int

	httpClient atomic.Pointer[http.Client]
	custom     bool
}

// NewHTTPClient creates a new HTTP data source client
func NewHTTPClient(config Config) *HTTPClient {
	c := &HTTPClient{
		endpoint:   strings.TrimRight(config.Endpoint, "/"),
		apiKey:     config.APIKey,
		userAgent:  config.UserAgent,
		config:     config,
		maxRetries: config.MaxRetries,
	}
	c.httpClient.Store(c.newHTTPClient())
	return c
}

// NewHTTPClientWith uses a caller supplied http.Client. Reset keeps it and
// only drops its idle connections.
func NewHTTPClientWith(config Config, httpClient *http.Client) *HTTPClient {
	c := NewHTTPClient(config)
	c.httpClient.Store(httpClient)
	c.custom = true
	return c
}

func (c *HTTPClient) newHTTPClient() *http.Client {
	dialer := &net.Dialer{
		Timeout:   c.config.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	return &http.Client{
		Timeout: c.config.Timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         dialer.DialContext,
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: c.config.ConnectTimeout + time.Second,
		},
	}
}

// GetAllFlags fetches all flags, preloaded with segments and variants
func (c *HTTPClient) GetAllFlags(ctx context.Context) ([]domain.Flag, error) {
	url := fmt.Sprintf("%s/api/v1/flags?preload=true", c.endpoint)

	var flagrFlags []FlagrFlag
	if err := c.doRequest(ctx, http.MethodGet, url, &flagrFlags); err != nil {
		return nil, fmt.Errorf("failed to fetch flags: %w", err)
	}

	return FlagsToDomain(flagrFlags), nil
}

// HealthCheck verifies the flag service is reachable
func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	url := fmt.Sprintf("%s/api/v1/health", c.endpoint)

	var health HealthResponse
	if err := c.doRequest(ctx, http.MethodGet, url, &health); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	if !strings.EqualFold(health.Status, "OK") {
		return fmt.Errorf("unhealthy status: %s", health.Status)
	}

	return nil
}

// Reset swaps in a fresh transport and closes the old one's idle
// connections.
func (c *HTTPClient) Reset() error {
	if c.custom {
		c.httpClient.Load().CloseIdleConnections()
		return nil
	}
	old := c.httpClient.Swap(c.newHTTPClient())
	if old != nil {
		old.CloseIdleConnections()
	}
	return nil
}

// Close releases idle connections
func (c *HTTPClient) Close() error {
	c.httpClient.Load().CloseIdleConnections()
	return nil
}

// doRequest performs HTTP request with retries
func (c *HTTPClient) doRequest(ctx context.Context, method, url string, result any) error {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 500 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := c.doSingleRequest(ctx, method, url, result)
		if err == nil {
			return nil
		}

		lastErr = err

		if !shouldRetry(ctx, err) {
			return lastErr
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// doSingleRequest performs a single HTTP request
func (c *HTTPClient) doSingleRequest(ctx context.Context, method, url string, result any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Load().Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Message:    string(respBody),
		}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	return nil
}

// shouldRetry retries 5xx, 429 and network errors, but not a canceled
// caller.
func shouldRetry(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == http.StatusTooManyRequests
	}
	return true
}

// HTTPError represents an HTTP error response
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IsUnauthorized reports whether the service rejected the SDK key.
func IsUnauthorized(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) &&
		(httpErr.StatusCode == http.StatusUnauthorized || httpErr.StatusCode == http.StatusForbidden)
}
