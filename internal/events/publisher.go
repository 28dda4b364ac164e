package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Publisher delivers a batch of events.
type Publisher interface {
	Publish(ctx context.Context, batch []FeatureEvent) error
	Reset() error
	Close() error
}

// HTTPPublisherConfig configures event delivery.
type HTTPPublisherConfig struct {
	Endpoint       string
	APIKey         string
	UserAgent      string
	Timeout        time.Duration
	ConnectTimeout time.Duration
	RetryDelay     time.Duration
}

// HTTPPublisher posts batches as JSON to {endpoint}/bulk. Each batch
// carries an X-Payload-ID so a retried delivery can be deduplicated.
type HTTPPublisher struct {
	config     HTTPPublisherConfig
	url        string
	httpClient atomic.Pointer[http.Client]
}

func NewHTTPPublisher(config HTTPPublisherConfig) *HTTPPublisher {
	p := &HTTPPublisher{
		config: config,
		url:    strings.TrimRight(config.Endpoint, "/") + "/bulk",
	}
	p.httpClient.Store(p.newHTTPClient())
	return p
}

func (p *HTTPPublisher) newHTTPClient() *http.Client {
	dialer := &net.Dialer{Timeout: p.config.ConnectTimeout, KeepAlive: 30 * time.Second}
	return &http.Client{
		Timeout: p.config.Timeout,
		Transport: &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			DialContext:     dialer.DialContext,
			MaxIdleConns:    4,
			IdleConnTimeout: 90 * time.Second,
		},
	}
}

// Publish sends the batch, retrying once after RetryDelay.
func (p *HTTPPublisher) Publish(ctx context.Context, batch []FeatureEvent) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}
	payloadID := uuid.NewString()

	err = p.post(ctx, body, payloadID)
	if err == nil || ctx.Err() != nil {
		return err
	}

	select {
	case <-time.After(p.config.RetryDelay):
	case <-ctx.Done():
		return fmt.Errorf("event delivery canceled: %w", err)
	}

	if err := p.post(ctx, body, payloadID); err != nil {
		return fmt.Errorf("event delivery failed after retry: %w", err)
	}
	return nil
}

func (p *HTTPPublisher) post(ctx context.Context, body []byte, payloadID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Payload-ID", payloadID)
	if p.config.UserAgent != "" {
		req.Header.Set("User-Agent", p.config.UserAgent)
	}
	if p.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}

	resp, err := p.httpClient.Load().Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("events endpoint returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func (p *HTTPPublisher) Reset() error {
	old := p.httpClient.Swap(p.newHTTPClient())
	if old != nil {
		old.CloseIdleConnections()
	}
	return nil
}

func (p *HTTPPublisher) Close() error {
	p.httpClient.Load().CloseIdleConnections()
	return nil
}

// MemoryPublisher keeps published batches in memory.
type MemoryPublisher struct {
	mu      sync.Mutex
	batches [][]FeatureEvent
	resets  int

	// Err, when set, fails every publish
	Err error
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (m *MemoryPublisher) Publish(ctx context.Context, batch []FeatureEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.batches = append(m.batches, batch)
	return nil
}

func (m *MemoryPublisher) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets++
	return nil
}

func (m *MemoryPublisher) Close() error { return nil }

// Events returns every published event in order.
func (m *MemoryPublisher) Events() []FeatureEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []FeatureEvent
	for _, b := range m.batches {
		out = append(out, b...)
	}
	return out
}

// Batches returns how many batches were published.
func (m *MemoryPublisher) Batches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}

// Resets returns how many times Reset ran.
func (m *MemoryPublisher) Resets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resets
}
