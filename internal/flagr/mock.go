package flagr

import (
	"context"
	"sync"

	"github.com/OrlandoBitencourt/flagkeeper/internal/domain"
)

// MockClient is a mock implementation of Client for testing
type MockClient struct {
	mu sync.RWMutex

	flags map[string]domain.Flag

	GetAllFlagsFunc func(ctx context.Context) ([]domain.Flag, error)
	HealthCheckFunc func(ctx context.Context) error
	ResetFunc       func() error

	getAllFlagsCalls int
	healthCheckCalls int
	resetCalls       int
	closeCalls       int
}

// NewMockClient creates a new mock client
func NewMockClient(flags ...domain.Flag) *MockClient {
	m := &MockClient{flags: make(map[string]domain.Flag)}
	for _, f := range flags {
		m.flags[f.Key] = f
	}
	return m
}

// SetFlag adds or replaces a flag served by the mock
func (m *MockClient) SetFlag(flag domain.Flag) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags[flag.Key] = flag
}

// RemoveFlag stops serving a flag
func (m *MockClient) RemoveFlag(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.flags, key)
}

func (m *MockClient) GetAllFlags(ctx context.Context) ([]domain.Flag, error) {
	m.mu.Lock()
	m.getAllFlagsCalls++
	fn := m.GetAllFlagsFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	flags := make([]domain.Flag, 0, len(m.flags))
	for _, flag := range m.flags {
		flags = append(flags, flag)
	}
	return flags, nil
}

func (m *MockClient) HealthCheck(ctx context.Context) error {
	m.mu.Lock()
	m.healthCheckCalls++
	fn := m.HealthCheckFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}
	return nil
}

func (m *MockClient) Reset() error {
	m.mu.Lock()
	m.resetCalls++
	fn := m.ResetFunc
	m.mu.Unlock()

	if fn != nil {
		return fn()
	}
	return nil
}

func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalls++
	return nil
}

// SetGetAllFlagsFunc replaces the fetch behavior while workers may be
// running.
func (m *MockClient) SetGetAllFlagsFunc(fn func(ctx context.Context) ([]domain.Flag, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetAllFlagsFunc = fn
}

// SetResetFunc replaces the reset behavior while workers may be running.
func (m *MockClient) SetResetFunc(fn func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ResetFunc = fn
}

// SetHealthCheckFunc replaces the health check behavior.
func (m *MockClient) SetHealthCheckFunc(fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HealthCheckFunc = fn
}

// HealthCheckCalls returns how many times HealthCheck ran
func (m *MockClient) HealthCheckCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthCheckCalls
}

// GetAllFlagsCalls returns how many times GetAllFlags ran
func (m *MockClient) GetAllFlagsCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getAllFlagsCalls
}

// ResetCalls returns how many times Reset ran
func (m *MockClient) ResetCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resetCalls
}

// CloseCalls returns how many times Close ran
func (m *MockClient) CloseCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closeCalls
}

var _ Client = (*MockClient)(nil)
var _ Client = (*HTTPClient)(nil)
