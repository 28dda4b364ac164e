package circuit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - calls pass through
	StateClosed State = iota
	// StateOpen - calls fail fast
	StateOpen
	// StateHalfOpen - probing whether the service recovered
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker guards calls to the flag service. After MaxFailures consecutive
// failures it opens for Timeout, then lets probes through; SuccessThreshold
// probe successes close it again.
type Breaker struct {
	mu sync.RWMutex

	maxFailures      int
	successThreshold int
	timeout          time.Duration

	state           State
	failures        int
	successes       int
	lastFailureTime time.Time
	lastStateChange time.Time

	totalRequests   int64
	totalSuccesses  int64
	totalFailures   int64
	totalRejections int64

	onStateChange func(from, to State)
}

// Config holds circuit breaker configuration
type Config struct {
	// MaxFailures is the number of consecutive failures before opening
	MaxFailures int

	// SuccessThreshold is the number of half-open successes needed to close
	SuccessThreshold int

	// Timeout is how long to stay open before probing
	Timeout time.Duration

	// OnStateChange is called after every transition, outside the lock
	OnStateChange func(from, to State)
}

// DefaultConfig returns default circuit breaker configuration
func DefaultConfig() Config {
	return Config{
		MaxFailures:      3,
		SuccessThreshold: 1,
		Timeout:          30 * time.Second,
	}
}

// New creates a new circuit breaker
func New(config Config) *Breaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 3
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	return &Breaker{
		maxFailures:      config.MaxFailures,
		successThreshold: config.SuccessThreshold,
		timeout:          config.Timeout,
		state:            StateClosed,
		lastStateChange:  time.Now(),
		onStateChange:    config.OnStateChange,
	}
}

type transition struct {
	from, to State
}

// Call executes fn with circuit breaker protection
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}

	err := fn(ctx)

	// A canceled caller says nothing about the service.
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}

	b.afterCall(err)
	return err
}

// beforeCall checks if the circuit breaker allows the call
func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	b.totalRequests++

	var changed *transition
	var err error

	switch b.state {
	case StateOpen:
		if time.Since(b.lastStateChange) >= b.timeout {
			changed = b.setState(StateHalfOpen)
			break
		}
		b.totalRejections++
		err = &CircuitOpenError{
			State:           b.state,
			Failures:        b.failures,
			LastFailureTime: b.lastFailureTime,
		}
	case StateClosed, StateHalfOpen:
	default:
		err = fmt.Errorf("unknown circuit breaker state: %d", b.state)
	}

	b.mu.Unlock()
	b.notify(changed)
	return err
}

// afterCall records the result of the call
func (b *Breaker) afterCall(err error) {
	b.mu.Lock()
	var changed *transition
	if err != nil {
		changed = b.onFailure()
	} else {
		changed = b.onSuccess()
	}
	b.mu.Unlock()
	b.notify(changed)
}

func (b *Breaker) onSuccess() *transition {
	b.totalSuccesses++
	b.failures = 0

	switch b.state {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.successes = 0
			return b.setState(StateClosed)
		}
	case StateOpen:
		return b.setState(StateClosed)
	}
	return nil
}

func (b *Breaker) onFailure() *transition {
	b.totalFailures++
	b.failures++
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateClosed:
		if b.failures >= b.maxFailures {
			return b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.successes = 0
		return b.setState(StateOpen)
	}
	return nil
}

// setState must be called with the lock held.
func (b *Breaker) setState(newState State) *transition {
	oldState := b.state
	if oldState == newState {
		return nil
	}

	b.state = newState
	b.lastStateChange = time.Now()
	return &transition{from: oldState, to: newState}
}

func (b *Breaker) notify(t *transition) {
	if t != nil && b.onStateChange != nil {
		b.onStateChange(t.from, t.to)
	}
}

// GetState returns the current state
func (b *Breaker) GetState() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Reset closes the circuit and clears the failure count
func (b *Breaker) Reset() {
	b.mu.Lock()
	changed := b.setState(StateClosed)
	b.failures = 0
	b.successes = 0
	b.mu.Unlock()
	b.notify(changed)
}

// GetStats returns circuit breaker statistics
func (b *Breaker) GetStats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return Stats{
		State:           b.state,
		Failures:        b.failures,
		TotalRequests:   b.totalRequests,
		TotalSuccesses:  b.totalSuccesses,
		TotalFailures:   b.totalFailures,
		TotalRejections: b.totalRejections,
		LastFailureTime: b.lastFailureTime,
		LastStateChange: b.lastStateChange,
	}
}

// Stats represents circuit breaker statistics
type Stats struct {
	State           State     `json:"-"`
	Failures        int       `json:"failures"`
	TotalRequests   int64     `json:"total_requests"`
	TotalSuccesses  int64     `json:"total_successes"`
	TotalFailures   int64     `json:"total_failures"`
	TotalRejections int64     `json:"total_rejections"`
	LastFailureTime time.Time `json:"last_failure_time"`
	LastStateChange time.Time `json:"last_state_change"`
}

// CircuitOpenError is returned when the circuit is open
type CircuitOpenError struct {
	State           State
	Failures        int
	LastFailureTime time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker is %s (failures: %d, last failure: %s)",
		e.State.String(), e.Failures, e.LastFailureTime.Format(time.RFC3339))
}

// IsCircuitOpen checks if error is a circuit open error
func IsCircuitOpen(err error) bool {
	var target *CircuitOpenError
	return errors.As(err, &target)
}
