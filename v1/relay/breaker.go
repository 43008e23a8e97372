package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mirkobrombin/go-mural/v1/eventbus"
)

// ErrCircuitOpen is returned when the circuit breaker rejects a publish.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreakerSink decorates a Sink with circuit breaker logic: after
// threshold consecutive failures the breaker opens and publishes fail
// fast with ErrCircuitOpen until the timeout elapses, then a single
// probe decides whether to close it again.
type CircuitBreakerSink struct {
	sink Sink

	mu          sync.RWMutex
	state       breakerState
	failures    int
	threshold   int
	timeout     time.Duration
	lastFailure time.Time
}

// NewCircuitBreaker wraps sink. A threshold or timeout of zero or less
// selects the defaults of 5 failures and 30 seconds.
func NewCircuitBreaker(sink Sink, threshold int, timeout time.Duration) *CircuitBreakerSink {
	if threshold <= 0 {
		threshold = 5
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CircuitBreakerSink{
		sink:      sink,
		threshold: threshold,
		timeout:   timeout,
	}
}

func (c *CircuitBreakerSink) allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(c.lastFailure) >= c.timeout {
			c.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		return true
	}
	return true
}

func (c *CircuitBreakerSink) onSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	c.state = stateClosed
}

func (c *CircuitBreakerSink) onFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	c.lastFailure = time.Now()
	if c.state == stateHalfOpen || c.failures >= c.threshold {
		c.state = stateOpen
	}
}

// Publish implements Sink.Publish.
func (c *CircuitBreakerSink) Publish(ctx context.Context, ev eventbus.Event) error {
	if !c.allow() {
		return ErrCircuitOpen
	}
	if err := c.sink.Publish(ctx, ev); err != nil {
		c.onFailure()
		return err
	}
	c.onSuccess()
	return nil
}

// Close implements Sink.Close.
func (c *CircuitBreakerSink) Close() error {
	return c.sink.Close()
}

// IsHealthy reports whether the breaker is closed.
func (c *CircuitBreakerSink) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == stateClosed
}
