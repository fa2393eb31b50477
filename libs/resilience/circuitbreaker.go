// Package resilience wraps gobreaker so optional external collaborators —
// in this repository, the chunk persistence sink — cannot back-pressure the
// tick loop when they fail: the breaker opens and Store calls fail fast
// until it recovers. The breaker does not time out a call; a Store call that
// hangs holds its caller until it returns.
package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Config defines circuit breaker tuning.
type Config struct {
	Name          string
	MaxRequests   uint32
	Interval      time.Duration
	Timeout       time.Duration
	MaxFailures   uint32
	OnStateChange func(name string, from gobreaker.State, to gobreaker.State)
}

// DefaultConfig returns defaults sized for a persistence sink that is
// allowed to be briefly unavailable without losing the run.
func DefaultConfig(name string) Config {
	return Config{
		Name:        name,
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		MaxFailures: 5,
	}
}

// CircuitBreaker wraps gobreaker with configuration and error wrapping.
type CircuitBreaker struct {
	cb   *gobreaker.CircuitBreaker[any]
	name string
}

// New creates a circuit breaker with the given config.
func New(config Config) *CircuitBreaker {
	settings := gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && (counts.ConsecutiveFailures >= config.MaxFailures || failureRatio >= 0.6)
		},
		OnStateChange: config.OnStateChange,
	}
	return &CircuitBreaker{
		cb:   gobreaker.NewCircuitBreaker[any](settings),
		name: config.Name,
	}
}

// Execute runs fn with circuit breaker protection.
func (cb *CircuitBreaker) Execute(fn func() (any, error)) (any, error) {
	result, err := cb.cb.Execute(fn)
	if err != nil {
		return nil, fmt.Errorf("circuit breaker %s: %w", cb.name, err)
	}
	return result, nil
}

// ExecuteWithContext checks ctx before running fn under the breaker.
func (cb *CircuitBreaker) ExecuteWithContext(ctx context.Context, fn func() (any, error)) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return cb.Execute(fn)
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() gobreaker.State {
	return cb.cb.State()
}

// Name returns the breaker's name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}
