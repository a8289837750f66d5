// Package circuitbreaker stops calls to a failing dependency for a cooldown
// period and lets a few probes through before trusting it again.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

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

// Errors
var (
	ErrCircuitOpen               = errors.New("circuit breaker is open")
	ErrTooManyConcurrentRequests = errors.New("too many concurrent requests in half-open state")
)

// Config holds circuit breaker configuration
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit
	FailureThreshold int
	// SuccessThreshold is the number of half-open successes that closes it again
	SuccessThreshold int
	// Cooldown is how long the circuit stays open before probing
	Cooldown time.Duration
	// MaxProbes bounds concurrent calls while half-open
	MaxProbes int
	// OnStateChange is called outside the lock after every transition
	OnStateChange func(from, to State)
	// IsFailure classifies an error; nil counts every non-nil error
	IsFailure func(error) bool
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
		MaxProbes:        1,
	}
}

// Stats is a snapshot of the breaker counters
type Stats struct {
	State               State     `json:"state"`
	TotalRequests       int64     `json:"total_requests"`
	TotalFailures       int64     `json:"total_failures"`
	TotalRejections     int64     `json:"total_rejections"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	config *Config
	now    func() time.Time

	mu         sync.Mutex
	state      State
	failures   int
	successes  int
	probes     int
	openedAt   time.Time
	requests   int64
	failed     int64
	rejections int64
}

// New creates a new circuit breaker. Zero fields in config take defaults.
func New(config *Config) *CircuitBreaker {
	cfg := DefaultConfig()
	if config != nil {
		merged := *config
		if merged.FailureThreshold <= 0 {
			merged.FailureThreshold = cfg.FailureThreshold
		}
		if merged.SuccessThreshold <= 0 {
			merged.SuccessThreshold = cfg.SuccessThreshold
		}
		if merged.Cooldown <= 0 {
			merged.Cooldown = cfg.Cooldown
		}
		if merged.MaxProbes <= 0 {
			merged.MaxProbes = cfg.MaxProbes
		}
		cfg = &merged
	}
	return &CircuitBreaker{config: cfg, now: time.Now}
}

// Execute runs fn unless the circuit is open, and records its outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	wasProbe, err := cb.acquire()
	if err != nil {
		return err
	}
	err = fn(ctx)
	cb.record(wasProbe, err)
	return err
}

func (cb *CircuitBreaker) acquire() (bool, error) {
	cb.mu.Lock()
	var transition func()

	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.config.Cooldown {
		transition = cb.setState(StateHalfOpen)
	}

	var (
		probe bool
		err   error
	)
	switch cb.state {
	case StateOpen:
		err = ErrCircuitOpen
	case StateHalfOpen:
		if cb.probes >= cb.config.MaxProbes {
			err = ErrTooManyConcurrentRequests
		} else {
			cb.probes++
			probe = true
		}
	}
	if err != nil {
		cb.rejections++
	} else {
		cb.requests++
	}
	cb.mu.Unlock()

	if transition != nil {
		transition()
	}
	return probe, err
}

func (cb *CircuitBreaker) record(probe bool, err error) {
	failure := err != nil
	if failure && cb.config.IsFailure != nil {
		failure = cb.config.IsFailure(err)
	}

	cb.mu.Lock()
	var transition func()
	if probe {
		cb.probes--
	}
	if failure {
		cb.failed++
		cb.failures++
		switch {
		case cb.state == StateHalfOpen:
			transition = cb.setState(StateOpen)
		case cb.state == StateClosed && cb.failures >= cb.config.FailureThreshold:
			transition = cb.setState(StateOpen)
		}
	} else {
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.successes++
			if cb.successes >= cb.config.SuccessThreshold {
				transition = cb.setState(StateClosed)
			}
		}
	}
	cb.mu.Unlock()

	if transition != nil {
		transition()
	}
}

// setState must be called with mu held. It returns the notification to
// run once the lock is released, or nil.
func (cb *CircuitBreaker) setState(to State) func() {
	from := cb.state
	if from == to {
		return nil
	}
	cb.state = to
	cb.successes = 0
	switch to {
	case StateOpen:
		cb.openedAt = cb.now()
	case StateHalfOpen:
		cb.probes = 0
	case StateClosed:
		cb.failures = 0
		cb.openedAt = time.Time{}
	}
	if cb.config.OnStateChange == nil {
		return nil
	}
	notify := cb.config.OnStateChange
	return func() { notify(from, to) }
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns current statistics
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		State:               cb.state,
		TotalRequests:       cb.requests,
		TotalFailures:       cb.failed,
		TotalRejections:     cb.rejections,
		ConsecutiveFailures: cb.failures,
		OpenedAt:            cb.openedAt,
	}
}

// Reset closes the circuit and clears the consecutive counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	transition := cb.setState(StateClosed)
	cb.failures = 0
	cb.probes = 0
	cb.mu.Unlock()
	if transition != nil {
		transition()
	}
}
