// Package retry runs an operation again with exponential backoff until it
// succeeds, fails permanently or runs out of attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Config holds retry configuration
type Config struct {
	MaxAttempts     int              // attempts including the first; 0 means until ctx ends
	InitialDelay    time.Duration    // delay before the second attempt
	MaxDelay        time.Duration    // cap for the grown delay
	Multiplier      float64          // growth per attempt
	RandomizeFactor float64          // jitter, 0 to 1
	RetryIf         func(error) bool // nil retries everything but PermanentError
}

// DefaultConfig returns a default retry configuration
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:     3,
		InitialDelay:    200 * time.Millisecond,
		MaxDelay:        5 * time.Second,
		Multiplier:      2.0,
		RandomizeFactor: 0.1,
	}
}

// Operation represents a retryable operation
type Operation func(ctx context.Context) error

// Result contains the result of a retry operation
type Result struct {
	Attempts int
	Duration time.Duration
	Err      error
}

// Retrier provides retry functionality
type Retrier struct {
	config Config
	sleep  func(context.Context, time.Duration) error
}

// New creates a new retrier. A nil config means DefaultConfig.
func New(config *Config) *Retrier {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	switch {
	case cfg.RandomizeFactor < 0:
		cfg.RandomizeFactor = 0
	case cfg.RandomizeFactor > 1:
		cfg.RandomizeFactor = 1
	}
	if cfg.RetryIf == nil {
		cfg.RetryIf = DefaultRetryIf
	}
	return &Retrier{config: cfg, sleep: sleepContext}
}

// Do executes op until it succeeds or retrying stops. The returned error is
// the last one op produced, or the context error if ctx ended first.
func (r *Retrier) Do(ctx context.Context, op Operation) *Result {
	start := time.Now()
	result := &Result{}
	delay := r.config.InitialDelay

	for attempt := 1; r.config.MaxAttempts == 0 || attempt <= r.config.MaxAttempts; attempt++ {
		result.Attempts = attempt
		if err := ctx.Err(); err != nil {
			result.Err = fmt.Errorf("retry cancelled: %w", err)
			break
		}

		err := op(ctx)
		result.Err = err
		if err == nil || !r.config.RetryIf(err) {
			break
		}
		if r.config.MaxAttempts > 0 && attempt >= r.config.MaxAttempts {
			break
		}

		if serr := r.sleep(ctx, r.jitter(delay)); serr != nil {
			result.Err = fmt.Errorf("retry cancelled after %w: %w", err, serr)
			break
		}
		delay = r.grow(delay)
	}

	result.Duration = time.Since(start)
	return result
}

func (r *Retrier) jitter(delay time.Duration) time.Duration {
	if r.config.RandomizeFactor == 0 || delay <= 0 {
		return delay
	}
	delta := float64(delay) * r.config.RandomizeFactor
	return time.Duration(float64(delay) - delta + rand.Float64()*2*delta) // #nosec G404 -- jitter only
}

func (r *Retrier) grow(delay time.Duration) time.Duration {
	next := time.Duration(float64(delay) * r.config.Multiplier)
	if r.config.MaxDelay > 0 && next > r.config.MaxDelay {
		return r.config.MaxDelay
	}
	return next
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PermanentError marks an error that retrying cannot fix
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so DefaultRetryIf gives up on it. nil stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// DefaultRetryIf retries every error except a PermanentError or a context
// cancellation.
func DefaultRetryIf(err error) bool {
	if err == nil {
		return false
	}
	var permErr *PermanentError
	if errors.As(err, &permErr) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Do executes op with config, returning the final error.
func Do(ctx context.Context, config *Config, op Operation) error {
	return New(config).Do(ctx, op).Err
}
