package external

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// RetryConfig configures retries and the circuit breakers.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first call.
	MaxRetries int `koanf:"max_retries"`
	// InitialInterval is the first backoff delay.
	InitialInterval time.Duration `koanf:"initial_interval"`
	// MaxInterval caps a single backoff delay.
	MaxInterval time.Duration `koanf:"max_interval"`
	// BreakerFailures is the number of consecutive failures that opens a
	// breaker.
	BreakerFailures uint32 `koanf:"breaker_failures"`
	// BreakerTimeout is how long an open breaker waits before letting a
	// probe through.
	BreakerTimeout time.Duration `koanf:"breaker_timeout"`
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

// ApplyDefaults sets default values for unset fields.
func (c *RetryConfig) ApplyDefaults() {
	d := DefaultRetryConfig()
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = d.InitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = d.MaxInterval
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = d.BreakerFailures
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = d.BreakerTimeout
	}
}

// Resilient wraps a Generator and a Reviewer with one circuit breaker each
// and exponential retries of failures marked retryable. Every wait is
// bounded by the caller's context.
type Resilient struct {
	gen    Generator
	rev    Reviewer
	genCB  *gobreaker.CircuitBreaker
	revCB  *gobreaker.CircuitBreaker
	cfg    RetryConfig
	logger *zap.Logger
}

// NewResilient wraps gen and rev.
func NewResilient(gen Generator, rev Reviewer, cfg RetryConfig, logger *zap.Logger) (*Resilient, error) {
	if gen == nil || rev == nil {
		return nil, errors.New("generator and reviewer are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	r := &Resilient{gen: gen, rev: rev, cfg: cfg, logger: logger.Named("external")}
	r.genCB = r.newBreaker("generator")
	r.revCB = r.newBreaker("reviewer")
	return r, nil
}

func (r *Resilient) newBreaker(name string) *gobreaker.CircuitBreaker {
	failures := r.cfg.BreakerFailures
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     r.cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// A fatal answer or a caller giving up says nothing about the
		// service's health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrFatal) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
}

// Generate implements Generator.
func (r *Resilient) Generate(ctx context.Context, req GenerateRequest) (OutputRef, error) {
	return call(ctx, r, r.genCB, func(ctx context.Context) (OutputRef, error) {
		return r.gen.Generate(ctx, req)
	})
}

// Review implements Reviewer.
func (r *Resilient) Review(ctx context.Context, req ReviewRequest) (Review, error) {
	return call(ctx, r, r.revCB, func(ctx context.Context) (Review, error) {
		return r.rev.Review(ctx, req)
	})
}

// BreakerStates reports the state of each breaker by name.
func (r *Resilient) BreakerStates() map[string]string {
	return map[string]string{
		r.genCB.Name(): r.genCB.State().String(),
		r.revCB.Name(): r.revCB.State().String(),
	}
}

func call[T any](ctx context.Context, r *Resilient, cb *gobreaker.CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	attempts := 0
	operation := func() error {
		attempts++
		res, err := cb.Execute(func() (interface{}, error) {
			return fn(ctx)
		})
		switch {
		case err == nil:
			out = res.(T)
			return nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return backoff.Permanent(fmt.Errorf("%w: %s: %w", ErrCircuitOpen, cb.Name(), err))
		case ctx.Err() != nil:
			return backoff.Permanent(err)
		case IsRetryable(err):
			return err
		}
		return backoff.Permanent(err)
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.cfg.InitialInterval
	exp.MaxInterval = r.cfg.MaxInterval
	exp.MaxElapsedTime = 0
	bo := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(r.cfg.MaxRetries)), ctx)

	err := backoff.RetryNotify(operation, bo, func(err error, wait time.Duration) {
		r.logger.Debug("retrying external call",
			zap.String("service", cb.Name()),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	if err != nil {
		var zero T
		if attempts > 1 {
			return zero, fmt.Errorf("%s failed after %d attempts: %w", cb.Name(), attempts, err)
		}
		return zero, fmt.Errorf("%s failed: %w", cb.Name(), err)
	}
	return out, nil
}
