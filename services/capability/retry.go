package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"time"

	"golang.org/x/time/rate"
)

// TransientError marks a failure worth retrying: network faults, timeouts,
// 429s, and 5xx responses from a model backend.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// RetryConfig controls the retrying generator.
type RetryConfig struct {
	// MaxAttempts counts the first try plus retries. Default 3.
	MaxAttempts int

	// BaseDelay is the backoff before the first retry. Default 500ms.
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff. Default 10s.
	MaxDelay time.Duration

	// RequestsPerSecond throttles calls to the backend. Zero disables
	// throttling.
	RequestsPerSecond float64
}

func (c *RetryConfig) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
}

// RetryingGenerator wraps a Generator with bounded retries on transient
// failures and optional client-side rate limiting. Permanent failures
// (malformed requests, missing models) return immediately.
type RetryingGenerator struct {
	inner   Generator
	cfg     RetryConfig
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewRetryingGenerator wraps inner with the retry policy in cfg.
func NewRetryingGenerator(inner Generator, cfg RetryConfig, logger *slog.Logger) *RetryingGenerator {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &RetryingGenerator{inner: inner, cfg: cfg, limiter: limiter, logger: logger}
}

// Generate implements the Generator interface.
func (g *RetryingGenerator) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return "", fmt.Errorf("rate limiter wait: %w", err)
			}
		}

		out, err := g.inner.Generate(ctx, prompt, params)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if !IsTransient(err) || attempt == g.cfg.MaxAttempts {
			break
		}

		delay := g.backoff(attempt)
		g.logger.Warn("model call failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()),
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("generate failed after %d attempts: %w", g.cfg.MaxAttempts, lastErr)
}

// backoff returns an exponential delay with full jitter to avoid
// synchronized retry storms across concurrent jobs.
func (g *RetryingGenerator) backoff(attempt int) time.Duration {
	delay := g.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= g.cfg.MaxDelay {
			delay = g.cfg.MaxDelay
			break
		}
	}
	return time.Duration(rand.Int63n(int64(delay)) + int64(delay)/2)
}
