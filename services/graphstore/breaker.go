// Copyright (C) 2025 Meridian Labs (oss@meridianlabs.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package graphstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrCircuitOpen is returned when the breaker is open and requests to
	// the graph backend are blocked.
	ErrCircuitOpen = errors.New("circuit breaker is open, graph store requests blocked")

	// ErrStoreUnavailable is returned when the graph backend is not
	// reachable.
	ErrStoreUnavailable = errors.New("graph store is not available")
)

// BreakerState represents the breaker's view of the backend connection.
type BreakerState int32

const (
	// BreakerClosed indicates normal operation.
	BreakerClosed BreakerState = iota
	// BreakerOpen indicates requests are blocked until cooldown expires.
	BreakerOpen
	// BreakerHalfOpen indicates a single test request is allowed through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures retry and circuit-breaking for graph backend
// calls.
type BreakerConfig struct {
	// RetryAttempts is the number of retries after the first failure.
	// Default: 3
	RetryAttempts int

	// RetryBackoff is the initial backoff between retries. Default: 100ms
	RetryBackoff time.Duration

	// MaxRetryBackoff caps the exponential backoff. Default: 5s
	MaxRetryBackoff time.Duration

	// RetryJitter adds randomness to backoff (0.0-1.0). Default: 0.25
	RetryJitter float64

	// FailureThreshold is the number of failures within Window before the
	// breaker opens. Default: 5
	FailureThreshold int

	// Window is the sliding window for counting failures. Default: 30s
	Window time.Duration

	// Cooldown is how long the breaker stays open before allowing a test
	// request. Default: 30s
	Cooldown time.Duration

	Logger *slog.Logger
}

func (c *BreakerConfig) applyDefaults() {
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	if c.MaxRetryBackoff == 0 {
		c.MaxRetryBackoff = 5 * time.Second
	}
	if c.RetryJitter == 0 {
		c.RetryJitter = 0.25
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.Window == 0 {
		c.Window = 30 * time.Second
	}
	if c.Cooldown == 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Validate checks if the configuration is valid.
func (c *BreakerConfig) Validate() error {
	if c.RetryAttempts < 0 {
		return errors.New("retry_attempts must be non-negative")
	}
	if c.RetryJitter < 0 || c.RetryJitter > 1 {
		return errors.New("retry_jitter must be between 0 and 1")
	}
	if c.FailureThreshold < 1 {
		return errors.New("failure_threshold must be at least 1")
	}
	if c.Window <= 0 {
		return errors.New("window must be positive")
	}
	return nil
}

// Breaker guards calls to the graph backend with retry, exponential backoff
// with jitter, and a sliding-window circuit breaker. It is backend-agnostic:
// the Weaviate store routes every operation through Do.
//
// Thread Safety: safe for concurrent use.
type Breaker struct {
	cfg    BreakerConfig
	logger *slog.Logger

	state    atomic.Int32
	openedAt atomic.Int64 // unix seconds when the breaker opened

	failures   []time.Time // ring buffer of failure timestamps
	failureIdx int
	failureMu  sync.Mutex

	// Only one test request allowed while half-open.
	halfOpenTest atomic.Bool
}

// NewBreaker creates a Breaker.
func NewBreaker(cfg BreakerConfig) (*Breaker, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Breaker{
		cfg:      cfg,
		logger:   cfg.Logger.With(slog.String("component", "graphstore_breaker")),
		failures: make([]time.Time, cfg.FailureThreshold),
	}, nil
}

// State returns the breaker's current state.
func (b *Breaker) State() BreakerState {
	return BreakerState(b.state.Load())
}

// Do runs fn with retry and circuit-breaker protection.
func (b *Breaker) Do(ctx context.Context, fn func() error) error {
	switch b.State() {
	case BreakerOpen:
		if !b.cooldownExpired() {
			return ErrCircuitOpen
		}
		b.transition(BreakerHalfOpen)
		fallthrough
	case BreakerHalfOpen:
		if !b.halfOpenTest.CompareAndSwap(false, true) {
			return ErrCircuitOpen
		}
		defer b.halfOpenTest.Store(false)
	}

	var lastErr error
	for attempt := 0; attempt <= b.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.backoff(attempt)):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			b.recordSuccess()
			return nil
		}
		if !isRetryable(lastErr) {
			break
		}
	}

	b.recordFailure()
	return lastErr
}

func (b *Breaker) transition(next BreakerState) {
	prev := BreakerState(b.state.Swap(int32(next)))
	if prev == next {
		return
	}
	b.logger.Info("breaker state transition",
		slog.String("from", prev.String()),
		slog.String("to", next.String()))
}

func (b *Breaker) recordSuccess() {
	if b.State() == BreakerHalfOpen {
		b.transition(BreakerClosed)
		b.resetFailures()
	}
}

func (b *Breaker) recordFailure() {
	b.failureMu.Lock()
	defer b.failureMu.Unlock()

	now := time.Now()
	b.failures[b.failureIdx] = now
	b.failureIdx = (b.failureIdx + 1) % len(b.failures)

	windowStart := now.Add(-b.cfg.Window)
	count := 0
	for _, t := range b.failures {
		if !t.IsZero() && t.After(windowStart) {
			count++
		}
	}

	if count >= b.cfg.FailureThreshold && b.State() != BreakerOpen {
		b.openedAt.Store(now.Unix())
		b.transition(BreakerOpen)
		b.logger.Warn("circuit breaker opened",
			slog.Int("failures", count),
			slog.Duration("window", b.cfg.Window))
	}
}

func (b *Breaker) resetFailures() {
	b.failureMu.Lock()
	defer b.failureMu.Unlock()
	for i := range b.failures {
		b.failures[i] = time.Time{}
	}
	b.failureIdx = 0
}

func (b *Breaker) cooldownExpired() bool {
	return time.Since(time.Unix(b.openedAt.Load(), 0)) >= b.cfg.Cooldown
}

func (b *Breaker) backoff(attempt int) time.Duration {
	backoff := b.cfg.RetryBackoff * time.Duration(1<<attempt)
	if backoff > b.cfg.MaxRetryBackoff {
		backoff = b.cfg.MaxRetryBackoff
	}
	jitterRange := float64(backoff) * b.cfg.RetryJitter
	jitter := (rand.Float64()*2 - 1) * jitterRange
	backoff = time.Duration(float64(backoff) + jitter)
	if backoff < 0 {
		backoff = b.cfg.RetryBackoff
	}
	return backoff
}

// isRetryable determines if an error is worth retrying. Connection faults
// and timeouts are; application errors are not.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
