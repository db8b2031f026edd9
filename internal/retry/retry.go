// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package retry runs an operation with bounded attempts, capped exponential
// backoff and a per-attempt timeout. Failures are classified with errclass;
// kinds that are not retryable end the loop at once.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/errclass"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/logging"
)

// ErrAttemptTimeout is the cause recorded when an attempt outlives PerAttemptTimeout.
var ErrAttemptTimeout = errors.New("attempt timed out")

// Attempt describes a failed attempt that is about to be retried.
type Attempt struct {
	Number int
	Delay  time.Duration
	Err    *errclass.ClassifiedError
}

// Operation is the unit of work being retried. It must honor ctx.
type Operation func(ctx context.Context) error

// =============================================================================
// EXECUTOR
// =============================================================================

// Executor is stateless between calls and safe for concurrent use.
type Executor struct {
	config     Config
	classifier *errclass.Classifier
	logger     *zap.Logger
	onRetry    func(Attempt)
	sleep      func(ctx context.Context, d time.Duration) error
}

// Option customizes an Executor.
type Option func(*Executor)

// WithClassifier replaces the shared classifier.
func WithClassifier(c *errclass.Classifier) Option {
	return func(e *Executor) { e.classifier = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) { e.logger = logging.OrNop(l) }
}

// WithOnRetry registers a hook called before each wait.
func WithOnRetry(fn func(Attempt)) Option {
	return func(e *Executor) { e.onRetry = fn }
}

// New creates an executor. Zero fields in cfg take their defaults.
func New(cfg Config, opts ...Option) *Executor {
	e := &Executor{
		config:     cfg.WithDefaults(),
		classifier: errclass.Default(),
		logger:     zap.NewNop(),
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the active policy.
func (e *Executor) Config() Config {
	return e.config
}

// WithConfig returns a copy of the executor using cfg.
func (e *Executor) WithConfig(cfg Config) *Executor {
	c := *e
	c.config = cfg.WithDefaults()
	return &c
}

// WithRetryHook returns a copy of the executor that also calls fn before
// each wait. An existing hook still runs first.
func (e *Executor) WithRetryHook(fn func(Attempt)) *Executor {
	c := *e
	prev := e.onRetry
	c.onRetry = func(a Attempt) {
		if prev != nil {
			prev(a)
		}
		fn(a)
	}
	return &c
}

// Do runs op until it succeeds, fails with a non-retryable kind, or the
// attempt budget is spent. Any returned error is a *errclass.ClassifiedError.
func (e *Executor) Do(ctx context.Context, op Operation) error {
	_, err := DoValue(ctx, e, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	cfg := e.config
	var last *errclass.ClassifiedError

	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, e.classifier.Classify(err)
		}

		v, err := runAttempt(ctx, e, attempt, op)
		if err == nil {
			if attempt > 1 {
				e.logger.Debug("operation succeeded after retry", zap.Int("attempt", attempt))
			}
			return v, nil
		}
		last = err

		if !last.Retryable {
			e.logger.Debug("not retrying",
				zap.Int("attempt", attempt),
				zap.String("kind", last.Kind.String()))
			return zero, last
		}
		if attempt == cfg.MaxRetries {
			break
		}

		delay := cfg.Delay(attempt)
		e.logger.Debug("retrying operation",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.String("kind", last.Kind.String()),
			zap.String("error", last.RawMessage))
		if e.onRetry != nil {
			e.onRetry(Attempt{Number: attempt, Delay: delay, Err: last})
		}
		if err := e.sleep(ctx, delay); err != nil {
			return zero, e.classifier.Classify(err)
		}
	}

	e.logger.Debug("retries exhausted",
		zap.Int("attempts", cfg.MaxRetries),
		zap.String("kind", last.Kind.String()))
	return zero, last
}

type attemptResult[T any] struct {
	v   T
	err error
}

// runAttempt races one invocation against PerAttemptTimeout.
func runAttempt[T any](ctx context.Context, e *Executor, n int, op func(ctx context.Context) (T, error)) (T, *errclass.ClassifiedError) {
	var zero T
	actx, cancel := context.WithTimeout(ctx, e.config.PerAttemptTimeout)
	defer cancel()

	done := make(chan attemptResult[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- attemptResult[T]{err: fmt.Errorf("operation panicked: %v", r)}
			}
		}()
		v, err := op(actx)
		done <- attemptResult[T]{v: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err == nil {
			return r.v, nil
		}
		if errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return zero, e.timeoutError(n)
		}
		return zero, e.classifier.Classify(r.err)
	case <-actx.Done():
		if ctx.Err() != nil {
			return zero, e.classifier.Classify(ctx.Err())
		}
		return zero, e.timeoutError(n)
	}
}

func (e *Executor) timeoutError(n int) *errclass.ClassifiedError {
	err := fmt.Errorf("attempt %d after %s: %w", n, e.config.PerAttemptTimeout, ErrAttemptTimeout)
	return e.classifier.Classify(errclass.WithKind(errclass.ConnectionTimeout, err))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
