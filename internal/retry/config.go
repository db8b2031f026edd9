// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package retry

import (
	"fmt"
	"math"
	"time"
)

// =============================================================================
// RETRY CONFIGURATION
// =============================================================================

// Config controls how many times an operation runs and how long to wait between runs.
type Config struct {
	// MaxRetries is the total number of invocations, first attempt included (default: 3)
	MaxRetries int

	// InitialDelay is the wait after the first failure (default: 1s)
	InitialDelay time.Duration

	// MaxDelay caps the exponential growth (default: 10s)
	MaxDelay time.Duration

	// BackoffMultiplier scales the delay after each failure (default: 2)
	BackoffMultiplier float64

	// PerAttemptTimeout bounds a single invocation (default: 30s)
	PerAttemptTimeout time.Duration
}

// DefaultConfig returns the standard delivery policy.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		InitialDelay:      1 * time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2,
		PerAttemptTimeout: 30 * time.Second,
	}
}

// AggressiveConfig retries more often with shorter waits.
func AggressiveConfig() Config {
	return Config{
		MaxRetries:        5,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 1.5,
		PerAttemptTimeout: 30 * time.Second,
	}
}

// ConservativeConfig retries rarely with long waits.
func ConservativeConfig() Config {
	return Config{
		MaxRetries:        2,
		InitialDelay:      2 * time.Second,
		MaxDelay:          60 * time.Second,
		BackoffMultiplier: 3,
		PerAttemptTimeout: 30 * time.Second,
	}
}

// Preset returns a named policy: "default", "aggressive" or "conservative".
func Preset(name string) (Config, bool) {
	switch name {
	case "", "default":
		return DefaultConfig(), true
	case "aggressive":
		return AggressiveConfig(), true
	case "conservative":
		return ConservativeConfig(), true
	}
	return Config{}, false
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.PerAttemptTimeout <= 0 {
		c.PerAttemptTimeout = d.PerAttemptTimeout
	}
	return c
}

// Validate rejects policies that cannot make progress.
func (c Config) Validate() error {
	switch {
	case c.MaxRetries < 1:
		return fmt.Errorf("max retries must be at least 1, got %d", c.MaxRetries)
	case c.InitialDelay <= 0:
		return fmt.Errorf("initial delay must be positive, got %s", c.InitialDelay)
	case c.MaxDelay < c.InitialDelay:
		return fmt.Errorf("max delay %s is below initial delay %s", c.MaxDelay, c.InitialDelay)
	case c.BackoffMultiplier < 1:
		return fmt.Errorf("backoff multiplier must be >= 1, got %g", c.BackoffMultiplier)
	case c.PerAttemptTimeout <= 0:
		return fmt.Errorf("per-attempt timeout must be positive, got %s", c.PerAttemptTimeout)
	}
	return nil
}

// Delay returns the wait after the given failed attempt (1-based):
// min(InitialDelay * BackoffMultiplier^(attempt-1), MaxDelay).
func (c Config) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(c.InitialDelay) * math.Pow(c.BackoffMultiplier, float64(attempt-1))
	if math.IsInf(d, 0) || math.IsNaN(d) || d > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(d)
}
