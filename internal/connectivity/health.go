// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package connectivity

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
)

// DefaultHealthInterval is how often the server is checked.
const DefaultHealthInterval = 30 * time.Second

// ErrHealthCheckRunning is returned when a second loop is started on one monitor.
var ErrHealthCheckRunning = errors.New("health check already running")

// Pinger checks that the server answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc adapts a function to Pinger.
type PingerFunc func(ctx context.Context) error

// Ping calls f.
func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// StartHealthCheck runs RunHealthCheck in a goroutine. It reports false when
// a loop is already running on this monitor.
func (m *Monitor) StartHealthCheck(ctx context.Context, p Pinger, server string, interval time.Duration) bool {
	if !m.claimHealthLoop() {
		return false
	}
	go func() {
		defer m.releaseHealthLoop()
		m.healthLoop(ctx, p, server, interval)
	}()
	return true
}

// RunHealthCheck pings p every interval until ctx ends. It returns
// ErrHealthCheckRunning when another loop owns this monitor, and nil on
// cancellation; ping failures never end the loop.
func (m *Monitor) RunHealthCheck(ctx context.Context, p Pinger, server string, interval time.Duration) error {
	if !m.claimHealthLoop() {
		return ErrHealthCheckRunning
	}
	defer m.releaseHealthLoop()
	m.healthLoop(ctx, p, server, interval)
	return nil
}

func (m *Monitor) claimHealthLoop() bool {
	m.healthMu.Lock()
	defer m.healthMu.Unlock()
	if m.healthRunning {
		return false
	}
	m.healthRunning = true
	return true
}

func (m *Monitor) releaseHealthLoop() {
	m.healthMu.Lock()
	m.healthRunning = false
	m.healthMu.Unlock()
}

func (m *Monitor) healthLoop(ctx context.Context, p Pinger, server string, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Debug("health check started",
		zap.String("server", server),
		zap.Duration("interval", interval))

	m.CheckOnce(ctx, p, server, interval)
	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("health check stopped", zap.String("server", server))
			return
		case <-ticker.C:
			m.CheckOnce(ctx, p, server, interval)
		}
	}
}

// CheckOnce runs a single ping inside a recover boundary and feeds the
// result into the monitor. It reports the ping error, or a wrapped panic.
func (m *Monitor) CheckOnce(ctx context.Context, p Pinger, server string, timeout time.Duration) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("health check panicked: %v", r)
			m.logger.Error("health check iteration failed",
				zap.String("server", server),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()

	if timeout <= 0 {
		timeout = DefaultHealthInterval
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := p.Ping(pctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.logger.Debug("health check failed", zap.String("server", server), zap.Error(err))
		m.MarkError(err)
		return err
	}
	m.MarkConnected(server)
	return nil
}
