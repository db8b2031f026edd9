// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/connectivity"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/errclass"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/model"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/remote"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/stream"
)

// =============================================================================
// EVENT HANDLING
// =============================================================================

// HandleEvent applies one server event. Events for sessions other than the
// active one update that session without changing the selection.
func (c *Coordinator) HandleEvent(ev remote.Event) {
	switch e := ev.(type) {
	case remote.SessionCreated:
		c.onSessionCreated(e)
	case remote.MessageChunk:
		c.onChunk(e)
	case remote.MessageReceived:
		c.onMessage(e)
	case remote.ErrorEvent:
		c.onServerError(e)
	default:
		c.logger.Warn("unhandled event", zap.Any("event", ev))
	}
}

func (c *Coordinator) onSessionCreated(e remote.SessionCreated) {
	if e.Session == nil || e.Session.ID == "" {
		return
	}
	_ = c.update(func() error {
		if _, ok := c.sessions[e.Session.ID]; ok {
			return nil
		}
		c.sessions[e.Session.ID] = e.Session.Clone()
		return c.saveLocked(c.sessions[e.Session.ID])
	})
}

// sessionLocked returns the session for an event, creating a placeholder for
// sessions this client has not seen yet.
func (c *Coordinator) sessionLocked(id string) *model.Session {
	s, ok := c.sessions[id]
	if !ok {
		s = model.NewSession(id, "")
		c.sessions[id] = s
		c.logger.Debug("event for unknown session", zap.String("session", id))
	}
	return s
}

func (c *Coordinator) onChunk(e remote.MessageChunk) {
	if e.SessionID == "" {
		return
	}
	_ = c.update(func() error {
		s := c.sessionLocked(e.SessionID)
		_, created := c.reconciler.ApplyChunk(s, stream.Chunk{
			SessionID: e.SessionID,
			MessageID: e.MessageID,
			Text:      e.Chunk,
		})
		// Fragments are persisted when the stream starts and ends.
		if created {
			return c.saveLocked(s)
		}
		return nil
	})
}

func (c *Coordinator) onMessage(e remote.MessageReceived) {
	if e.SessionID == "" {
		return
	}
	_ = c.update(func() error {
		s := c.sessionLocked(e.SessionID)
		outcome := c.reconciler.ApplyMessage(s, e.Message)
		if outcome == stream.Duplicate {
			return nil
		}
		return c.saveLocked(s)
	})
}

func (c *Coordinator) onServerError(e remote.ErrorEvent) {
	ce := errclass.Classify(errors.New(e.Message))
	c.setLastError(ce)
	c.logger.Warn("server reported an error", zap.String("message", e.Message))

	_ = c.update(func() error {
		for _, id := range c.reconciler.AbortAll() {
			if s, ok := c.sessions[id]; ok {
				_ = c.saveLocked(s)
			}
		}
		return nil
	})
}

// ExpireStaleStreams ends streams that stopped sending fragments and saves
// what arrived.
func (c *Coordinator) ExpireStaleStreams(now time.Time) []string {
	var expired []string
	_ = c.update(func() error {
		expired = c.reconciler.ExpireStale(now)
		for _, id := range expired {
			if s, ok := c.sessions[id]; ok {
				_ = c.saveLocked(s)
			}
		}
		return nil
	})
	return expired
}

// =============================================================================
// BACKGROUND WORKERS
// =============================================================================

// Run consumes the event stream, checks the server and expires stale
// streams until ctx ends. It returns nil on cancellation.
func (c *Coordinator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		c.pumpEvents(gctx)
		return nil
	})
	g.Go(func() error {
		err := c.monitor.RunHealthCheck(gctx, c.api, c.opts.ServerURL, c.opts.HealthInterval)
		if errors.Is(err, connectivity.ErrHealthCheckRunning) {
			c.logger.Debug("health check already running elsewhere")
			return nil
		}
		return err
	})
	g.Go(func() error {
		c.sweepStale(gctx)
		return nil
	})

	return g.Wait()
}

// pumpEvents keeps an event stream open, reconnecting with exponential
// backoff whenever it drops.
func (c *Coordinator) pumpEvents(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.ReconnectInitial
	b.MaxInterval = c.opts.ReconnectMax
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		c.monitor.MarkConnecting(c.opts.ServerURL)
		events, err := c.api.Events(ctx)
		if err == nil {
			c.monitor.MarkConnected(c.opts.ServerURL)
			b.Reset()
			c.logger.Info("event stream connected", zap.String("server", c.opts.ServerURL))
			if !c.opts.DisableAutoDrain {
				c.spawnDrain("connect")
			}
			for ev := range events {
				c.HandleEvent(ev)
			}
		}
		if ctx.Err() != nil {
			c.monitor.MarkDisconnected()
			return
		}

		if err != nil {
			ce := errclass.Classify(err)
			c.monitor.MarkError(ce)
			c.logger.Warn("event stream unavailable",
				zap.String("kind", ce.Kind.String()),
				zap.Error(err))
		} else {
			c.logger.Info("event stream dropped; reconnecting")
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			wait = c.opts.ReconnectMax
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.monitor.MarkDisconnected()
			return
		case <-timer.C:
		}
	}
}

func (c *Coordinator) sweepStale(ctx context.Context) {
	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.ExpireStaleStreams(now)
		}
	}
}
