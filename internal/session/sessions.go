// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/errclass"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/model"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/retry"
)

// =============================================================================
// SESSION ACTIONS
// =============================================================================

// CreateSession creates a session on the server and selects it.
func (c *Coordinator) CreateSession(ctx context.Context, title string) (*model.Session, error) {
	created, err := retry.DoValue(ctx, c.executor(), func(ctx context.Context) (*model.Session, error) {
		return c.api.CreateSession(ctx, title)
	})
	c.setRetrying(false)
	if err != nil {
		return nil, c.fail(err)
	}

	var out *model.Session
	_ = c.update(func() error {
		s, exists := c.sessions[created.ID]
		if !exists {
			s = created
			c.sessions[s.ID] = s
		}
		_ = c.saveLocked(s)
		c.selectLocked(s.ID)
		out = s.Clone()
		return nil
	})
	c.logger.Info("session created", zap.String("session", out.ID))
	return out, nil
}

// SelectSession makes id the active session. Streaming state of the
// previous session is cleared before this returns.
func (c *Coordinator) SelectSession(id string) error {
	return c.update(func() error {
		if _, ok := c.sessions[id]; !ok {
			return ErrSessionNotFound
		}
		c.selectLocked(id)
		return nil
	})
}

func (c *Coordinator) selectLocked(id string) {
	if c.activeID == id {
		return
	}
	c.reconciler.SwitchSession(c.activeID)
	c.activeID = id
}

// DeleteSession deletes the session on the server, then its queued
// messages and local record. A session the server no longer knows is
// still removed locally.
func (c *Coordinator) DeleteSession(ctx context.Context, id string) error {
	err := c.executor().Do(ctx, func(ctx context.Context) error {
		return c.api.DeleteSession(ctx, id)
	})
	c.setRetrying(false)
	if err != nil && errclass.KindOf(err) != errclass.SessionNotFound {
		return c.fail(err)
	}

	removed, err := c.outbox.RemoveSession(id)
	if err != nil {
		return c.fail(err)
	}

	err = c.update(func() error {
		delete(c.sessions, id)
		c.reconciler.Complete(id)
		if c.activeID == id {
			c.activeID = ""
		}
		return c.store.Delete(id)
	})
	if err != nil {
		c.logger.Error("failed to delete session record", zap.String("session", id), zap.Error(err))
	}
	c.logger.Info("session deleted", zap.String("session", id), zap.Int("discarded", removed))
	return nil
}

// RefreshSessions merges the server's session list into local state.
// Local sessions missing on the server are kept; they may hold queued
// prompts.
func (c *Coordinator) RefreshSessions(ctx context.Context) error {
	remoteList, err := retry.DoValue(ctx, c.executor(), c.api.ListSessions)
	c.setRetrying(false)
	if err != nil {
		return c.fail(err)
	}
	c.monitor.MarkConnected(c.opts.ServerURL)

	return c.update(func() error {
		for _, rs := range remoteList {
			local, ok := c.sessions[rs.ID]
			if !ok {
				c.sessions[rs.ID] = rs
				_ = c.saveLocked(rs)
				continue
			}
			if rs.Title != "" && rs.Title != model.DefaultTitle && rs.Title != local.Title {
				local.Title = rs.Title
				_ = c.saveLocked(local)
			}
		}
		return nil
	})
}

// SyncMessages replaces a session's history with the server's, keeping
// optimistic messages that are still in the outbox. While an answer is
// streaming only missing messages are appended.
func (c *Coordinator) SyncMessages(ctx context.Context, id string) error {
	if _, ok := c.Session(id); !ok {
		return ErrSessionNotFound
	}
	history, err := retry.DoValue(ctx, c.executor(), func(ctx context.Context) ([]model.Message, error) {
		return c.api.GetSessionMessages(ctx, id)
	})
	c.setRetrying(false)
	if err != nil {
		return c.fail(err)
	}

	undelivered := make(map[string]bool)
	for _, e := range c.outbox.ListForSession(id) {
		if e.MessageID != "" {
			undelivered[e.MessageID] = true
		}
	}

	return c.update(func() error {
		s, ok := c.sessions[id]
		if !ok {
			return ErrSessionNotFound
		}

		if c.reconciler.IsStreaming(id) {
			for _, m := range history {
				if s.IndexOf(m.ID) < 0 {
					_ = s.Append(m)
				}
			}
			return c.saveLocked(s)
		}

		merged := make([]model.Message, 0, len(history)+len(undelivered))
		seen := make(map[string]bool, len(history))
		for _, m := range history {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			merged = append(merged, m)
		}
		for _, m := range s.Messages {
			if undelivered[m.ID] && !seen[m.ID] {
				merged = append(merged, m)
			}
		}
		s.Messages = merged
		return c.saveLocked(s)
	})
}
