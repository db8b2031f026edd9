// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/errclass"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/model"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/outbox"
)

// DrainResult summarizes one outbox sweep.
type DrainResult struct {
	Attempted int
	Delivered int
	// Requeued counts retryable failures left queued for the next drain
	Requeued int
	// Failed counts non-retryable failures
	Failed int
	// Remaining is the number of pending entries after the sweep
	Remaining int
	// Stopped is set when a non-retryable failure ended the sweep early
	Stopped bool
	// Blocked lists sessions whose later entries were held back
	Blocked []string
}

// =============================================================================
// SEND
// =============================================================================

// Send sends content to the active session.
func (c *Coordinator) Send(ctx context.Context, content string) (outbox.QueuedMessage, error) {
	id := c.ActiveSessionID()
	if id == "" {
		return outbox.QueuedMessage{}, ErrNoActiveSession
	}
	return c.SendTo(ctx, id, content)
}

// SendTo appends content to the session as a user message, queues it and,
// when online, delivers it. The returned entry's Status tells the caller
// where the message ended up: sent, queued (offline) or failed.
func (c *Coordinator) SendTo(ctx context.Context, sessionID, content string) (outbox.QueuedMessage, error) {
	if strings.TrimSpace(content) == "" {
		return outbox.QueuedMessage{}, ErrEmptyMessage
	}
	if max := c.opts.MaxMessageRunes; max > 0 && utf8.RuneCountInString(content) > max {
		ce := errclass.Classify(ErrMessageTooLong)
		c.setLastError(ce)
		return outbox.QueuedMessage{}, ce
	}

	msg := model.NewUserMessage(content)
	err := c.update(func() error {
		s, ok := c.sessions[sessionID]
		if !ok {
			return ErrSessionNotFound
		}
		if err := s.Append(msg); err != nil {
			return err
		}
		if err := c.saveLocked(s); err != nil {
			s.Messages = s.Messages[:len(s.Messages)-1]
			return err
		}
		c.reconciler.ExpectEcho(sessionID, msg.ID)
		return nil
	})
	if err != nil {
		return outbox.QueuedMessage{}, c.fail(err)
	}

	entry, err := c.outbox.Enqueue(sessionID, content, outbox.WithMessageID(msg.ID))
	if err != nil {
		// The prompt is not durable; do not leave a bubble that looks queued.
		c.removeMessage(sessionID, msg.ID)
		return outbox.QueuedMessage{}, c.fail(err)
	}

	if !c.monitor.IsOnline() {
		c.logger.Info("offline; message queued",
			zap.String("session", sessionID),
			zap.String("entry", entry.ID))
		return entry, nil
	}

	// Older prompts for this session go first.
	if len(c.outbox.Pending(sessionID)) > 1 {
		_, err := c.DrainOutbox(ctx, sessionID)
		final, ok := c.outbox.Get(entry.ID)
		if !ok {
			entry.Status = outbox.StatusSent
			return entry, nil
		}
		if err != nil {
			return final, c.fail(err)
		}
		return final, entryError(final)
	}

	claimed, err := c.outbox.Claim(entry.ID)
	if err != nil {
		// A background drain got there first.
		if errors.Is(err, outbox.ErrNotPending) {
			current, _ := c.outbox.Get(entry.ID)
			return current, nil
		}
		return entry, c.fail(err)
	}

	delivered, ce := c.deliver(ctx, claimed)
	if ce == nil {
		return delivered, nil
	}
	c.setLastError(ce)
	if isCancellation(ctx, ce) {
		return c.requeue(delivered), ce
	}
	return c.settle(delivered, ce, false), ce
}

// deliver runs a claimed entry through the retry executor. On success the
// entry is removed.
func (c *Coordinator) deliver(ctx context.Context, sending outbox.QueuedMessage) (outbox.QueuedMessage, *errclass.ClassifiedError) {
	err := c.executor().Do(ctx, func(ctx context.Context) error {
		return c.api.SendPrompt(ctx, sending.SessionID, sending.Content)
	})
	c.setRetrying(false)

	if err == nil {
		if rmErr := c.outbox.Remove(sending.ID); rmErr != nil {
			// Delivered but still recorded; a restart would send it again.
			c.logger.Error("failed to remove delivered message",
				zap.String("entry", sending.ID),
				zap.Error(rmErr))
		}
		c.monitor.MarkConnected(c.opts.ServerURL)
		sending.Status = outbox.StatusSent
		c.logger.Debug("message delivered",
			zap.String("session", sending.SessionID),
			zap.String("entry", sending.ID))
		return sending, nil
	}

	ce := errclass.Classify(err)
	if ce.Kind.IsNetwork() {
		c.monitor.MarkError(ce)
	}
	c.logger.Warn("delivery failed",
		zap.String("session", sending.SessionID),
		zap.String("entry", sending.ID),
		zap.String("kind", ce.Kind.String()),
		zap.Bool("retryable", ce.Retryable))
	return sending, ce
}

// settle records a failed delivery. requeue keeps the entry queued for the
// next drain; otherwise it is marked failed.
func (c *Coordinator) settle(e outbox.QueuedMessage, ce *errclass.ClassifiedError, requeue bool) outbox.QueuedMessage {
	status := outbox.StatusFailed
	if requeue {
		status = outbox.StatusQueued
	}
	updated, err := c.outbox.UpdateStatus(e.ID, outbox.Update{Status: status, IncrementRetry: true, Err: ce})
	if err != nil {
		c.logger.Error("failed to record delivery failure", zap.String("entry", e.ID), zap.Error(err))
		return e
	}
	return updated
}

// requeue returns an interrupted entry to the queue without counting an attempt.
func (c *Coordinator) requeue(e outbox.QueuedMessage) outbox.QueuedMessage {
	updated, err := c.outbox.UpdateStatus(e.ID, outbox.Update{Status: outbox.StatusQueued})
	if err != nil {
		c.logger.Error("failed to requeue message", zap.String("entry", e.ID), zap.Error(err))
		return e
	}
	return updated
}

func isCancellation(ctx context.Context, ce *errclass.ClassifiedError) bool {
	return ctx.Err() != nil && (errors.Is(ce, context.Canceled) || errors.Is(ce, context.DeadlineExceeded))
}

// entryError rebuilds the recorded failure of an entry, if any.
func entryError(e outbox.QueuedMessage) error {
	if e.LastError == "" {
		return nil
	}
	return errclass.New(errclass.ParseKind(e.LastErrorKind), e.LastError)
}

// fail classifies err and publishes it as the last error.
func (c *Coordinator) fail(err error) error {
	ce := errclass.Classify(err)
	c.setLastError(ce)
	return ce
}

// =============================================================================
// DRAIN
// =============================================================================

// DrainOutbox delivers pending entries one at a time in enqueue order. An
// empty sessionID drains every session. Only one drain runs at a time.
//
// Retryable failures stay queued and the sweep moves on. A non-retryable
// failure marks the entry failed; what happens next depends on the drain
// policy. DrainStopOnPermanent ends the sweep and leaves the rest queued,
// DrainHoldSession skips the failing session's later entries and
// DrainSkipPermanent carries on.
func (c *Coordinator) DrainOutbox(ctx context.Context, sessionID string) (res DrainResult, err error) {
	if !c.monitor.IsOnline() {
		return res, ErrOffline
	}

	c.drainMu.Lock()
	defer c.drainMu.Unlock()
	defer func() { res.Remaining = len(c.outbox.Pending(sessionID)) }()

	pending := c.outbox.Pending(sessionID)
	if len(pending) == 0 {
		return res, nil
	}
	c.logger.Info("draining outbox",
		zap.String("session", sessionID),
		zap.Int("pending", len(pending)),
		zap.String("policy", c.opts.DrainPolicy.String()))

	blocked := make(map[string]bool)
	for _, queued := range pending {
		if blocked[queued.SessionID] {
			continue
		}
		if !c.monitor.IsOnline() {
			return res, ErrOffline
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return res, err
		}

		// The entry may have been discarded or picked up since the sweep began.
		claimed, err := c.outbox.Claim(queued.ID)
		if errors.Is(err, outbox.ErrNotFound) || errors.Is(err, outbox.ErrNotPending) {
			continue
		}
		if err != nil {
			return res, c.fail(err)
		}

		res.Attempted++
		e, ce := c.deliver(ctx, claimed)
		if ce == nil {
			res.Delivered++
			continue
		}
		if isCancellation(ctx, ce) {
			c.requeue(e)
			return res, ctx.Err()
		}

		c.setLastError(ce)
		if ce.Retryable {
			c.settle(e, ce, true)
			res.Requeued++
			continue
		}

		c.settle(e, ce, false)
		res.Failed++
		switch c.opts.DrainPolicy {
		case DrainStopOnPermanent:
			res.Stopped = true
			c.logger.Info("drain stopped by permanent failure",
				zap.String("session", e.SessionID),
				zap.String("entry", e.ID),
				zap.String("kind", ce.Kind.String()))
			return res, nil
		case DrainHoldSession:
			blocked[e.SessionID] = true
			res.Blocked = append(res.Blocked, e.SessionID)
		}
	}
	return res, nil
}

// RetryFailedMessages moves failed entries back to the queue and drains.
func (c *Coordinator) RetryFailedMessages(ctx context.Context) (DrainResult, error) {
	n, err := c.outbox.RequeueFailed("")
	if err != nil {
		return DrainResult{}, c.fail(err)
	}
	c.ClearLastError()
	c.logger.Info("retrying failed messages", zap.Int("count", n))
	return c.DrainOutbox(ctx, "")
}

// DiscardQueued removes an undelivered entry and its optimistic message.
// Unknown ids are ignored.
func (c *Coordinator) DiscardQueued(id string) error {
	e, ok := c.outbox.Get(id)
	if !ok {
		return nil
	}
	if e.Status == outbox.StatusSending {
		return ErrEntryInFlight
	}
	if err := c.outbox.Remove(id); err != nil {
		return c.fail(err)
	}
	if e.MessageID != "" {
		c.removeMessage(e.SessionID, e.MessageID)
	}
	return nil
}

// removeMessage drops a message from a session and persists the result.
func (c *Coordinator) removeMessage(sessionID, messageID string) {
	_ = c.update(func() error {
		s, ok := c.sessions[sessionID]
		if !ok {
			return nil
		}
		i := s.IndexOf(messageID)
		if i < 0 {
			return nil
		}
		s.Messages = append(s.Messages[:i], s.Messages[i+1:]...)
		return c.saveLocked(s)
	})
}
