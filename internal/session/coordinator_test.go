// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/errclass"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/model"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/outbox"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/remote"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/retry"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =============================================================================
// SEND
// =============================================================================

func TestSend_OfflineQueuesThenDrainsOnReconnect(t *testing.T) {
	h := newHarness(t, Options{})
	sid := h.newSession(t)
	h.monitor.SetOnline(false)
	assert.False(t, h.c.Views().IsOnline.Get())

	entry, err := h.c.Send(context.Background(), "Hello")
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusQueued, entry.Status)
	assert.Equal(t, "Hello", entry.Content)
	assert.Empty(t, h.api.Prompts())

	queued := h.box.ListForSession(sid)
	require.Len(t, queued, 1)
	assert.Equal(t, outbox.StatusQueued, queued[0].Status)
	assert.Equal(t, 1, h.c.Views().QueuedMessageCount.Get())
	assert.True(t, h.c.Views().HasQueuedMessages.Get())

	h.monitor.SetOnline(true)

	require.Eventually(t, func() bool { return h.box.Count() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"Hello"}, h.api.Prompts())
	assert.False(t, h.c.Views().HasQueuedMessages.Get())

	// Server echoes the prompt and streams the answer.
	h.c.HandleEvent(remote.MessageReceived{SessionID: sid, Message: model.Message{ID: "u-srv", Role: model.RoleUser, Content: "Hello"}})
	for _, frag := range []string{"Hi ", "there"} {
		h.c.HandleEvent(remote.MessageChunk{SessionID: sid, MessageID: "a1", Chunk: frag})
	}
	h.c.HandleEvent(remote.MessageReceived{SessionID: sid, Message: model.Message{ID: "a1", Role: model.RoleAssistant, Content: "Hi there"}})

	s, ok := h.c.Session(sid)
	require.True(t, ok)
	require.Len(t, s.Messages, 2)
	assert.Equal(t, model.RoleUser, s.Messages[0].Role)
	assert.Equal(t, "Hello", s.Messages[0].Content)
	assert.Equal(t, "Hi there", s.Messages[1].Content)
}

func TestSend_DrainedPromptsMatchTheirEchoes(t *testing.T) {
	h := newHarness(t, Options{})
	sid := h.newSession(t)
	h.monitor.SetOnline(false)
	for _, p := range []string{"Hello", "World"} {
		_, err := h.c.Send(context.Background(), p)
		require.NoError(t, err)
	}

	h.monitor.SetOnline(true)
	require.Eventually(t, func() bool { return h.box.Count() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"Hello", "World"}, h.api.Prompts())

	// Both echoes arrive after both optimistic messages are in place, and
	// the two answers stream interleaved.
	h.c.HandleEvent(remote.MessageReceived{SessionID: sid, Message: model.Message{ID: "u1", Role: model.RoleUser, Content: "Hello"}})
	h.c.HandleEvent(remote.MessageReceived{SessionID: sid, Message: model.Message{ID: "u2", Role: model.RoleUser, Content: "World"}})
	h.c.HandleEvent(remote.MessageChunk{SessionID: sid, MessageID: "a1", Chunk: "Hi "})
	h.c.HandleEvent(remote.MessageChunk{SessionID: sid, MessageID: "a2", Chunk: "Earth "})
	h.c.HandleEvent(remote.MessageChunk{SessionID: sid, MessageID: "a1", Chunk: "there"})
	h.c.HandleEvent(remote.MessageReceived{SessionID: sid, Message: model.Message{ID: "a1", Role: model.RoleAssistant, Content: "Hi there"}})
	h.c.HandleEvent(remote.MessageReceived{SessionID: sid, Message: model.Message{ID: "a2", Role: model.RoleAssistant, Content: "Earth here"}})

	// A redelivered echo is still a duplicate.
	h.c.HandleEvent(remote.MessageReceived{SessionID: sid, Message: model.Message{ID: "u1", Role: model.RoleUser, Content: "Hello"}})

	s, ok := h.c.Session(sid)
	require.True(t, ok)
	require.Len(t, s.Messages, 4)
	assert.Equal(t, "u1", s.Messages[0].ID)
	assert.Equal(t, "Hello", s.Messages[0].Content)
	assert.Equal(t, "u2", s.Messages[1].ID)
	assert.Equal(t, "World", s.Messages[1].Content)
	assert.Equal(t, "Hi there", s.Messages[2].Content)
	assert.Equal(t, "Earth here", s.Messages[3].Content)
	assert.False(t, h.c.IsStreaming(sid))
}

func TestSend_EchoFromAnotherClientIsKept(t *testing.T) {
	h := newHarness(t, Options{})
	sid := h.newSession(t)
	_, err := h.c.Send(context.Background(), "same words")
	require.NoError(t, err)

	h.c.HandleEvent(remote.MessageReceived{SessionID: sid, Message: model.Message{ID: "u1", Role: model.RoleUser, Content: "same words"}})
	h.c.HandleEvent(remote.MessageReceived{SessionID: sid, Message: model.Message{ID: "u2", Role: model.RoleUser, Content: "same words"}})

	s, _ := h.c.Session(sid)
	require.Len(t, s.Messages, 2)
	assert.Equal(t, "u1", s.Messages[0].ID)
	assert.Equal(t, "u2", s.Messages[1].ID)
}

func TestSend_OnlineDeliversAndRemoves(t *testing.T) {
	h := newHarness(t, Options{})
	sid := h.newSession(t)

	entry, err := h.c.Send(context.Background(), "ping")
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusSent, entry.Status)
	assert.Zero(t, h.box.Count())
	assert.Equal(t, []string{"ping"}, h.api.Prompts())

	s, _ := h.c.Session(sid)
	require.Len(t, s.Messages, 1)
	assert.Equal(t, "ping", s.Title)
}

func TestSend_RetryBoundThenFailed(t *testing.T) {
	h := newHarness(t, Options{})
	sid := h.newSession(t)
	h.api.setSendErr(func(string, string, int) error { return statusError(http.StatusInternalServerError) })

	entry, err := h.c.Send(context.Background(), "doomed")
	require.Error(t, err)
	assert.Equal(t, errclass.ServerError, errclass.KindOf(err))
	assert.Equal(t, 3, h.api.SendCalls())

	assert.Equal(t, outbox.StatusFailed, entry.Status)
	assert.Equal(t, 1, entry.RetryCount)
	assert.Equal(t, errclass.ServerError.String(), entry.LastErrorKind)

	// Still visible and still queued for a later retry.
	assert.Len(t, h.box.ListForSession(sid), 1)
	s, _ := h.c.Session(sid)
	assert.Len(t, s.Messages, 1)

	last := h.c.Views().LastError.Get()
	require.NotNil(t, last)
	assert.Equal(t, errclass.ServerError, last.Kind)
	assert.False(t, h.c.Views().Retrying.Get())
}

func TestSetRetryPolicy_AppliesToLaterSends(t *testing.T) {
	h := newHarness(t, Options{DisableAutoDrain: true})
	h.newSession(t)
	h.api.setSendErr(func(string, string, int) error { return statusError(http.StatusBadGateway) })

	h.c.SetRetryPolicy(retry.Config{
		MaxRetries:        1,
		InitialDelay:      time.Millisecond,
		MaxDelay:          time.Millisecond,
		BackoffMultiplier: 1,
		PerAttemptTimeout: time.Second,
	})

	_, err := h.c.Send(context.Background(), "once")
	require.Error(t, err)
	assert.Equal(t, 1, h.api.SendCalls())
}

func TestSend_NonRetryableTriedOnce(t *testing.T) {
	h := newHarness(t, Options{})
	h.newSession(t)
	h.api.setSendErr(func(string, string, int) error { return statusError(http.StatusUnauthorized) })

	_, err := h.c.Send(context.Background(), "x")
	assert.Equal(t, errclass.AuthenticationFailed, errclass.KindOf(err))
	assert.Equal(t, 1, h.api.SendCalls())
	assert.True(t, h.monitor.IsOnline(), "auth failures do not mean the server is unreachable")
}

func TestSend_NetworkFailureGoesOffline(t *testing.T) {
	h := newHarness(t, Options{DisableAutoDrain: true})
	h.newSession(t)
	h.api.setSendErr(func(string, string, int) error {
		return errors.New("dial tcp 127.0.0.1:4096: connect: connection refused")
	})

	entry, err := h.c.Send(context.Background(), "x")
	require.Error(t, err)
	assert.Equal(t, errclass.ConnectionRefused, errclass.KindOf(err))
	assert.Equal(t, outbox.StatusFailed, entry.Status)
	assert.False(t, h.monitor.IsOnline())
	assert.False(t, h.c.Views().IsOnline.Get())
}

func TestSend_Validation(t *testing.T) {
	h := newHarness(t, Options{MaxMessageRunes: 5})

	_, err := h.c.Send(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrNoActiveSession)

	sid := h.newSession(t)
	_, err = h.c.Send(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = h.c.Send(context.Background(), "much too long")
	assert.Equal(t, errclass.MessageTooLong, errclass.KindOf(err))

	_, err = h.c.SendTo(context.Background(), "nope", "hi")
	assert.Equal(t, errclass.SessionNotFound, errclass.KindOf(err))

	s, _ := h.c.Session(sid)
	assert.Empty(t, s.Messages)
	assert.Zero(t, h.box.Count())
}

func TestSend_OnlineWaitsBehindOlderQueuedPrompts(t *testing.T) {
	h := newHarness(t, Options{DisableAutoDrain: true})
	h.newSession(t)

	h.monitor.SetOnline(false)
	_, err := h.c.Send(context.Background(), "first")
	require.NoError(t, err)
	h.monitor.SetOnline(true)

	entry, err := h.c.Send(context.Background(), "second")
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusSent, entry.Status)
	assert.Equal(t, []string{"first", "second"}, h.api.Prompts())
}

// quotaBackend fails every write as if the disk were full.
type quotaBackend struct{ storage.Backend }

func (quotaBackend) Put(key string, _ []byte) error {
	return &storage.QuotaError{Key: key, Err: syscall.ENOSPC}
}

func TestSend_StorageFullIsReportedDistinctly(t *testing.T) {
	h := newHarness(t, Options{})
	sid := h.newSession(t)

	fb, err := storage.NewFileBackend(t.TempDir())
	require.NoError(t, err)
	h.c.store = storage.NewSessionStore(quotaBackend{fb}, nil)

	_, err = h.c.Send(context.Background(), "Hello")
	require.Error(t, err)
	assert.Equal(t, errclass.StorageQuota, errclass.KindOf(err))
	assert.NotEqual(t, errclass.Offline, errclass.KindOf(err))

	s, _ := h.c.Session(sid)
	assert.Empty(t, s.Messages, "an unsaved prompt is withdrawn")
	assert.Zero(t, h.box.Count())
	assert.Equal(t, errclass.StorageQuota, h.c.Views().LastError.Get().Kind)
}

// =============================================================================
// DRAIN
// =============================================================================

func queueOffline(t *testing.T, h *harness, sid string, prompts ...string) {
	t.Helper()
	h.monitor.SetOnline(false)
	for _, p := range prompts {
		_, err := h.c.SendTo(context.Background(), sid, p)
		require.NoError(t, err)
	}
	h.monitor.SetOnline(true)
}

func TestDrain_PreservesOrderAndStopsOnPermanentFailure(t *testing.T) {
	h := newHarness(t, Options{DisableAutoDrain: true})
	sid := h.newSession(t)
	queueOffline(t, h, sid, "m1", "m2", "m3")

	h.api.setSendErr(func(_, text string, _ int) error {
		if text == "m1" {
			return statusError(http.StatusRequestEntityTooLarge)
		}
		return statusError(http.StatusServiceUnavailable)
	})

	res, err := h.c.DrainOutbox(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempted)
	assert.Equal(t, 1, res.Failed)
	assert.True(t, res.Stopped)
	assert.Empty(t, res.Blocked)
	assert.Equal(t, 3, res.Remaining)

	list := h.box.List()
	assert.Equal(t, []string{"m1", "m2", "m3"}, contents(list))
	assert.Equal(t, outbox.StatusFailed, list[0].Status)
	assert.Equal(t, outbox.StatusQueued, list[1].Status)
	assert.Equal(t, outbox.StatusQueued, list[2].Status)
	assert.Equal(t, errclass.MessageTooLong, h.c.Views().LastError.Get().Kind)
}

func TestDrain_SkipPolicyContinuesPastPermanentFailure(t *testing.T) {
	h := newHarness(t, Options{DisableAutoDrain: true, DrainPolicy: DrainSkipPermanent})
	sid := h.newSession(t)
	queueOffline(t, h, sid, "m1", "m2", "m3")

	h.api.setSendErr(func(_, text string, _ int) error {
		switch text {
		case "m1":
			return statusError(http.StatusRequestEntityTooLarge)
		case "m2":
			return statusError(http.StatusServiceUnavailable)
		}
		return nil
	})

	res, err := h.c.DrainOutbox(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempted)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1, res.Requeued)
	assert.Equal(t, 1, res.Failed)
	assert.False(t, res.Stopped)
	assert.Empty(t, res.Blocked)

	list := h.box.List()
	assert.Equal(t, []string{"m1", "m2"}, contents(list))
	assert.Equal(t, outbox.StatusFailed, list[0].Status)
	assert.Equal(t, outbox.StatusQueued, list[1].Status)
	assert.Equal(t, 1, list[1].RetryCount)
	assert.Equal(t, []string{"m3"}, h.api.Prompts())
}

// queueAcrossSessions queues a1, b1, a2 offline and fails every prompt for a.
func queueAcrossSessions(t *testing.T, h *harness) (a, b string) {
	t.Helper()
	a = h.newSession(t)
	b = h.newSession(t)
	h.monitor.SetOnline(false)
	for _, p := range []struct{ sid, text string }{{a, "a1"}, {b, "b1"}, {a, "a2"}} {
		_, err := h.c.SendTo(context.Background(), p.sid, p.text)
		require.NoError(t, err)
	}
	h.monitor.SetOnline(true)

	h.api.setSendErr(func(sessionID, _ string, _ int) error {
		if sessionID == a {
			return statusError(http.StatusUnauthorized)
		}
		return nil
	})
	return a, b
}

func TestDrain_PermanentFailureStopsWholeSweep(t *testing.T) {
	h := newHarness(t, Options{DisableAutoDrain: true})
	a, b := queueAcrossSessions(t, h)

	res, err := h.c.DrainOutbox(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, res.Stopped)
	assert.Equal(t, 1, res.Attempted)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 3, res.Remaining)
	assert.Empty(t, h.api.Prompts())

	assert.Equal(t, []string{"a1", "a2"}, contents(h.box.ListForSession(a)))
	assert.Equal(t, []string{"b1"}, contents(h.box.ListForSession(b)))
	assert.Equal(t, outbox.StatusQueued, h.box.ListForSession(b)[0].Status)
}

func TestDrain_HoldPolicyOnlyBlocksFailingSession(t *testing.T) {
	h := newHarness(t, Options{DisableAutoDrain: true, DrainPolicy: DrainHoldSession})
	a, b := queueAcrossSessions(t, h)

	res, err := h.c.DrainOutbox(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, res.Stopped)
	assert.Equal(t, []string{"b1"}, h.api.Prompts())
	assert.Equal(t, []string{a}, res.Blocked)
	assert.Equal(t, []string{"a1", "a2"}, contents(h.box.ListForSession(a)))
	assert.Empty(t, h.box.ListForSession(b))
}

func TestDrain_IdempotentReconnect(t *testing.T) {
	h := newHarness(t, Options{DisableAutoDrain: true})
	sid := h.newSession(t)
	queueOffline(t, h, sid, "one", "two", "three")

	first, err := h.c.DrainOutbox(context.Background(), sid)
	require.NoError(t, err)
	assert.Equal(t, 3, first.Delivered)
	assert.Zero(t, first.Remaining)
	assert.Zero(t, h.box.Count())

	second, err := h.c.DrainOutbox(context.Background(), sid)
	require.NoError(t, err)
	assert.Zero(t, second.Attempted)
	assert.Equal(t, []string{"one", "two", "three"}, h.api.Prompts())
}

func TestDrain_OfflineReturnsErrOffline(t *testing.T) {
	h := newHarness(t, Options{})
	sid := h.newSession(t)
	h.monitor.SetOnline(false)
	_, err := h.c.SendTo(context.Background(), sid, "x")
	require.NoError(t, err)

	_, err = h.c.DrainOutbox(context.Background(), "")
	assert.ErrorIs(t, err, ErrOffline)
	assert.Equal(t, errclass.Offline, errclass.KindOf(err))
	assert.Zero(t, h.api.SendCalls())
}

func TestDrain_CancelledContextRequeues(t *testing.T) {
	h := newHarness(t, Options{DisableAutoDrain: true})
	sid := h.newSession(t)
	queueOffline(t, h, sid, "x")

	ctx, cancel := context.WithCancel(context.Background())
	h.api.setSendErr(func(string, string, int) error {
		cancel()
		return errors.New("connection reset by peer")
	})

	_, err := h.c.DrainOutbox(ctx, "")
	assert.ErrorIs(t, err, context.Canceled)

	list := h.box.List()
	require.Len(t, list, 1)
	assert.Equal(t, outbox.StatusQueued, list[0].Status)
}

func TestRetryFailedMessages(t *testing.T) {
	h := newHarness(t, Options{DisableAutoDrain: true})
	h.newSession(t)
	h.api.setSendErr(func(string, string, int) error { return statusError(http.StatusBadGateway) })

	_, err := h.c.Send(context.Background(), "again")
	require.Error(t, err)
	require.NotNil(t, h.c.Views().LastError.Get())

	h.api.setSendErr(nil)
	res, err := h.c.RetryFailedMessages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Zero(t, h.box.Count())
	assert.Nil(t, h.c.Views().LastError.Get())
}

func TestDiscardQueued_RemovesOptimisticMessage(t *testing.T) {
	h := newHarness(t, Options{})
	sid := h.newSession(t)
	h.monitor.SetOnline(false)

	keep, err := h.c.Send(context.Background(), "keep")
	require.NoError(t, err)
	drop, err := h.c.Send(context.Background(), "drop")
	require.NoError(t, err)

	require.NoError(t, h.c.DiscardQueued(drop.ID))
	require.NoError(t, h.c.DiscardQueued("unknown"))

	assert.Equal(t, []string{"keep"}, contents(h.box.List()))
	s, _ := h.c.Session(sid)
	require.Len(t, s.Messages, 1)
	assert.Equal(t, keep.MessageID, s.Messages[0].ID)

	_, err = h.box.Claim(keep.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, h.c.DiscardQueued(keep.ID), ErrEntryInFlight)
}

// =============================================================================
// SESSIONS
// =============================================================================

func TestCreateAndSelectSession(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.newSession(t)
	assert.Equal(t, a, h.c.ActiveSessionID())
	assert.Equal(t, a, h.c.Views().ActiveSession.Get().ID)

	b := h.newSession(t)
	assert.Equal(t, b, h.c.ActiveSessionID())
	assert.Len(t, h.c.Views().Sessions.Get(), 2)

	require.NoError(t, h.c.SelectSession(a))
	assert.Equal(t, a, h.c.Views().ActiveSession.Get().ID)
	assert.Equal(t, errclass.SessionNotFound, errclass.KindOf(h.c.SelectSession("missing")))
}

func TestSelectSession_ClearsStreamingState(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.newSession(t)
	b := h.newSession(t)
	require.NoError(t, h.c.SelectSession(a))

	h.c.HandleEvent(remote.MessageChunk{SessionID: a, Chunk: "part one"})
	require.True(t, h.c.reconciler.IsStreaming(a))

	require.NoError(t, h.c.SelectSession(b))
	assert.False(t, h.c.reconciler.IsStreaming(a))

	h.c.HandleEvent(remote.MessageChunk{SessionID: a, Chunk: "part two"})
	s, _ := h.c.Session(a)
	assert.Len(t, s.Messages, 2, "a fresh message starts after the switch")
}

func TestHandleEvent_SessionIsolation(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.newSession(t)
	b := h.newSession(t)

	var activeUpdates int
	unsub := h.c.Views().ActiveSession.Subscribe(func(*model.Session) { activeUpdates++ })
	defer unsub()

	for _, frag := range []string{"x", "y", "z"} {
		h.c.HandleEvent(remote.MessageChunk{SessionID: a, Chunk: frag})
	}

	sa, _ := h.c.Session(a)
	sb, _ := h.c.Session(b)
	require.Len(t, sa.Messages, 1)
	assert.Equal(t, "xyz", sa.Messages[0].Content)
	assert.Empty(t, sb.Messages)
	assert.Equal(t, b, h.c.ActiveSessionID())
	assert.Equal(t, 3, activeUpdates)
	assert.Empty(t, h.c.Views().ActiveSession.Get().Messages)
}

func TestHandleEvent_TwelveChunksOneAnswer(t *testing.T) {
	h := newHarness(t, Options{})
	sid := h.newSession(t)
	_, err := h.c.Send(context.Background(), "count to twelve")
	require.NoError(t, err)

	var want strings.Builder
	for i := 1; i <= 12; i++ {
		frag := strings.Repeat("•", i%3+1)
		want.WriteString(frag)
		h.c.HandleEvent(remote.MessageChunk{SessionID: sid, MessageID: "ans", Chunk: frag})
	}
	h.c.HandleEvent(remote.MessageReceived{SessionID: sid, Message: model.Message{ID: "ans", Role: model.RoleAssistant, Content: want.String()}})
	h.c.HandleEvent(remote.MessageReceived{SessionID: sid, Message: model.Message{ID: "ans", Role: model.RoleAssistant, Content: want.String()}})

	s, _ := h.c.Session(sid)
	require.Len(t, s.Messages, 2)
	assert.Equal(t, want.String(), s.Messages[1].Content)
}

func TestHandleEvent_ErrorAbortsStreams(t *testing.T) {
	h := newHarness(t, Options{})
	sid := h.newSession(t)
	h.c.HandleEvent(remote.MessageChunk{SessionID: sid, Chunk: "partial"})

	h.c.HandleEvent(remote.ErrorEvent{Message: "503 service unavailable"})
	assert.False(t, h.c.reconciler.IsStreaming(sid))
	assert.Equal(t, errclass.ServiceUnavailable, h.c.Views().LastError.Get().Kind)

	loaded, err := h.store.Load(sid)
	require.NoError(t, err)
	require.Len(t, loaded.Messages, 1)
	assert.Equal(t, "partial", loaded.Messages[0].Content)
}

func TestHandleEvent_SessionCreatedAndUnknownSession(t *testing.T) {
	h := newHarness(t, Options{})
	h.c.HandleEvent(remote.SessionCreated{Session: model.NewSession("remote-1", "From phone")})
	h.c.HandleEvent(remote.MessageChunk{SessionID: "ghost", Chunk: "boo"})

	s, ok := h.c.Session("remote-1")
	require.True(t, ok)
	assert.Equal(t, "From phone", s.Title)

	ghost, ok := h.c.Session("ghost")
	require.True(t, ok)
	assert.Len(t, ghost.Messages, 1)
}

func TestExpireStaleStreams(t *testing.T) {
	h := newHarness(t, Options{})
	sid := h.newSession(t)
	h.c.HandleEvent(remote.MessageChunk{SessionID: sid, Chunk: "hang"})

	assert.Empty(t, h.c.ExpireStaleStreams(time.Now()))
	assert.Equal(t, []string{sid}, h.c.ExpireStaleStreams(time.Now().Add(2*time.Minute)))
	assert.False(t, h.c.reconciler.IsStreaming(sid))
}

func TestDeleteSession_OnlyTouchesThatSession(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.newSession(t)
	b := h.newSession(t)
	h.monitor.SetOnline(false)
	_, err := h.c.SendTo(context.Background(), a, "for a")
	require.NoError(t, err)
	_, err = h.c.SendTo(context.Background(), b, "for b")
	require.NoError(t, err)

	require.NoError(t, h.c.DeleteSession(context.Background(), b))

	_, ok := h.c.Session(b)
	assert.False(t, ok)
	assert.Empty(t, h.c.ActiveSessionID())
	assert.Equal(t, []string{"for a"}, contents(h.box.List()))
	_, err = h.store.Load(b)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteSession_ServerMissingStillDeletesLocally(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.newSession(t)
	h.api.deleteErr = statusError(http.StatusNotFound)

	require.NoError(t, h.c.DeleteSession(context.Background(), a))
	_, ok := h.c.Session(a)
	assert.False(t, ok)

	h.api.deleteErr = statusError(http.StatusForbidden)
	b := h.newSession(t)
	assert.Error(t, h.c.DeleteSession(context.Background(), b))
	_, ok = h.c.Session(b)
	assert.True(t, ok)
}

func TestRefreshAndSyncMessages(t *testing.T) {
	h := newHarness(t, Options{})
	sid := h.newSession(t)

	h.api.sessions["other"] = model.NewSession("other", "Elsewhere")
	require.NoError(t, h.c.RefreshSessions(context.Background()))
	_, ok := h.c.Session("other")
	assert.True(t, ok)

	h.monitor.SetOnline(false)
	pending, err := h.c.Send(context.Background(), "not yet delivered")
	require.NoError(t, err)

	h.api.history[sid] = []model.Message{
		{ID: "h1", Role: model.RoleUser, Content: "earlier"},
		{ID: "h2", Role: model.RoleAssistant, Content: "answer"},
	}
	require.NoError(t, h.c.SyncMessages(context.Background(), sid))

	s, _ := h.c.Session(sid)
	require.Len(t, s.Messages, 3)
	assert.Equal(t, "h1", s.Messages[0].ID)
	assert.Equal(t, "h2", s.Messages[1].ID)
	assert.Equal(t, pending.MessageID, s.Messages[2].ID)

	assert.ErrorIs(t, h.c.SyncMessages(context.Background(), "missing"), ErrSessionNotFound)
}

func TestStats(t *testing.T) {
	h := newHarness(t, Options{})
	sid := h.newSession(t)
	_, err := h.c.Send(context.Background(), "q")
	require.NoError(t, err)
	h.c.HandleEvent(remote.MessageReceived{SessionID: sid, Message: model.Message{ID: "a", Role: model.RoleAssistant, Content: "a"}})

	stats, err := h.c.Stats(sid)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.MessageCount)
	assert.Equal(t, 1, stats.UserMessages)
	assert.Equal(t, 1, stats.AssistantMessages)

	_, err = h.c.Stats("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

// =============================================================================
// PERSISTENCE
// =============================================================================

func TestRestart_KeepsSessionsAndQueue(t *testing.T) {
	dir := t.TempDir()
	api := newFakeAPI()
	h := openHarness(t, dir, api, Options{DisableAutoDrain: true})
	sid := h.newSession(t)
	h.monitor.SetOnline(false)
	_, err := h.c.Send(context.Background(), "survives restart")
	require.NoError(t, err)
	h.c.Close()

	again := openHarness(t, dir, api, Options{DisableAutoDrain: true})
	s, ok := again.c.Session(sid)
	require.True(t, ok)
	require.Len(t, s.Messages, 1)
	assert.Equal(t, []string{"survives restart"}, contents(again.box.List()))
	assert.Equal(t, 1, again.c.Views().QueuedMessageCount.Get())
}

func TestParseDrainPolicy(t *testing.T) {
	p, err := ParseDrainPolicy("")
	require.NoError(t, err)
	assert.Equal(t, DrainStopOnPermanent, p)

	p, err = ParseDrainPolicy(" Skip ")
	require.NoError(t, err)
	assert.Equal(t, DrainSkipPermanent, p)
	assert.Equal(t, "skip", p.String())

	p, err = ParseDrainPolicy("hold")
	require.NoError(t, err)
	assert.Equal(t, DrainHoldSession, p)
	assert.Equal(t, "hold", p.String())

	_, err = ParseDrainPolicy("sometimes")
	assert.Error(t, err)
}
