// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/connectivity"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/errclass"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/mockserver"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/model"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/outbox"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/remote"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/storage"
)

// =============================================================================
// END-TO-END AGAINST THE MOCK SERVER
// =============================================================================

type liveHarness struct {
	c       *Coordinator
	mock    *mockserver.Server
	box     *outbox.Store
	monitor *connectivity.Monitor
}

func newLiveHarness(t *testing.T, mockOpts ...mockserver.Option) *liveHarness {
	t.Helper()
	mock := mockserver.New(append([]mockserver.Option{mockserver.WithAPIKey("secret")}, mockOpts...)...)
	ts := httptest.NewServer(mock.Handler())
	t.Cleanup(func() {
		mock.Close()
		ts.Close()
	})

	client, err := remote.NewClient(ts.URL, "secret", remote.WithHTTPClient(ts.Client()))
	require.NoError(t, err)

	backend, err := storage.NewSQLiteBackend(t.TempDir() + "/nexus.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	box, err := outbox.Open(backend)
	require.NoError(t, err)
	monitor := connectivity.New(connectivity.WithReachability(func(err error) bool {
		return errclass.KindOf(err).IsNetwork()
	}))

	c, err := New(Deps{
		API:      client,
		Outbox:   box,
		Sessions: storage.NewSessionStore(backend, nil),
		Monitor:  monitor,
		Retry:    fastRetry(),
	}, Options{
		ServerURL:        ts.URL,
		DrainRate:        1000,
		SweepInterval:    20 * time.Millisecond,
		ReconnectInitial: 10 * time.Millisecond,
		ReconnectMax:     50 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	return &liveHarness{c: c, mock: mock, box: box, monitor: monitor}
}

// run starts the coordinator's workers and stops them at cleanup.
func (h *liveHarness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("Run did not stop")
		}
	})
	require.Eventually(t, func() bool { return h.mock.Subscribers() == 1 }, 3*time.Second, 5*time.Millisecond)
}

func TestRun_StreamedAnswerBecomesOneMessage(t *testing.T) {
	h := newLiveHarness(t, mockserver.WithResponder(func(_, prompt string) string {
		return "you said " + prompt
	}))
	h.run(t)

	s, err := h.c.CreateSession(context.Background(), "")
	require.NoError(t, err)

	entry, err := h.c.Send(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusSent, entry.Status)

	require.Eventually(t, func() bool {
		got, _ := h.c.Session(s.ID)
		return len(got.Messages) == 2 && got.Messages[1].Content == "you said hello world"
	}, 3*time.Second, 10*time.Millisecond)

	got, _ := h.c.Session(s.ID)
	assert.Equal(t, model.RoleUser, got.Messages[0].Role)
	assert.Equal(t, model.RoleAssistant, got.Messages[1].Role)
	assert.True(t, h.c.Views().IsOnline.Get())
	assert.Equal(t, connectivity.StatusConnected, h.monitor.State().Status())
}

func TestRun_QueuedWhileOfflineDrainsOnConnect(t *testing.T) {
	h := newLiveHarness(t)

	s, err := h.c.CreateSession(context.Background(), "Offline work")
	require.NoError(t, err)

	h.monitor.SetOnline(false)
	for _, p := range []string{"first", "second"} {
		_, err := h.c.Send(context.Background(), p)
		require.NoError(t, err)
	}
	require.Equal(t, 2, h.box.CountForSession(s.ID))
	assert.Empty(t, h.mock.Prompts())

	h.run(t)

	require.Eventually(t, func() bool { return h.box.Count() == 0 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"first", "second"}, h.mock.Prompts())
	assert.False(t, h.c.Views().HasQueuedMessages.Get())
}

func TestRun_ServerErrorsAreRetriedThenQueued(t *testing.T) {
	h := newLiveHarness(t)
	h.run(t)

	_, err := h.c.CreateSession(context.Background(), "")
	require.NoError(t, err)

	h.mock.FailNext(3, 503)
	entry, err := h.c.Send(context.Background(), "busy")
	require.Error(t, err)
	assert.Equal(t, errclass.ServiceUnavailable, errclass.KindOf(err))
	assert.Equal(t, outbox.StatusFailed, entry.Status)

	res, err := h.c.RetryFailedMessages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, []string{"busy"}, h.mock.Prompts())
}
