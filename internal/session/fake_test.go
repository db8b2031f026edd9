// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/connectivity"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/errclass"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/model"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/outbox"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/remote"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/retry"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/storage"
)

// fakeAPI is an in-memory remote.API with scriptable failures.
type fakeAPI struct {
	mu       sync.Mutex
	nextID   int
	sessions map[string]*model.Session
	prompts  []string
	history  map[string][]model.Message

	// sendErr decides the outcome of each SendPrompt call
	sendErr   func(sessionID, text string, call int) error
	sendCalls int
	deleteErr error
	listErr   error
	events    chan remote.Event
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		sessions: make(map[string]*model.Session),
		history:  make(map[string][]model.Message),
		events:   make(chan remote.Event, 64),
	}
}

func (f *fakeAPI) CreateSession(_ context.Context, title string) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	s := model.NewSession(fmt.Sprintf("s%d", f.nextID), title)
	f.sessions[s.ID] = s.Clone()
	return s, nil
}

func (f *fakeAPI) ListSessions(context.Context) ([]*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]*model.Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, s.Clone())
	}
	return out, nil
}

func (f *fakeAPI) SendPrompt(_ context.Context, sessionID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	if f.sendErr != nil {
		if err := f.sendErr(sessionID, text, f.sendCalls); err != nil {
			return err
		}
	}
	f.prompts = append(f.prompts, text)
	return nil
}

func (f *fakeAPI) GetSessionMessages(_ context.Context, sessionID string) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Message(nil), f.history[sessionID]...), nil
}

func (f *fakeAPI) DeleteSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.sessions, sessionID)
	return nil
}

func (f *fakeAPI) Events(ctx context.Context) (<-chan remote.Event, error) {
	out := make(chan remote.Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-f.events:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (f *fakeAPI) Ping(context.Context) error { return nil }

func (f *fakeAPI) Prompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

func (f *fakeAPI) SendCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCalls
}

func (f *fakeAPI) setSendErr(fn func(sessionID, text string, call int) error) {
	f.mu.Lock()
	f.sendErr = fn
	f.mu.Unlock()
}

// =============================================================================
// HARNESS
// =============================================================================

type harness struct {
	c       *Coordinator
	api     *fakeAPI
	box     *outbox.Store
	monitor *connectivity.Monitor
	store   *storage.SessionStore
	dir     string
}

func fastRetry() *retry.Executor {
	return retry.New(retry.Config{
		MaxRetries:        3,
		InitialDelay:      time.Millisecond,
		MaxDelay:          2 * time.Millisecond,
		BackoffMultiplier: 2,
		PerAttemptTimeout: time.Second,
	})
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	dir := t.TempDir()
	return openHarness(t, dir, newFakeAPI(), opts)
}

func openHarness(t *testing.T, dir string, api *fakeAPI, opts Options) *harness {
	t.Helper()
	backend, err := storage.NewFileBackend(dir)
	require.NoError(t, err)
	box, err := outbox.Open(backend)
	require.NoError(t, err)
	store := storage.NewSessionStore(backend, nil)
	monitor := connectivity.New(connectivity.WithReachability(func(err error) bool {
		return errclass.KindOf(err).IsNetwork()
	}))

	if opts.DrainRate == 0 {
		opts.DrainRate = rate.Inf
	}
	c, err := New(Deps{
		API:      api,
		Outbox:   box,
		Sessions: store,
		Monitor:  monitor,
		Retry:    fastRetry(),
	}, opts)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	return &harness{c: c, api: api, box: box, monitor: monitor, store: store, dir: dir}
}

// newSession creates and selects a session.
func (h *harness) newSession(t *testing.T) string {
	t.Helper()
	s, err := h.c.CreateSession(context.Background(), "")
	require.NoError(t, err)
	return s.ID
}

func contents(entries []outbox.QueuedMessage) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Content
	}
	return out
}

func statusError(code int) error {
	return &remote.APIError{Status: code, Message: "scripted"}
}
