// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/errclass"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/mockserver"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/model"
)

func newTestServer(t *testing.T, opts ...mockserver.Option) (*mockserver.Server, *Client) {
	t.Helper()
	mock := mockserver.New(opts...)
	ts := httptest.NewServer(mock.Handler())
	t.Cleanup(func() {
		mock.Close()
		ts.Close()
	})
	c, err := NewClient(ts.URL+"/", "secret")
	require.NoError(t, err)
	return mock, c
}

// =============================================================================
// CLIENT TESTS
// =============================================================================

func TestNormalizeURL(t *testing.T) {
	got, err := NormalizeURL(" http://localhost:4096/ ")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:4096", got)

	for _, bad := range []string{"", "localhost:4096", "ftp://host", "http://"} {
		_, err := NormalizeURL(bad)
		assert.ErrorIs(t, err, ErrInvalidURL, bad)
	}
}

func TestClient_SessionLifecycle(t *testing.T) {
	mock, c := newTestServer(t, mockserver.WithAPIKey("secret"))
	ctx := context.Background()

	sess, err := c.CreateSession(ctx, "Planning")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, "Planning", sess.Title)

	list, err := c.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, sess.ID, list[0].ID)

	require.NoError(t, c.Ping(ctx))
	require.NoError(t, c.DeleteSession(ctx, sess.ID))
	assert.Zero(t, mock.SessionCount())

	err = c.DeleteSession(ctx, sess.ID)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode())
	assert.Equal(t, errclass.SessionNotFound, errclass.KindOf(err))
}

func TestClient_BadAPIKey(t *testing.T) {
	mock := mockserver.New(mockserver.WithAPIKey("right"))
	ts := httptest.NewServer(mock.Handler())
	defer ts.Close()
	defer mock.Close()

	c, err := NewClient(ts.URL, "wrong")
	require.NoError(t, err)

	err = c.Ping(context.Background())
	require.Error(t, err)
	assert.Equal(t, errclass.AuthenticationFailed, errclass.KindOf(err))
	assert.Contains(t, err.Error(), "invalid API key")
}

func TestClient_SendPromptAndHistory(t *testing.T) {
	mock, c := newTestServer(t)
	ctx := context.Background()

	sess, err := c.CreateSession(ctx, "")
	require.NoError(t, err)
	require.NoError(t, c.SendPrompt(ctx, sess.ID, "Hello"))
	assert.Equal(t, []string{"Hello"}, mock.Prompts())

	require.Eventually(t, func() bool {
		msgs, err := c.GetSessionMessages(ctx, sess.ID)
		return err == nil && len(msgs) == 2
	}, 2*time.Second, 10*time.Millisecond)

	msgs, err := c.GetSessionMessages(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)
	assert.Contains(t, msgs[1].Content, "Hello")
}

func TestClient_ServerErrorsAreClassified(t *testing.T) {
	mock, c := newTestServer(t)
	ctx := context.Background()
	sess, err := c.CreateSession(ctx, "")
	require.NoError(t, err)

	mock.FailNext(1, http.StatusServiceUnavailable)
	err = c.SendPrompt(ctx, sess.ID, "x")
	assert.Equal(t, errclass.ServiceUnavailable, errclass.KindOf(err))
	assert.True(t, errclass.IsRetryable(err))

	err = c.SendPrompt(ctx, "missing", "x")
	assert.Equal(t, errclass.SessionNotFound, errclass.KindOf(err))
	assert.False(t, errclass.IsRetryable(err))
}

func TestClient_ErrorBodyShapes(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/nested":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"message":"too long"}}`))
		case "/plain":
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream down"))
		default:
			w.WriteHeader(http.StatusTeapot)
			_, _ = w.Write([]byte(`{"message":"short and stout"}`))
		}
	}))
	defer ts.Close()

	c, err := NewClient(ts.URL, "")
	require.NoError(t, err)

	for path, want := range map[string]string{
		"/nested": "too long",
		"/plain":  "upstream down",
		"/teapot": "short and stout",
	} {
		err := c.doJSON(context.Background(), http.MethodGet, path, nil, nil)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr, path)
		assert.Equal(t, want, apiErr.Message, path)
	}
}

func TestClient_ListAcceptsWrappedAndBareArrays(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/message") {
			_, _ = w.Write([]byte(`[{"id":"m1","role":"user","content":"a","timestamp":1.5},{"id":"m2","role":"tool","content":"b"}]`))
			return
		}
		_, _ = w.Write([]byte(`{"sessions":[{"id":"s1","title":"t","created_at":1700000000},{"title":"no id"}]}`))
	}))
	defer ts.Close()

	c, err := NewClient(ts.URL, "")
	require.NoError(t, err)

	sessions, err := c.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, int64(1700000000), sessions[0].CreatedAt.Unix())

	msgs, err := c.GetSessionMessages(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
}

// =============================================================================
// EVENT STREAM TESTS
// =============================================================================

func TestClient_EventsStreamAnswer(t *testing.T) {
	mock, c := newTestServer(t, mockserver.WithResponder(func(_, _ string) string {
		return "one two three"
	}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := c.Events(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return mock.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	sess, err := c.CreateSession(ctx, "")
	require.NoError(t, err)
	require.NoError(t, c.SendPrompt(ctx, sess.ID, "count"))

	var chunks []string
	var final *MessageReceived
	timeout := time.After(3 * time.Second)
	for final == nil {
		select {
		case ev := <-events:
			switch e := ev.(type) {
			case SessionCreated:
				assert.Equal(t, sess.ID, e.Session.ID)
			case MessageChunk:
				assert.Equal(t, sess.ID, e.SessionID)
				chunks = append(chunks, e.Chunk)
			case MessageReceived:
				if e.Message.Role == model.RoleAssistant {
					final = &e
				}
			case ErrorEvent:
				t.Fatalf("unexpected error event: %s", e.Message)
			}
		case <-timeout:
			t.Fatal("timed out waiting for the answer")
		}
	}

	assert.Equal(t, "one two three", strings.Join(chunks, ""))
	assert.Equal(t, "one two three", final.Message.Content)

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-events
		return !open
	}, 2*time.Second, 5*time.Millisecond)
}

func TestClient_EventsRejected(t *testing.T) {
	_, c := newTestServer(t, mockserver.WithAPIKey("other"))
	_, err := c.Events(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
}
