// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/logging"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/model"
)

const (
	// DefaultTimeout bounds request/response calls. Event streams are
	// bounded by their context instead.
	DefaultTimeout = 30 * time.Second

	// MaxResponseSize caps response bodies read into memory.
	MaxResponseSize = 10 * 1024 * 1024

	userAgent = "nexus-sync/0.1"
)

func newTransport() *http.Transport {
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Client talks to the chat server over HTTP. It implements API.
type Client struct {
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	streamClient *http.Client
	logger       *zap.Logger
}

var _ API = (*Client)(nil)

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces both the request and stream HTTP clients.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
		c.streamClient = hc
	}
}

// WithTimeout sets the request/response timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logging.OrNop(l) }
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL, apiKey string, opts ...ClientOption) (*Client, error) {
	normalized, err := NormalizeURL(baseURL)
	if err != nil {
		return nil, err
	}
	transport := newTransport()
	c := &Client{
		baseURL:      normalized,
		apiKey:       apiKey,
		httpClient:   &http.Client{Transport: transport, Timeout: DefaultTimeout},
		streamClient: &http.Client{Transport: transport},
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NormalizeURL validates a server URL and strips trailing slashes.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return strings.TrimRight(u.String(), "/"), nil
}

// BaseURL returns the server URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// =============================================================================
// SESSIONS
// =============================================================================

// CreateSession creates a session on the server.
func (c *Client) CreateSession(ctx context.Context, title string) (*model.Session, error) {
	var ws wireSession
	if err := c.doJSON(ctx, http.MethodPost, "/session", createSessionRequest{Title: title}, &ws); err != nil {
		return nil, err
	}
	if ws.ID == "" {
		return nil, errors.New("server returned a session without an id")
	}
	if ws.Title == "" {
		ws.Title = title
	}
	return ws.toModel(), nil
}

// ListSessions returns the server's sessions.
func (c *Client) ListSessions(ctx context.Context) ([]*model.Session, error) {
	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/session", nil, &raw); err != nil {
		return nil, err
	}
	var list []wireSession
	if err := decodeList(raw, "sessions", &list); err != nil {
		return nil, err
	}
	out := make([]*model.Session, 0, len(list))
	for _, ws := range list {
		if ws.ID != "" {
			out = append(out, ws.toModel())
		}
	}
	return out, nil
}

// GetSessionMessages returns a session's history. Messages with roles the
// client does not display are skipped.
func (c *Client) GetSessionMessages(ctx context.Context, sessionID string) ([]model.Message, error) {
	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, sessionPath(sessionID, "message"), nil, &raw); err != nil {
		return nil, err
	}
	var list []wireMessage
	if err := decodeList(raw, "messages", &list); err != nil {
		return nil, err
	}
	out := make([]model.Message, 0, len(list))
	for _, wm := range list {
		if msg, ok := wm.toModel(); ok {
			out = append(out, msg)
		}
	}
	return out, nil
}

// DeleteSession deletes a session on the server.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	return c.doJSON(ctx, http.MethodDelete, sessionPath(sessionID, ""), nil, nil)
}

// SendPrompt submits text to a session. The answer arrives on the event stream.
func (c *Client) SendPrompt(ctx context.Context, sessionID, text string) error {
	body := promptRequest{Parts: []textPart{{Type: "text", Text: text}}}
	return c.doJSON(ctx, http.MethodPost, sessionPath(sessionID, "message"), body, nil)
}

// Ping checks that the server answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/session", nil, nil)
}

// =============================================================================
// EVENTS
// =============================================================================

// Events opens the server event stream. The channel closes when ctx ends or
// the connection drops; callers reconnect by calling Events again.
func (c *Client) Events(ctx context.Context) (<-chan Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/event", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("event stream request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.handleErrorResponse(resp)
	}

	out := make(chan Event, 16)
	go c.pumpEvents(ctx, resp.Body, out)
	return out, nil
}

func (c *Client) pumpEvents(ctx context.Context, body io.ReadCloser, out chan<- Event) {
	defer close(out)
	defer body.Close()

	reader := NewSSEReader(body)
	for {
		eventType, data, err := reader.ReadEvent()
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				c.logger.Warn("event stream ended", zap.Error(err))
			}
			return
		}

		ev, ok, err := DecodeEvent(eventType, data)
		if err != nil {
			// Skip malformed events
			c.logger.Debug("skipping malformed event", zap.Error(err))
			continue
		}
		if !ok {
			continue
		}

		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// =============================================================================
// HTTP HELPERS
// =============================================================================

func (c *Client) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("User-Agent", userAgent)
}

// doJSON sends body as JSON and decodes a 2xx response into out, if non-nil.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("request complete",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.handleErrorResponse(resp)
	}

	data, err := readResponse(resp)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}

func readResponse(resp *http.Response) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(data) > MaxResponseSize {
		return nil, fmt.Errorf("response exceeds %d bytes", MaxResponseSize)
	}
	return data, nil
}

// handleErrorResponse builds an *APIError from the body's error message,
// falling back to the raw text.
func (c *Client) handleErrorResponse(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var parsed struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	msg := strings.TrimSpace(string(data))
	if err := json.Unmarshal(data, &parsed); err == nil {
		var s string
		var nested struct {
			Message string `json:"message"`
		}
		switch {
		case json.Unmarshal(parsed.Error, &s) == nil && s != "":
			msg = s
		case json.Unmarshal(parsed.Error, &nested) == nil && nested.Message != "":
			msg = nested.Message
		case parsed.Message != "":
			msg = parsed.Message
		}
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}

// decodeList accepts either a bare JSON array or an object wrapping it under key.
func decodeList(raw json.RawMessage, key string, out any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	if trimmed[0] == '[' {
		return json.Unmarshal(trimmed, out)
	}
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return fmt.Errorf("unexpected list response: %w", err)
	}
	inner, ok := wrapped[key]
	if !ok {
		return nil
	}
	return json.Unmarshal(inner, out)
}

func sessionPath(sessionID, suffix string) string {
	p := "/session/" + url.PathEscape(sessionID)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}
