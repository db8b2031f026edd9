// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package mockserver is an in-memory chat server for local development and
// tests. It speaks the same HTTP and event stream protocol as the real
// server: prompts are acknowledged immediately and the answer is streamed
// word by word on GET /event, followed by the complete message.
package mockserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/logging"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/model"
)

// DefaultAddr is where `nexus-sync mock-server` listens.
const DefaultAddr = "127.0.0.1:4096"

// Responder produces the assistant answer for a prompt.
type Responder func(sessionID, prompt string) string

// EchoResponder answers every prompt by quoting it.
func EchoResponder(sessionID, prompt string) string {
	return fmt.Sprintf("I received your message: '%s'. This is a mock response for session %s.", prompt, sessionID)
}

type mockSession struct {
	session  *model.Session
	messages []model.Message
}

// Server is the mock chat server. The zero value is not usable; call New.
type Server struct {
	mu       sync.Mutex
	sessions map[string]*mockSession
	order    []string
	prompts  []string

	failNext   int
	failStatus int

	subMu       sync.Mutex
	subscribers map[int]chan []byte
	nextSub     int

	apiKey     string
	chunkDelay time.Duration
	respond    Responder
	logger     *zap.Logger

	done     chan struct{}
	closeOne sync.Once
	streams  sync.WaitGroup
}

// Option customizes a Server.
type Option func(*Server)

// WithAPIKey requires "Authorization: Bearer <key>" on every request.
func WithAPIKey(key string) Option {
	return func(s *Server) { s.apiKey = key }
}

// WithChunkDelay spaces out streamed words.
func WithChunkDelay(d time.Duration) Option {
	return func(s *Server) { s.chunkDelay = d }
}

// WithResponder replaces EchoResponder.
func WithResponder(r Responder) Option {
	return func(s *Server) { s.respond = r }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = logging.OrNop(l) }
}

// New creates an empty server.
func New(opts ...Option) *Server {
	s := &Server{
		sessions:    make(map[string]*mockSession),
		subscribers: make(map[int]chan []byte),
		respond:     EchoResponder,
		logger:      zap.NewNop(),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// =============================================================================
// ROUTES
// =============================================================================

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(s.authenticate)

	r.Get("/app", s.handleApp)
	r.Route("/session", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Get("/", s.handleListSessions)
		r.Delete("/{id}", s.handleDeleteSession)
		r.Get("/{id}/message", s.handleListMessages)
		r.Post("/{id}/message", s.handlePrompt)
	})
	r.Get("/event", s.handleEvents)
	return r
}

// ListenAndServe serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// event streams stay open indefinitely
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("mock server listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
	}

	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close ends every event stream and waits for in-flight answers.
func (s *Server) Close() {
	s.closeOne.Do(func() { close(s.done) })
	s.streams.Wait()
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" && r.Header.Get("Authorization") != "Bearer "+s.apiKey {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// HANDLERS
// =============================================================================

func (s *Server) handleApp(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    "nexus mock server",
		"version": "1.0.0",
		"status":  "running",
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	sess := model.NewSession(model.NewID(), req.Title)
	s.mu.Lock()
	s.sessions[sess.ID] = &mockSession{session: sess}
	s.order = append(s.order, sess.ID)
	s.mu.Unlock()

	s.broadcast(map[string]any{"type": "session.created", "session": sess})
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	out := make([]*model.Session, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.sessions[id].session)
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	_, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
		for i, sid := range s.order {
			if sid == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	ms, ok := s.sessions[id]
	var out []model.Message
	if ok {
		out = append(out, ms.messages...)
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Parts []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"parts"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil || len(req.Parts) == 0 {
		writeError(w, http.StatusBadRequest, "invalid request format")
		return
	}
	var text strings.Builder
	for _, p := range req.Parts {
		if p.Type == "text" {
			text.WriteString(p.Text)
		}
	}

	s.mu.Lock()
	if s.failNext > 0 {
		s.failNext--
		status := s.failStatus
		s.mu.Unlock()
		writeError(w, status, http.StatusText(status))
		return
	}
	ms, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	user := model.NewUserMessage(text.String())
	ms.messages = append(ms.messages, user)
	s.prompts = append(s.prompts, user.Content)
	s.streams.Add(1)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, user)
	go s.streamAnswer(id, user)
}

// streamAnswer echoes the user message, streams the answer word by word and
// finishes with the complete message under the same id.
func (s *Server) streamAnswer(sessionID string, user model.Message) {
	defer s.streams.Done()

	s.broadcast(messagePayload(sessionID, user, false))

	answer := model.NewMessage(model.RoleAssistant, s.respond(sessionID, user.Content))
	words := strings.SplitAfter(answer.Content, " ")
	for _, word := range words {
		if s.chunkDelay > 0 {
			select {
			case <-time.After(s.chunkDelay):
			case <-s.done:
				return
			}
		}
		chunk := answer
		chunk.Content = word
		s.broadcast(messagePayload(sessionID, chunk, true))
	}

	s.mu.Lock()
	if ms, ok := s.sessions[sessionID]; ok {
		ms.messages = append(ms.messages, answer)
	}
	s.mu.Unlock()
	s.broadcast(messagePayload(sessionID, answer, false))
}

func messagePayload(sessionID string, m model.Message, chunk bool) map[string]any {
	return map[string]any{
		"type":       "message",
		"id":         m.ID,
		"session_id": sessionID,
		"role":       string(m.Role),
		"content":    m.Content,
		"timestamp":  m.Timestamp,
		"is_chunk":   chunk,
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	id, ch := s.subscribe()
	defer s.unsubscribe(id)

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case data := <-ch:
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// =============================================================================
// EVENT FAN-OUT
// =============================================================================

func (s *Server) subscribe() (int, chan []byte) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.nextSub++
	ch := make(chan []byte, 256)
	s.subscribers[s.nextSub] = ch
	return s.nextSub, ch
}

func (s *Server) unsubscribe(id int) {
	s.subMu.Lock()
	delete(s.subscribers, id)
	s.subMu.Unlock()
}

// broadcast sends payload to every connected stream. Slow subscribers
// lose events rather than stalling the others.
func (s *Server) broadcast(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("failed to encode event", zap.Error(err))
		return
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, ch := range s.subscribers {
		select {
		case ch <- data:
		default:
			s.logger.Warn("dropping event for slow subscriber", zap.Int("subscriber", id))
		}
	}
}

// Subscribers returns the number of connected event streams.
func (s *Server) Subscribers() int {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return len(s.subscribers)
}

// =============================================================================
// TEST HOOKS
// =============================================================================

// FailNext makes the next n prompts fail with status.
func (s *Server) FailNext(n, status int) {
	s.mu.Lock()
	s.failNext = n
	s.failStatus = status
	s.mu.Unlock()
}

// Prompts returns every accepted prompt in arrival order.
func (s *Server) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}

// SessionCount returns the number of sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
