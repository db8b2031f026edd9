// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/connectivity"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/errclass"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/logging"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/model"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/outbox"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/remote"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/retry"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/storage"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/stream"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrOffline is returned by drains while the server is unreachable.
	ErrOffline = errclass.WithKind(errclass.Offline, errors.New("offline"))

	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errclass.WithKind(errclass.SessionNotFound, errors.New("session not found"))

	// ErrNoActiveSession is returned by Send when no session is selected.
	ErrNoActiveSession = errors.New("no active session")

	// ErrEmptyMessage is returned when sending blank content.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrMessageTooLong is returned when content exceeds Options.MaxMessageRunes.
	ErrMessageTooLong = errclass.WithKind(errclass.MessageTooLong, errors.New("message too long"))

	// ErrEntryInFlight is returned when discarding an entry that is being delivered.
	ErrEntryInFlight = errors.New("message is being delivered")
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// DrainPolicy decides what a drain does after a non-retryable failure.
type DrainPolicy int

const (
	// DrainStopOnPermanent ends the sweep at the first non-retryable
	// failure. Every later entry stays queued for the next drain.
	DrainStopOnPermanent DrainPolicy = iota
	// DrainSkipPermanent marks the entry failed and keeps going.
	DrainSkipPermanent
	// DrainHoldSession holds back only the failing session's later entries;
	// other sessions keep draining.
	DrainHoldSession
)

// String returns the policy name used in configuration.
func (p DrainPolicy) String() string {
	switch p {
	case DrainSkipPermanent:
		return "skip"
	case DrainHoldSession:
		return "hold"
	default:
		return "stop"
	}
}

// ParseDrainPolicy accepts "stop", "skip" and "hold". Empty means stop.
func ParseDrainPolicy(s string) (DrainPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "stop":
		return DrainStopOnPermanent, nil
	case "skip":
		return DrainSkipPermanent, nil
	case "hold":
		return DrainHoldSession, nil
	}
	return DrainStopOnPermanent, fmt.Errorf("unknown drain policy %q (want stop, skip or hold)", s)
}

// Deps are the collaborators a Coordinator drives.
type Deps struct {
	API      remote.API
	Outbox   *outbox.Store
	Sessions *storage.SessionStore
	Monitor  *connectivity.Monitor
	Retry    *retry.Executor

	// Reconciler is created when nil
	Reconciler *stream.Reconciler
	Logger     *zap.Logger
}

// Options tune a Coordinator. Zero values take defaults.
type Options struct {
	// ServerURL labels connectivity state and logs
	ServerURL   string
	DrainPolicy DrainPolicy
	// DrainRate paces deliveries during a drain (per second)
	DrainRate  rate.Limit
	DrainBurst int

	HealthInterval time.Duration
	SweepInterval  time.Duration

	// MaxMessageRunes rejects longer prompts locally; 0 disables the check
	MaxMessageRunes int

	// DisableAutoDrain stops reconnects from draining the outbox
	DisableAutoDrain bool

	// Reconnect backoff for the event stream
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
}

func (o Options) withDefaults() Options {
	if o.DrainRate <= 0 {
		o.DrainRate = 5
	}
	if o.DrainBurst <= 0 {
		o.DrainBurst = 1
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = connectivity.DefaultHealthInterval
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 5 * time.Second
	}
	if o.ReconnectInitial <= 0 {
		o.ReconnectInitial = 500 * time.Millisecond
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 30 * time.Second
	}
	return o
}

// =============================================================================
// COORDINATOR
// =============================================================================

// Coordinator owns session state and drives delivery. It is safe for
// concurrent use.
type Coordinator struct {
	api        remote.API
	outbox     *outbox.Store
	store      *storage.SessionStore
	monitor    *connectivity.Monitor
	retry      atomic.Pointer[retry.Executor]
	reconciler *stream.Reconciler
	logger     *zap.Logger
	opts       Options
	limiter    *rate.Limiter

	// publishMu orders state changes with their view updates.
	publishMu sync.Mutex
	mu        sync.Mutex
	sessions  map[string]*model.Session
	activeID  string

	drainMu  sync.Mutex
	retryMu  sync.Mutex
	retrying bool

	views *Views

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
	unsubs   []func()
	closed   sync.Once
}

// New loads persisted sessions and wires connectivity and outbox changes
// into the views.
func New(deps Deps, opts Options) (*Coordinator, error) {
	if deps.API == nil || deps.Outbox == nil || deps.Sessions == nil || deps.Monitor == nil || deps.Retry == nil {
		return nil, errors.New("session: API, Outbox, Sessions, Monitor and Retry are required")
	}
	opts = opts.withDefaults()

	c := &Coordinator{
		api:        deps.API,
		outbox:     deps.Outbox,
		store:      deps.Sessions,
		monitor:    deps.Monitor,
		reconciler: deps.Reconciler,
		logger:     logging.OrNop(deps.Logger),
		opts:       opts,
		limiter:    rate.NewLimiter(opts.DrainRate, opts.DrainBurst),
		sessions:   make(map[string]*model.Session),
	}
	if c.reconciler == nil {
		c.reconciler = stream.NewReconciler(stream.WithLogger(c.logger.Named("stream")))
	}
	c.retry.Store(deps.Retry.WithRetryHook(func(retry.Attempt) { c.setRetrying(true) }))
	c.bgCtx, c.bgCancel = context.WithCancel(context.Background())

	loaded, err := c.store.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}
	for _, s := range loaded {
		c.sessions[s.ID] = s
	}
	// Prompts still in the outbox will be echoed once they are delivered.
	for _, e := range c.outbox.List() {
		c.reconciler.ExpectEcho(e.SessionID, e.MessageID)
	}

	c.views = newViews(c.monitor.IsOnline(), c.outbox.Count())
	c.publish()

	c.outbox.Subscribe(func(entries []outbox.QueuedMessage) {
		c.views.QueuedMessageCount.Set(len(entries))
		c.views.HasQueuedMessages.Set(len(entries) > 0)
	})
	c.unsubs = append(c.unsubs, c.monitor.Subscribe(c.onConnectivity))

	c.logger.Info("coordinator ready",
		zap.Int("sessions", len(loaded)),
		zap.Int("queued", c.outbox.Count()))
	return c, nil
}

// Views returns the observable state.
func (c *Coordinator) Views() *Views {
	return c.views
}

// Close stops background drains and detaches from the monitor. Run must be
// stopped through its own context.
func (c *Coordinator) Close() {
	c.closed.Do(func() {
		for _, unsub := range c.unsubs {
			unsub()
		}
		c.bgCancel()
		c.bg.Wait()
	})
}

// SetRetryPolicy replaces the retry policy for deliveries that start after
// it returns.
func (c *Coordinator) SetRetryPolicy(cfg retry.Config) {
	c.retry.Store(c.executor().WithConfig(cfg))
	c.logger.Info("retry policy updated",
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Duration("initial_delay", cfg.InitialDelay),
		zap.Duration("max_delay", cfg.MaxDelay))
}

func (c *Coordinator) executor() *retry.Executor {
	return c.retry.Load()
}

func (c *Coordinator) onConnectivity(online bool) {
	c.views.IsOnline.Set(online)
	if online && !c.opts.DisableAutoDrain {
		c.spawnDrain("reconnect")
	}
}

// spawnDrain drains every session in the background.
func (c *Coordinator) spawnDrain(reason string) {
	if c.bgCtx.Err() != nil || len(c.outbox.Pending("")) == 0 {
		return
	}
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		res, err := c.DrainOutbox(c.bgCtx, "")
		if err != nil && !errors.Is(err, ErrOffline) && !errors.Is(err, context.Canceled) {
			c.logger.Warn("background drain failed", zap.String("reason", reason), zap.Error(err))
			return
		}
		c.logger.Info("background drain finished",
			zap.String("reason", reason),
			zap.Int("delivered", res.Delivered),
			zap.Int("remaining", res.Remaining))
	}()
}

// =============================================================================
// STATE HELPERS
// =============================================================================

// update runs fn under the state lock and publishes the views afterwards.
func (c *Coordinator) update(fn func() error) error {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()

	c.mu.Lock()
	err := fn()
	sessions, active := c.snapshotLocked()
	c.mu.Unlock()

	c.views.Sessions.Set(sessions)
	c.views.ActiveSession.Set(active)
	return err
}

func (c *Coordinator) publish() {
	_ = c.update(func() error { return nil })
}

// snapshotLocked copies sessions newest first.
func (c *Coordinator) snapshotLocked() ([]*model.Session, *model.Session) {
	list := make([]*model.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		list = append(list, s.Clone())
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	var active *model.Session
	if s, ok := c.sessions[c.activeID]; ok {
		active = s.Clone()
	}
	return list, active
}

// saveLocked persists s, logging failures. Histories are rebuilt from the
// server on the next sync, so a failed save is not fatal.
func (c *Coordinator) saveLocked(s *model.Session) error {
	if err := c.store.Save(s); err != nil {
		c.logger.Error("failed to save session", zap.String("session", s.ID), zap.Error(err))
		return err
	}
	return nil
}

func (c *Coordinator) setLastError(ce *errclass.ClassifiedError) {
	if ce != nil {
		c.views.LastError.Set(ce)
	}
}

// ClearLastError resets the LastError view.
func (c *Coordinator) ClearLastError() {
	c.views.LastError.Set(nil)
}

func (c *Coordinator) setRetrying(on bool) {
	c.retryMu.Lock()
	changed := c.retrying != on
	c.retrying = on
	c.retryMu.Unlock()
	if changed {
		c.views.Retrying.Set(on)
	}
}

// =============================================================================
// QUERIES
// =============================================================================

// Session returns a copy of the session with id.
func (c *Coordinator) Session(id string) (*model.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// Sessions returns copies of every session, newest first.
func (c *Coordinator) Sessions() []*model.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	list, _ := c.snapshotLocked()
	return list
}

// ActiveSessionID returns the selected session id, or "".
func (c *Coordinator) ActiveSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeID
}

// Stats summarizes a session.
func (c *Coordinator) Stats(id string) (model.Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	if !ok {
		return model.Stats{}, ErrSessionNotFound
	}
	return s.Stats(), nil
}

// IsStreaming reports whether an answer is arriving for the session.
func (c *Coordinator) IsStreaming(sessionID string) bool {
	return c.reconciler.IsStreaming(sessionID)
}

// Queue returns the outbox entries for a session, or every entry when
// sessionID is empty.
func (c *Coordinator) Queue(sessionID string) []outbox.QueuedMessage {
	if sessionID == "" {
		return c.outbox.List()
	}
	return c.outbox.ListForSession(sessionID)
}
