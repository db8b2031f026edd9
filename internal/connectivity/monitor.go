// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package connectivity

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/logging"
)

// =============================================================================
// CONNECTION STATE
// =============================================================================

// Status is the coarse connection status shown to users.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// State is a snapshot of the connection to the current server.
type State struct {
	IsConnected   bool
	IsConnecting  bool
	CurrentServer string
	Error         string
	LastErrorAt   time.Time
}

// Status derives the coarse status from the snapshot.
func (s State) Status() Status {
	switch {
	case s.IsConnected:
		return StatusConnected
	case s.IsConnecting:
		return StatusConnecting
	case s.Error != "":
		return StatusError
	default:
		return StatusDisconnected
	}
}

// =============================================================================
// MONITOR
// =============================================================================

// Monitor holds the online flag and connection state.
type Monitor struct {
	mu        sync.RWMutex
	online    bool
	state     State
	listeners []listener
	nextID    int

	// notifyMu serializes transitions with their notifications.
	notifyMu sync.Mutex

	healthMu      sync.Mutex
	healthRunning bool

	logger      *zap.Logger
	unreachable func(error) bool
	now         func() time.Time
}

type listener struct {
	id int
	fn func(online bool)
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Monitor) { m.logger = logging.OrNop(l) }
}

// WithReachability decides whether a ping error means the server is
// unreachable. By default every ping error does.
func WithReachability(unreachable func(error) bool) Option {
	return func(m *Monitor) { m.unreachable = unreachable }
}

// WithInitialOnline overrides the optimistic initial state.
func WithInitialOnline(online bool) Option {
	return func(m *Monitor) { m.online = online }
}

// ErrAlreadyCreated is returned by Configure once Default has built the
// process-wide monitor.
var ErrAlreadyCreated = errors.New("connectivity: default monitor already created")

var (
	defaultMu          sync.Mutex
	defaultMonitor     *Monitor
	defaultMonitorOnce sync.Once
	defaultOptions     []Option
)

// Configure sets the options Default builds the process-wide monitor with.
// It must run before the first call to Default.
func Configure(opts ...Option) error {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultMonitor != nil {
		return ErrAlreadyCreated
	}
	defaultOptions = append([]Option(nil), opts...)
	return nil
}

// Default returns the process-wide monitor, creating it on first use. It
// logs through the global zap logger unless Configure supplied a logger.
func Default() *Monitor {
	defaultMonitorOnce.Do(func() {
		defaultMu.Lock()
		defer defaultMu.Unlock()
		opts := append([]Option{WithLogger(zap.L().Named("connectivity"))}, defaultOptions...)
		defaultMonitor = New(opts...)
	})
	return defaultMonitor
}

// New creates an independent monitor.
func New(opts ...Option) *Monitor {
	m := &Monitor{
		online:      true,
		logger:      zap.NewNop(),
		unreachable: func(error) bool { return true },
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IsOnline reports the current reachability.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// State returns a snapshot of the connection state.
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Subscribe registers fn for online/offline transitions and returns a
// function that removes it. Listeners run synchronously in subscription order.
func (m *Monitor) Subscribe(fn func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners = append(m.listeners, listener{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, l := range m.listeners {
				if l.id == id {
					m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// SetOnline records a reachability signal. Listeners are notified only when
// the flag actually changes.
func (m *Monitor) SetOnline(online bool) {
	m.transition(func(s *State) {}, &online)
}

// MarkConnecting records an attempt to reach server.
func (m *Monitor) MarkConnecting(server string) {
	m.transition(func(s *State) {
		s.IsConnecting = true
		s.IsConnected = false
		s.CurrentServer = server
	}, nil)
}

// MarkConnected records a successful contact with server and goes online.
func (m *Monitor) MarkConnected(server string) {
	online := true
	m.transition(func(s *State) {
		s.IsConnected = true
		s.IsConnecting = false
		if server != "" {
			s.CurrentServer = server
		}
		s.Error = ""
	}, &online)
}

// MarkDisconnected records a deliberate disconnect. The online flag is left
// alone; nothing is known about reachability.
func (m *Monitor) MarkDisconnected() {
	m.transition(func(s *State) {
		s.IsConnected = false
		s.IsConnecting = false
		s.CurrentServer = ""
	}, nil)
}

// MarkError records a failed contact. The monitor goes offline only when
// the reachability rule says the error means the server cannot be reached.
func (m *Monitor) MarkError(err error) {
	if err == nil {
		return
	}
	var online *bool
	if m.unreachable(err) {
		offline := false
		online = &offline
	}
	at := m.now()
	m.transition(func(s *State) {
		s.IsConnected = false
		s.IsConnecting = false
		s.Error = err.Error()
		s.LastErrorAt = at
	}, online)
}

// transition applies mutate and, when online is set, the new flag, then
// notifies listeners if the flag changed.
func (m *Monitor) transition(mutate func(*State), online *bool) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	mutate(&m.state)
	changed := online != nil && *online != m.online
	if changed {
		m.online = *online
	}
	now := m.online
	snapshot := make([]listener, len(m.listeners))
	copy(snapshot, m.listeners)
	m.mu.Unlock()

	if !changed {
		return
	}
	m.logger.Info("connectivity changed", zap.Bool("online", now))
	for _, l := range snapshot {
		m.notify(l, now)
	}
}

// notify isolates listener panics so one bad subscriber cannot stop the rest.
func (m *Monitor) notify(l listener, online bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("connectivity listener panicked",
				zap.Any("panic", r),
				zap.Bool("online", online))
		}
	}()
	l.fn(online)
}
