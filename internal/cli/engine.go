// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/config"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/connectivity"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/errclass"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/model"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/outbox"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/remote"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/retry"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/session"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/storage"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/stream"
)

// CheckTimeout bounds the reachability check commands run before acting.
const CheckTimeout = 5 * time.Second

// engine is a fully wired coordinator plus the pieces commands poke at.
type engine struct {
	coord   *session.Coordinator
	client  *remote.Client
	monitor *connectivity.Monitor
	backend storage.Backend
	conns   *config.ConnectionStore
	logger  *zap.Logger

	server string
	// connName is the saved connection in use, if any
	connName string
}

// openEngine builds storage, transport and the coordinator from the loaded
// configuration. Callers must Close it.
func (a *app) openEngine() (*engine, error) {
	cfg := a.cfg
	conns := config.NewConnectionStore(a.configDir)
	server, connName, err := a.resolveServer(conns)
	if err != nil {
		return nil, err
	}

	policy, err := cfg.Retry.Policy()
	if err != nil {
		return nil, err
	}
	drainPolicy, err := session.ParseDrainPolicy(cfg.Sync.DrainPolicy)
	if err != nil {
		return nil, err
	}

	client, err := remote.NewClient(server, cfg.Server.APIKey,
		remote.WithTimeout(seconds(cfg.Server.TimeoutSecs)),
		remote.WithLogger(a.logger.Named("remote")))
	if err != nil {
		return nil, err
	}

	backend, err := storage.Open(cfg.Storage.Backend, cfg.DataDir(a.configDir))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Storage.Backend, err)
	}
	box, err := outbox.Open(backend, outbox.WithLogger(a.logger.Named("outbox")))
	if err != nil {
		backend.Close()
		return nil, err
	}

	monitor := a.newMonitor(a.logger.Named("connectivity"))

	reconciler := stream.NewReconciler(
		stream.WithChunkTimeout(seconds(cfg.Sync.ChunkTimeoutSecs)),
		stream.WithLogger(a.logger.Named("stream")))

	coord, err := session.New(session.Deps{
		API:        client,
		Outbox:     box,
		Sessions:   storage.NewSessionStore(backend, a.logger.Named("storage")),
		Monitor:    monitor,
		Retry:      retry.New(policy, retry.WithLogger(a.logger.Named("retry"))),
		Reconciler: reconciler,
		Logger:     a.logger.Named("session"),
	}, session.Options{
		ServerURL:        client.BaseURL(),
		DrainPolicy:      drainPolicy,
		DrainRate:        rate.Limit(cfg.Sync.DrainRate),
		HealthInterval:   seconds(cfg.Server.HealthIntervalSecs),
		MaxMessageRunes:  cfg.Sync.MaxMessageRunes,
		DisableAutoDrain: !cfg.Sync.AutoDrain,
	})
	if err != nil {
		backend.Close()
		return nil, err
	}

	return &engine{
		coord:    coord,
		client:   client,
		monitor:  monitor,
		backend:  backend,
		conns:    conns,
		logger:   a.logger,
		server:   client.BaseURL(),
		connName: connName,
	}, nil
}

// resolveServer picks the server URL. An explicit --server wins and may
// name a saved connection. A configured URL comes next; with nothing
// configured the most recently used connection is restored.
func (a *app) resolveServer(conns *config.ConnectionStore) (server, connName string, err error) {
	if a.server != "" {
		if strings.Contains(a.server, "://") {
			return a.server, "", nil
		}
		saved, err := conns.List()
		if err != nil {
			return "", "", err
		}
		for _, c := range saved {
			if c.Name == a.server {
				return c.URL(), c.Name, nil
			}
		}
		return "", "", fmt.Errorf("%w: %s", config.ErrConnectionNotFound, a.server)
	}

	if os.Getenv("NEXUS_SERVER_URL") != "" || a.cfg.Server.URL != config.Default().Server.URL {
		return a.cfg.Server.URL, "", nil
	}
	last, ok, err := conns.LastUsed()
	if err != nil {
		a.logger.Warn("failed to read saved connections", zap.Error(err))
	}
	if ok {
		return last.URL(), last.Name, nil
	}
	return a.cfg.Server.URL, "", nil
}

// checkServer checks the server once so one-shot commands know whether to send
// or queue. A reachable saved connection is stamped as last used.
func (e *engine) checkServer(ctx context.Context) bool {
	if err := e.monitor.CheckOnce(ctx, e.client, e.server, CheckTimeout); err != nil {
		e.logger.Info("server unreachable", zap.String("server", e.server), zap.Error(err))
		return e.monitor.IsOnline()
	}
	if e.connName != "" {
		if err := e.conns.MarkConnected(e.connName, time.Now()); err != nil {
			e.logger.Warn("failed to record connection", zap.Error(err))
		}
	}
	return true
}

// monitorOptions only lets network failures take the monitor offline.
func monitorOptions(logger *zap.Logger) []connectivity.Option {
	return []connectivity.Option{
		connectivity.WithReachability(func(err error) bool { return errclass.KindOf(err).IsNetwork() }),
		connectivity.WithLogger(logger),
	}
}

// processMonitor configures and returns the process-wide monitor. The binary
// builds one engine per run, so the first configuration is the only one.
func processMonitor(logger *zap.Logger) *connectivity.Monitor {
	if err := connectivity.Configure(monitorOptions(logger)...); err != nil {
		logger.Debug("using existing connectivity monitor", zap.Error(err))
	}
	return connectivity.Default()
}

// isolatedMonitor gives each engine its own monitor, for command trees
// built in-process by NewRootCommand.
func isolatedMonitor(logger *zap.Logger) *connectivity.Monitor {
	return connectivity.New(monitorOptions(logger)...)
}

// Close stops the coordinator and releases storage.
func (e *engine) Close() {
	e.coord.Close()
	if err := e.backend.Close(); err != nil {
		e.logger.Warn("failed to close storage", zap.Error(err))
	}
}

// targetSession returns the session to act on: the given id, or the newest
// local session. With no sessions at all a new one is created.
func (e *engine) targetSession(ctx context.Context, id string) (*model.Session, error) {
	if id != "" {
		full, err := e.resolveSessionID(id)
		if err != nil {
			return nil, err
		}
		s, _ := e.coord.Session(full)
		return s, e.coord.SelectSession(full)
	}
	if list := e.coord.Sessions(); len(list) > 0 {
		return list[0], e.coord.SelectSession(list[0].ID)
	}
	return e.coord.CreateSession(ctx, "")
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
