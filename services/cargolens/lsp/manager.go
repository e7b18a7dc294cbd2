// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/cargolens/services/cargolens/project"
)

// ProjectSource supplies the configured projects.
// *config.Store implements it.
type ProjectSource interface {
	Projects() []project.Project
}

// ManagerConfig configures the session manager.
type ManagerConfig struct {
	// Launcher starts rust-analyzer. Nil uses ExecLauncher with Command/Args.
	Launcher Launcher

	// Command is the rust-analyzer binary. Default: "rust-analyzer".
	Command string

	// Args are extra command-line arguments.
	Args []string

	// ServerStderr receives rust-analyzer's log output. Nil discards it.
	ServerStderr io.Writer

	// InitializationOptions is passed to initialize.
	InitializationOptions interface{}

	// InitTimeout bounds spawn plus handshake. Default: 60s.
	InitTimeout time.Duration

	// RequestTimeout bounds each request. Zero means caller ctx only.
	RequestTimeout time.Duration

	// ShutdownGrace bounds graceful shutdown before a kill. Default: 5s.
	ShutdownGrace time.Duration

	// IndexTimeout bounds the wait for initial indexing. Zero disables it.
	IndexTimeout time.Duration

	// IdleTimeout stops sessions unused this long. Zero disables it.
	IdleTimeout time.Duration

	// MaxInitAttempts is consecutive init failures before failing fast.
	// Default: 2.
	MaxInitAttempts int

	// InitCooldown is how long a root fails fast after MaxInitAttempts
	// failures. The next query after it spawns again. Default: 1m.
	InitCooldown time.Duration

	// WatchFiles enables the change notifier.
	WatchFiles bool

	// Watch configures the change notifier.
	Watch WatcherOptions
}

// DefaultManagerConfig returns sensible defaults.
//
// Description:
//
//	Returns a ManagerConfig with:
//	  - Command: rust-analyzer
//	  - InitTimeout: 60 seconds
//	  - RequestTimeout: 30 seconds
//	  - ShutdownGrace: 5 seconds
//	  - IndexTimeout: 2 minutes
//	  - IdleTimeout: disabled
//	  - MaxInitAttempts: 2, then a 1 minute cooldown
//	  - WatchFiles: true with a 2 second debounce
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Command:         "rust-analyzer",
		InitTimeout:     60 * time.Second,
		RequestTimeout:  30 * time.Second,
		ShutdownGrace:   5 * time.Second,
		IndexTimeout:    2 * time.Minute,
		MaxInitAttempts: 2,
		InitCooldown:    time.Minute,
		WatchFiles:      true,
		Watch:           DefaultWatcherOptions(),
	}
}

// Manager owns one Session per project root.
//
// Description:
//
//	Creates sessions lazily on first use, at most one per root even
//	under concurrent first queries. Replaces unhealthy sessions on the
//	next lookup, bounds repeated init failures, and shuts everything
//	down in parallel.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Manager struct {
	source ProjectSource
	config ManagerConfig

	mu       sync.Mutex
	sessions map[string]*Session
	failures map[string]initFailures
	group    singleflight.Group

	stopped  chan struct{}
	stopOnce sync.Once
}

// NewManager creates a session manager.
//
// Inputs:
//
//	source - Supplies configured projects (read at session creation)
//	config - Manager configuration
//
// Outputs:
//
//	*Manager - The configured manager
func NewManager(source ProjectSource, config ManagerConfig) *Manager {
	defaults := DefaultManagerConfig()
	if config.Command == "" {
		config.Command = defaults.Command
	}
	if config.InitTimeout <= 0 {
		config.InitTimeout = defaults.InitTimeout
	}
	if config.ShutdownGrace <= 0 {
		config.ShutdownGrace = defaults.ShutdownGrace
	}
	if config.MaxInitAttempts <= 0 {
		config.MaxInitAttempts = defaults.MaxInitAttempts
	}
	if config.InitCooldown <= 0 {
		config.InitCooldown = defaults.InitCooldown
	}
	if config.Launcher == nil {
		config.Launcher = ExecLauncher{
			Command: config.Command,
			Args:    config.Args,
			Stderr:  config.ServerStderr,
		}
	}
	return &Manager{
		source:   source,
		config:   config,
		sessions: make(map[string]*Session),
		failures: make(map[string]initFailures),
		stopped:  make(chan struct{}),
	}
}

// Config returns the manager configuration.
func (m *Manager) Config() ManagerConfig {
	return m.config
}

// ResolveProject finds the configured project owning path.
//
// Errors:
//
//	ErrUnknownProject - No configured root contains path
func (m *Manager) ResolveProject(path string) (project.Project, error) {
	canonical, err := project.Canonicalize(path)
	if err != nil {
		return project.Project{}, err
	}
	return project.Resolve(m.source.Projects(), canonical)
}

// GetOrCreateSession returns the session for root, creating it if needed.
//
// Description:
//
//	Returns the existing healthy session, or tears down an unhealthy
//	one and creates a replacement. Concurrent callers share a single
//	creation. After MaxInitAttempts consecutive init failures the
//	root fails fast for InitCooldown, or until Reset is called.
//
// Errors:
//
//	ErrUnknownProject - root is not configured
//	ErrSessionInitFailed - Spawn or handshake failed, or timed out
//	ErrSessionClosed - The manager was shut down
func (m *Manager) GetOrCreateSession(ctx context.Context, root string) (*Session, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}

	root, err := project.Canonicalize(root)
	if err != nil {
		return nil, err
	}

	if s, err := m.lookup(root); s != nil || err != nil {
		return s, err
	}

	ch := m.group.DoChan(root, func() (interface{}, error) {
		if s, err := m.lookup(root); s != nil || err != nil {
			return s, err
		}
		return m.createSession(root)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Session), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// lookup returns a healthy session, evicting an unhealthy one.
// (nil, nil) means the caller should create a session.
func (m *Manager) lookup(root string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.stopped:
		return nil, ErrSessionClosed
	default:
	}

	if s, ok := m.sessions[root]; ok {
		if s.Healthy() {
			return s, nil
		}
		delete(m.sessions, root)
		go m.teardown(s, "unhealthy")
	}

	if f := m.failures[root]; f.count >= m.config.MaxInitAttempts {
		wait := m.config.InitCooldown - time.Since(f.last)
		if wait > 0 {
			return nil, fmt.Errorf("%w: %s failed %d consecutive times, retrying in %s",
				ErrSessionInitFailed, root, f.count, wait.Round(time.Second))
		}
		// One more attempt after the cooldown; a failure re-arms it.
		m.failures[root] = initFailures{count: m.config.MaxInitAttempts - 1, last: f.last}
	}
	return nil, nil
}

// createSession spawns and initializes a session for a configured root.
func (m *Manager) createSession(root string) (*Session, error) {
	if _, err := project.Lookup(m.source.Projects(), root); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.config.InitTimeout)
	defer cancel()

	start := time.Now()
	server := NewServer(ServerConfig{
		Launcher:              m.config.Launcher,
		RootPath:              root,
		InitializationOptions: m.config.InitializationOptions,
		ShutdownGrace:         m.config.ShutdownGrace,
	})

	if err := server.Start(ctx); err != nil {
		return nil, m.initFailed(ctx, root, err)
	}

	if m.config.IndexTimeout > 0 {
		indexCtx, indexCancel := context.WithTimeout(context.Background(), m.config.IndexTimeout)
		err := server.WaitIndexed(indexCtx)
		indexCancel()
		switch {
		case errors.Is(err, ErrServerCrashed):
			_ = server.Shutdown(context.Background())
			return nil, m.initFailed(ctx, root, err)
		case err != nil:
			slog.Warn("rust-analyzer still indexing, continuing",
				slog.String("root", root),
				slog.Duration("index_timeout", m.config.IndexTimeout),
			)
		}
	}

	s := newSession(root, server, m.config.RequestTimeout)
	if m.config.WatchFiles {
		if err := s.startWatcher(m.config.Watch); err != nil {
			slog.Warn("File watcher unavailable",
				slog.String("root", root),
				slog.String("error", err.Error()),
			)
		}
	}

	m.mu.Lock()
	select {
	case <-m.stopped:
		m.mu.Unlock()
		go m.teardown(s, "manager stopped")
		return nil, ErrSessionClosed
	default:
	}
	delete(m.failures, root)
	m.sessions[root] = s
	m.mu.Unlock()

	recordSessionSpawn(ctx, root, true)
	slog.Info("Session created",
		slog.String("session_id", s.ID()),
		slog.String("root", root),
		slog.Duration("elapsed", time.Since(start)),
	)
	return s, nil
}

// initFailed records a failure and builds the returned error.
func (m *Manager) initFailed(ctx context.Context, root string, cause error) error {
	m.mu.Lock()
	f := m.failures[root]
	f.count++
	f.last = time.Now()
	m.failures[root] = f
	n := f.count
	m.mu.Unlock()

	recordSessionSpawn(ctx, root, false)
	slog.Warn("Session init failed",
		slog.String("root", root),
		slog.Int("attempt", n),
		slog.String("error", cause.Error()),
	)
	return fmt.Errorf("%w: %s: %w", ErrSessionInitFailed, root, cause)
}

// teardown closes a session in the background.
func (m *Manager) teardown(s *Session, why string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*m.config.ShutdownGrace)
	defer cancel()

	slog.Info("Tearing down session",
		slog.String("session_id", s.ID()),
		slog.String("root", s.Root()),
		slog.String("reason", why),
	)
	if err := s.Close(ctx); err != nil {
		slog.Warn("Session teardown failed",
			slog.String("session_id", s.ID()),
			slog.String("error", err.Error()),
		)
	}
}

// initFailures counts consecutive init failures of one root.
type initFailures struct {
	count int
	last  time.Time
}

// Reset clears the init failure count for root, so the next query
// spawns without waiting for the cooldown.
func (m *Manager) Reset(root string) {
	if canonical, err := project.Canonicalize(root); err == nil {
		root = canonical
	}
	m.mu.Lock()
	delete(m.failures, root)
	m.mu.Unlock()
}

// Execute runs fn as one job on root's session.
//
// Description:
//
//	Routes to (or creates) the session and runs fn on its queue. When
//	fn fails because the server crashed, the session is replaced and
//	fn runs once more. A protocol violation marks the session for
//	replacement and is returned.
func (m *Manager) Execute(ctx context.Context, root string, fn func(ctx context.Context, s *Session) error) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		s, err := m.GetOrCreateSession(ctx, root)
		if err != nil {
			return err
		}

		err = s.Do(ctx, func(ctx context.Context) error { return fn(ctx, s) })
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, ErrProtocolViolation) {
			s.MarkUnhealthy(err)
			return err
		}
		if isRetryableError(err) && attempt < maxRetries && ctx.Err() == nil {
			if errors.Is(err, ErrServerCrashed) || errors.Is(err, ErrServerNotRunning) || errors.Is(err, ErrSessionClosed) {
				s.MarkUnhealthy(err)
			}
			slog.Debug("Retrying LSP job after transient error",
				slog.String("root", root),
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()),
			)
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		return err
	}
	return lastErr
}

// Session returns the live session for root, if any.
func (m *Manager) Session(root string) (*Session, bool) {
	if canonical, err := project.Canonicalize(root); err == nil {
		root = canonical
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[root]
	return s, ok
}

// Sessions returns status snapshots sorted by root.
func (m *Manager) Sessions() []SessionStatus {
	m.mu.Lock()
	statuses := make([]SessionStatus, 0, len(m.sessions))
	for _, s := range m.sessions {
		statuses = append(statuses, s.Status())
	}
	m.mu.Unlock()

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Root < statuses[j].Root })
	return statuses
}

// Shutdown closes the session for root, if any.
func (m *Manager) Shutdown(ctx context.Context, root string) error {
	if canonical, err := project.Canonicalize(root); err == nil {
		root = canonical
	}
	m.mu.Lock()
	s, ok := m.sessions[root]
	delete(m.sessions, root)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return s.Close(ctx)
}

// ShutdownAll closes every session in parallel.
//
// Description:
//
//	Stops the manager from creating sessions, then runs each session's
//	shutdown sequence concurrently. Failures are logged, never
//	returned.
//
// Thread Safety:
//
//	Safe for concurrent use. Multiple calls are idempotent.
func (m *Manager) ShutdownAll(ctx context.Context) {
	m.stopOnce.Do(func() {
		close(m.stopped)
	})

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var g errgroup.Group
	for _, s := range sessions {
		g.Go(func() error {
			if err := s.Close(ctx); err != nil {
				slog.Warn("Session shutdown failed",
					slog.String("session_id", s.ID()),
					slog.String("root", s.Root()),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// =============================================================================
// IDLE MONITOR
// =============================================================================

// StartIdleMonitor starts the idle session cleanup goroutine.
//
// Description:
//
//	Periodically stops sessions unused for IdleTimeout. The check
//	interval is half the idle timeout. Does nothing if IdleTimeout is 0.
func (m *Manager) StartIdleMonitor() {
	if m.config.IdleTimeout <= 0 {
		return
	}

	go func() {
		interval := m.config.IdleTimeout / 2
		if interval < time.Second {
			interval = time.Second
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-m.stopped:
				return
			case <-ticker.C:
				m.shutdownIdle()
			}
		}
	}()
}

// shutdownIdle stops sessions that have been idle too long.
func (m *Manager) shutdownIdle() {
	m.mu.Lock()
	var idle []*Session
	for root, s := range m.sessions {
		if time.Since(s.LastUsed()) > m.config.IdleTimeout {
			idle = append(idle, s)
			delete(m.sessions, root)
		}
	}
	m.mu.Unlock()

	for _, s := range idle {
		slog.Info("Shutting down idle session",
			slog.String("root", s.Root()),
			slog.Duration("idle_timeout", m.config.IdleTimeout),
		)
		m.teardown(s, "idle")
	}
}
