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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// indexingTokens are the $/progress tokens rust-analyzer uses for its
// initial indexing pass (old and new names).
var indexingTokens = map[string]bool{
	"rustAnalyzer/Indexing":     true,
	"rustAnalyzer/cachePriming": true,
}

// =============================================================================
// SERVER STATE
// =============================================================================

// ServerState represents the lifecycle state of an LSP server.
type ServerState int

const (
	// ServerStateUninitialized is the initial state before Start is called.
	ServerStateUninitialized ServerState = iota

	// ServerStateStarting means the server process is starting.
	ServerStateStarting

	// ServerStateReady means the server is initialized and ready for requests.
	ServerStateReady

	// ServerStateStopping means the server is shutting down.
	ServerStateStopping

	// ServerStateStopped means the server has terminated.
	ServerStateStopped
)

// String returns a human-readable state name.
func (s ServerState) String() string {
	names := []string{"uninitialized", "starting", "ready", "stopping", "stopped"}
	if int(s) < len(names) {
		return names[s]
	}
	return "unknown"
}

// =============================================================================
// SERVER
// =============================================================================

// ServerConfig configures one language server process.
type ServerConfig struct {
	// Launcher starts the process. Required.
	Launcher Launcher

	// RootPath is the absolute project root.
	RootPath string

	// InitializationOptions is passed through in initialize.
	InitializationOptions interface{}

	// ShutdownGrace bounds the shutdown request and the wait for exit
	// before the process is killed. Default: 5s.
	ShutdownGrace time.Duration
}

// Server represents a running rust-analyzer process.
//
// Description:
//
//	Manages the lifecycle of the process: start, the initialize
//	handshake, index progress tracking, and orderly shutdown. Provides
//	Request and Notify for the session that owns it.
//
// Thread Safety:
//
//	Safe for concurrent use after Start() returns successfully.
type Server struct {
	config ServerConfig

	process      *Process
	protocol     *Protocol
	capabilities ServerCapabilities

	state   ServerState
	stateMu sync.RWMutex

	ctx      context.Context
	cancel   context.CancelFunc
	readDone chan struct{}
	exited   chan struct{}
	waitErr  error

	progressMu  sync.Mutex
	indexing    bool
	indexed     chan struct{}
	indexedOnce sync.Once

	lastUsed   time.Time
	lastUsedMu sync.Mutex
}

// NewServer creates a new server instance (not started).
func NewServer(config ServerConfig) *Server {
	if config.ShutdownGrace <= 0 {
		config.ShutdownGrace = 5 * time.Second
	}
	return &Server{
		config:   config,
		state:    ServerStateUninitialized,
		readDone: make(chan struct{}),
		exited:   make(chan struct{}),
		indexed:  make(chan struct{}),
		lastUsed: time.Now(),
	}
}

// Start launches the process and performs the initialize handshake.
//
// Description:
//
//	Launches the server, starts the read loop, sends initialize and
//	then initialized. On success the server is ready for requests.
//	The process outlives ctx; ctx bounds only the handshake.
//
// Errors:
//
//	ErrServerNotInstalled - Server binary not found
//	ErrServerAlreadyStarted - Start called on a non-uninitialized server
//	ErrInitializeFailed - LSP initialize handshake failed
//
// Thread Safety:
//
//	Safe for concurrent use, but only the first caller will start the server.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("ctx must not be nil")
	}
	if s.config.Launcher == nil {
		return fmt.Errorf("launcher must not be nil")
	}

	s.stateMu.Lock()
	if s.state != ServerStateUninitialized {
		s.stateMu.Unlock()
		return ErrServerAlreadyStarted
	}
	s.state = ServerStateStarting
	s.stateMu.Unlock()

	slog.Info("Starting rust-analyzer",
		slog.String("root_path", s.config.RootPath),
	)

	// Server context is independent of the caller's context.
	s.ctx, s.cancel = context.WithCancel(context.Background())

	proc, err := s.config.Launcher.Launch(s.ctx, s.config.RootPath)
	if err != nil {
		s.cancel()
		s.setState(ServerStateStopped)
		close(s.readDone)
		close(s.exited)
		return err
	}
	s.process = proc

	s.protocol = NewProtocol(proc.Stdout, proc.Stdin)
	s.protocol.OnNotification(s.handleNotification)

	go func() {
		defer close(s.readDone)
		if err := s.protocol.ReadLoop(s.ctx); err != nil && s.State() == ServerStateReady {
			slog.Warn("rust-analyzer connection lost",
				slog.String("root_path", s.config.RootPath),
				slog.String("error", err.Error()),
			)
		}
		// Fail any request still waiting on a dead stream.
		s.protocol.Close()
	}()

	go func() {
		s.waitErr = proc.Wait()
		close(s.exited)
	}()

	if err := s.initialize(ctx); err != nil {
		_ = s.Shutdown(context.Background())
		return fmt.Errorf("%w: %w", ErrInitializeFailed, err)
	}

	s.setState(ServerStateReady)
	s.touchLastUsed()

	slog.Info("rust-analyzer ready",
		slog.String("root_path", s.config.RootPath),
		slog.Bool("definition", s.capabilities.HasDefinitionProvider()),
		slog.Bool("references", s.capabilities.HasReferencesProvider()),
		slog.Bool("hover", s.capabilities.HasHoverProvider()),
		slog.Bool("workspace_symbol", s.capabilities.HasWorkspaceSymbolProvider()),
	)
	return nil
}

// initialize performs the LSP initialize handshake.
func (s *Server) initialize(ctx context.Context) error {
	rootURI := pathToURI(s.config.RootPath)
	params := InitializeParams{
		ProcessID:  os.Getpid(),
		ClientInfo: &ClientInfo{Name: "cargolens"},
		RootURI:    rootURI,
		RootPath:   s.config.RootPath,
		Capabilities: ClientCapabilities{
			TextDocument: TextDocumentClientCapabilities{
				Synchronization: &TextDocumentSyncClientCapabilities{},
				Definition:      &DefinitionCapabilities{},
				Implementation:  &DefinitionCapabilities{},
				References:      &ReferencesCapabilities{},
				Hover: &HoverCapabilities{
					ContentFormat: []string{"markdown", "plaintext"},
				},
			},
			Workspace: WorkspaceClientCapabilities{
				Symbol:                &WorkspaceSymbolClientCapabilities{},
				DidChangeWatchedFiles: &DynamicRegistrationCapabilities{},
				Configuration:         true,
			},
			// Required for indexing progress notifications.
			Window: WindowClientCapabilities{WorkDoneProgress: true},
		},
		WorkspaceFolders: []WorkspaceFolder{
			{URI: rootURI, Name: filepath.Base(s.config.RootPath)},
		},
	}
	if s.config.InitializationOptions != nil {
		params.InitializationOptions = s.config.InitializationOptions
	}

	resp, err := s.protocol.SendRequest(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize request: %w", err)
	}

	var result InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("parse initialize result: %w", err)
	}
	s.capabilities = result.Capabilities

	if err := s.protocol.SendNotification("initialized", struct{}{}); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}
	return nil
}

// handleNotification tracks indexing progress and surfaces server messages.
func (s *Server) handleNotification(method string, params json.RawMessage) {
	switch method {
	case "$/progress":
		var p ProgressParams
		if err := json.Unmarshal(params, &p); err != nil {
			return
		}
		if !indexingTokens[p.TokenString()] {
			return
		}
		s.progressMu.Lock()
		switch p.Value.Kind {
		case "begin", "report":
			s.indexing = true
		case "end":
			s.indexing = false
			s.indexedOnce.Do(func() { close(s.indexed) })
		}
		s.progressMu.Unlock()
	case "window/showMessage", "window/logMessage":
		var msg struct {
			Type    int    `json:"type"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(params, &msg); err == nil {
			slog.Debug("rust-analyzer message",
				slog.String("root_path", s.config.RootPath),
				slog.Int("type", msg.Type),
				slog.String("message", msg.Message),
			)
		}
	}
}

// WaitIndexed blocks until rust-analyzer reports the end of its first
// indexing pass, the process exits, or ctx is done.
func (s *Server) WaitIndexed(ctx context.Context) error {
	select {
	case <-s.indexed:
		return nil
	case <-s.exited:
		return ErrServerCrashed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Indexing reports whether an indexing pass is in progress.
func (s *Server) Indexing() bool {
	s.progressMu.Lock()
	defer s.progressMu.Unlock()
	return s.indexing
}

// Shutdown gracefully shuts down the server.
//
// Description:
//
//	Sends shutdown then exit, closes stdin and waits up to the
//	configured grace period for the process to exit. A server that
//	does not exit in time is killed together with its process group.
//
// Thread Safety:
//
//	Safe for concurrent use. Multiple calls are idempotent.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stateMu.Lock()
	if s.state == ServerStateStopped || s.state == ServerStateStopping {
		s.stateMu.Unlock()
		return nil
	}
	s.state = ServerStateStopping
	s.stateMu.Unlock()

	slog.Info("Shutting down rust-analyzer",
		slog.String("root_path", s.config.RootPath),
	)

	defer s.cleanup()

	grace := s.config.ShutdownGrace
	if s.protocol != nil && !s.hasExited() {
		shutdownCtx, cancel := context.WithTimeout(ctx, grace)
		_, _ = s.protocol.SendRequest(shutdownCtx, "shutdown", nil)
		cancel()
		_ = s.protocol.SendNotification("exit", nil)
		s.protocol.Close()
	}

	if s.process != nil && s.process.Stdin != nil {
		_ = s.process.Stdin.Close()
	}

	var killErr error
	if s.process != nil {
		select {
		case <-s.exited:
		case <-time.After(grace):
			slog.Warn("rust-analyzer did not exit, killing",
				slog.String("root_path", s.config.RootPath),
			)
			if s.process.Kill != nil {
				killErr = s.process.Kill()
			}
			select {
			case <-s.exited:
			case <-time.After(grace):
				killErr = errors.Join(killErr, fmt.Errorf("process did not exit after kill"))
			}
		}
	}

	if s.cancel != nil {
		s.cancel()
	}
	select {
	case <-s.readDone:
	case <-time.After(time.Second):
	}

	return killErr
}

// cleanup releases resources and sets state to stopped.
func (s *Server) cleanup() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.process != nil {
		if s.process.Stdin != nil {
			_ = s.process.Stdin.Close()
		}
		if s.process.Stdout != nil {
			_ = s.process.Stdout.Close()
		}
	}
	s.setState(ServerStateStopped)
}

// =============================================================================
// ACCESSORS
// =============================================================================

// State returns the current server state.
func (s *Server) State() ServerState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// RootPath returns the workspace root path.
func (s *Server) RootPath() string {
	return s.config.RootPath
}

// Capabilities returns the capabilities reported during initialization.
func (s *Server) Capabilities() ServerCapabilities {
	return s.capabilities
}

// Exited is closed once the process has exited.
func (s *Server) Exited() <-chan struct{} {
	return s.exited
}

// Alive reports whether the server is ready and its process still running.
func (s *Server) Alive() bool {
	return s.State() == ServerStateReady && !s.hasExited() && !s.readLoopDone()
}

// LastUsed returns when the server was last used.
func (s *Server) LastUsed() time.Time {
	s.lastUsedMu.Lock()
	defer s.lastUsedMu.Unlock()
	return s.lastUsed
}

// =============================================================================
// REQUEST METHODS
// =============================================================================

// Request sends an LSP request and waits for the response.
//
// Description:
//
//	Sends a request and blocks until a response arrives or ctx is done.
//	Failures on a server whose stream has gone away are reported as
//	ErrServerCrashed.
//
// Thread Safety:
//
//	Safe for concurrent use.
func (s *Server) Request(ctx context.Context, method string, params interface{}) (*Response, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}
	if s.State() != ServerStateReady {
		return nil, ErrServerNotRunning
	}
	s.touchLastUsed()

	resp, err := s.protocol.SendRequest(ctx, method, params)
	if err != nil && ctx.Err() == nil && (s.hasExited() || s.readLoopDone()) {
		return nil, fmt.Errorf("%w: %s: %w", ErrServerCrashed, method, err)
	}
	return resp, err
}

// Notify sends an LSP notification.
func (s *Server) Notify(method string, params interface{}) error {
	if s.State() != ServerStateReady {
		return ErrServerNotRunning
	}
	s.touchLastUsed()
	if err := s.protocol.SendNotification(method, params); err != nil {
		if s.hasExited() || s.readLoopDone() {
			return fmt.Errorf("%w: %s: %w", ErrServerCrashed, method, err)
		}
		return err
	}
	return nil
}

// =============================================================================
// INTERNAL HELPERS
// =============================================================================

func (s *Server) setState(state ServerState) {
	s.stateMu.Lock()
	s.state = state
	s.stateMu.Unlock()
}

func (s *Server) touchLastUsed() {
	s.lastUsedMu.Lock()
	s.lastUsed = time.Now()
	s.lastUsedMu.Unlock()
}

func (s *Server) hasExited() bool {
	select {
	case <-s.exited:
		return true
	default:
		return false
	}
}

func (s *Server) readLoopDone() bool {
	select {
	case <-s.readDone:
		return true
	default:
		return false
	}
}
