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
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// sessionQueueSize bounds jobs waiting for a session's worker.
const sessionQueueSize = 64

// job is one unit of serialized work on a session.
type job struct {
	ctx    context.Context
	fn     func(ctx context.Context) error
	result chan error
}

// SessionStatus is a point-in-time view of a session.
type SessionStatus struct {
	ID            string    `json:"id"`
	Root          string    `json:"root"`
	State         string    `json:"state"`
	Healthy       bool      `json:"healthy"`
	Indexing      bool      `json:"indexing"`
	OpenDocuments int       `json:"open_documents"`
	CreatedAt     time.Time `json:"created_at"`
	LastUsed      time.Time `json:"last_used"`
}

// Session is one rust-analyzer process serving one project.
//
// Description:
//
//	Owns the Server, its DocumentTracker and an optional Watcher. All
//	traffic for the project goes through Do, which runs jobs one at a
//	time in submission order on a single worker goroutine.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Session struct {
	id             string
	root           string
	server         *Server
	tracker        *DocumentTracker
	watcher        *Watcher
	requestTimeout time.Duration
	createdAt      time.Time

	jobs       chan *job
	quit       chan struct{}
	workerDone chan struct{}
	closeOnce  sync.Once
	closeErr   error

	unhealthy atomic.Bool
	reasonMu  sync.Mutex
	reason    error
}

// newSession wraps a started server and starts the worker.
func newSession(root string, server *Server, requestTimeout time.Duration) *Session {
	s := &Session{
		id:             uuid.NewString(),
		root:           root,
		server:         server,
		requestTimeout: requestTimeout,
		createdAt:      time.Now(),
		jobs:           make(chan *job, sessionQueueSize),
		quit:           make(chan struct{}),
		workerDone:     make(chan struct{}),
	}
	s.tracker = NewDocumentTracker(server, s.MarkUnhealthy)

	go s.worker()
	go s.watchExit()
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Root returns the project root the session serves.
func (s *Session) Root() string { return s.root }

// Server returns the underlying server.
func (s *Session) Server() *Server { return s.server }

// Tracker returns the session's document tracker.
func (s *Session) Tracker() *DocumentTracker { return s.tracker }

// Do runs fn on the session worker and waits for it.
//
// Description:
//
//	Jobs run in FIFO order, one at a time. A caller whose ctx ends
//	gets ctx.Err() immediately; a job already running still finishes
//	its own cleanup, and a job not yet started is skipped. A panic in
//	fn is recovered into an error.
//
// Errors:
//
//	ErrSessionClosed - The session stopped accepting work
func (s *Session) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx == nil {
		return fmt.Errorf("ctx must not be nil")
	}
	j := &job{ctx: ctx, fn: fn, result: make(chan error, 1)}

	select {
	case <-s.quit:
		return ErrSessionClosed
	default:
	}

	select {
	case s.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return ErrSessionClosed
	}

	select {
	case err := <-j.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.workerDone:
		// The worker may have finished this job just before exiting.
		select {
		case err := <-j.result:
			return err
		default:
			return ErrSessionClosed
		}
	}
}

// worker runs jobs until the session closes.
func (s *Session) worker() {
	defer close(s.workerDone)
	for {
		select {
		case <-s.quit:
			return
		case j := <-s.jobs:
			if err := j.ctx.Err(); err != nil {
				j.result <- err
				continue
			}
			j.result <- s.run(j)
		}
	}
}

// run executes one job, converting a panic into an error.
func (s *Session) run(j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Session job panicked",
				slog.String("session_id", s.id),
				slog.String("root", s.root),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("session job panicked: %v", r)
		}
	}()
	return j.fn(j.ctx)
}

// watchExit marks the session unhealthy when the process dies.
func (s *Session) watchExit() {
	select {
	case <-s.server.Exited():
		select {
		case <-s.quit:
		default:
			s.MarkUnhealthy(ErrServerCrashed)
		}
	case <-s.quit:
	}
}

// Request sends a request bounded by the session's request timeout.
// A crash marks the session unhealthy.
func (s *Session) Request(ctx context.Context, method string, params interface{}) (*Response, error) {
	if s.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.requestTimeout)
		defer cancel()
	}
	resp, err := s.server.Request(ctx, method, params)
	if err != nil && (errors.Is(err, ErrServerCrashed) || errors.Is(err, ErrServerNotRunning)) {
		s.MarkUnhealthy(err)
	}
	return resp, err
}

// Notify sends a notification. A crash marks the session unhealthy.
func (s *Session) Notify(method string, params interface{}) error {
	err := s.server.Notify(method, params)
	if err != nil && errors.Is(err, ErrServerCrashed) {
		s.MarkUnhealthy(err)
	}
	return err
}

// WithOpenDocument is shorthand for Tracker().WithOpenDocument.
func (s *Session) WithOpenDocument(ctx context.Context, path string, body func(ctx context.Context) error) error {
	return s.tracker.WithOpenDocument(ctx, path, body)
}

// MarkUnhealthy flags the session for replacement on next lookup.
func (s *Session) MarkUnhealthy(reason error) {
	if s.unhealthy.Swap(true) {
		return
	}
	s.reasonMu.Lock()
	s.reason = reason
	s.reasonMu.Unlock()

	attrs := []any{
		slog.String("session_id", s.id),
		slog.String("root", s.root),
	}
	if reason != nil {
		attrs = append(attrs, slog.String("reason", reason.Error()))
	}
	slog.Warn("Session marked unhealthy", attrs...)
}

// Healthy reports whether the session can accept more work.
func (s *Session) Healthy() bool {
	if s.unhealthy.Load() {
		return false
	}
	select {
	case <-s.quit:
		return false
	default:
	}
	return s.server.Alive()
}

// UnhealthyReason returns why the session was marked unhealthy, if it was.
func (s *Session) UnhealthyReason() error {
	s.reasonMu.Lock()
	defer s.reasonMu.Unlock()
	return s.reason
}

// LastUsed returns when the server last saw traffic.
func (s *Session) LastUsed() time.Time {
	return s.server.LastUsed()
}

// Status returns a snapshot for status reporting.
func (s *Session) Status() SessionStatus {
	return SessionStatus{
		ID:            s.id,
		Root:          s.root,
		State:         s.server.State().String(),
		Healthy:       s.Healthy(),
		Indexing:      s.server.Indexing(),
		OpenDocuments: s.tracker.OpenCount(),
		CreatedAt:     s.createdAt,
		LastUsed:      s.server.LastUsed(),
	}
}

// startWatcher attaches a change notifier that feeds the job queue.
func (s *Session) startWatcher(opts WatcherOptions) error {
	w, err := NewWatcher(s.root, s.forwardChanges, opts)
	if err != nil {
		return err
	}
	s.watcher = w
	return nil
}

// forwardChanges sends a batch as workspace/didChangeWatchedFiles via the queue.
func (s *Session) forwardChanges(changes []FileEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := s.Do(ctx, func(ctx context.Context) error {
		return s.Notify("workspace/didChangeWatchedFiles", DidChangeWatchedFilesParams{Changes: changes})
	})
	if err != nil && !errors.Is(err, ErrSessionClosed) {
		slog.Debug("Failed to forward file changes",
			slog.String("session_id", s.id),
			slog.Int("changes", len(changes)),
			slog.String("error", err.Error()),
		)
	}
}

// Close stops the queue and shuts the server down.
//
// Description:
//
//	Stops accepting jobs, waits (bounded by ctx) for a running job,
//	stops the watcher and runs the server shutdown sequence. Safe to
//	call more than once; later calls return the first result.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.quit)

		if s.watcher != nil {
			s.watcher.Stop()
		}

		select {
		case <-s.workerDone:
		case <-ctx.Done():
		}

		// Fail jobs that were queued but never picked up.
		for {
			select {
			case j := <-s.jobs:
				j.result <- ErrSessionClosed
				continue
			default:
			}
			break
		}

		s.closeErr = s.server.Shutdown(ctx)
		slog.Info("Session closed",
			slog.String("session_id", s.id),
			slog.String("root", s.root),
		)
	})
	return s.closeErr
}
