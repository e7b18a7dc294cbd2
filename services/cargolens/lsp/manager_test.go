// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/cargolens/services/cargolens/lsp"
	"github.com/AleutianAI/cargolens/services/cargolens/lsp/lsptest"
	"github.com/AleutianAI/cargolens/services/cargolens/project"
)

// staticProjects is a fixed ProjectSource.
type staticProjects []project.Project

func (s staticProjects) Projects() []project.Project { return s }

func testManagerConfig(fake *lsptest.Server) lsp.ManagerConfig {
	return lsp.ManagerConfig{
		Launcher:        fake,
		InitTimeout:     2 * time.Second,
		RequestTimeout:  2 * time.Second,
		ShutdownGrace:   time.Second,
		MaxInitAttempts: 2,
	}
}

// newTestManager creates a manager over one temporary project.
func newTestManager(t *testing.T, fake *lsptest.Server) (*lsp.Manager, string) {
	t.Helper()
	proj, err := project.New(t.TempDir(), nil)
	require.NoError(t, err)

	m := lsp.NewManager(staticProjects{proj}, testManagerConfig(fake))
	t.Cleanup(func() { m.ShutdownAll(context.Background()) })
	return m, proj.Root
}

func TestManager_SingleSessionUnderConcurrentFirstUse(t *testing.T) {
	fake := lsptest.New()
	m, root := newTestManager(t, fake)

	const callers = 16
	sessions := make([]*lsp.Session, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i], errs[i] = m.GetOrCreateSession(context.Background(), root)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, sessions[0], sessions[i])
	}
	assert.Equal(t, 1, fake.Launches())
	assert.Equal(t, []string{root}, fake.Roots())
}

func TestManager_UnknownProject(t *testing.T) {
	fake := lsptest.New()
	m, _ := newTestManager(t, fake)

	_, err := m.GetOrCreateSession(context.Background(), t.TempDir())
	assert.ErrorIs(t, err, lsp.ErrUnknownProject)
	assert.Zero(t, fake.Launches())
}

func TestManager_InitFailuresAreBounded(t *testing.T) {
	fake := lsptest.New()
	fake.FailInitialize = true
	m, root := newTestManager(t, fake)

	for i := 0; i < 2; i++ {
		_, err := m.GetOrCreateSession(context.Background(), root)
		assert.ErrorIs(t, err, lsp.ErrSessionInitFailed)
	}
	assert.Equal(t, 2, fake.Launches())

	// Fails fast without spawning.
	_, err := m.GetOrCreateSession(context.Background(), root)
	assert.ErrorIs(t, err, lsp.ErrSessionInitFailed)
	assert.Equal(t, 2, fake.Launches())

	fake.FailInitialize = false
	m.Reset(root)

	s, err := m.GetOrCreateSession(context.Background(), root)
	require.NoError(t, err)
	assert.True(t, s.Healthy())
	assert.Equal(t, 3, fake.Launches())
}

func TestManager_InitFailuresRecoverAfterCooldown(t *testing.T) {
	fake := lsptest.New()
	fake.FailInitialize = true
	proj, err := project.New(t.TempDir(), nil)
	require.NoError(t, err)

	cfg := testManagerConfig(fake)
	cfg.InitCooldown = 100 * time.Millisecond
	m := lsp.NewManager(staticProjects{proj}, cfg)
	t.Cleanup(func() { m.ShutdownAll(context.Background()) })

	for i := 0; i < 3; i++ {
		_, err := m.GetOrCreateSession(context.Background(), proj.Root)
		assert.ErrorIs(t, err, lsp.ErrSessionInitFailed)
	}
	assert.Equal(t, 2, fake.Launches())

	// One attempt after the cooldown; failing again re-arms it.
	time.Sleep(150 * time.Millisecond)
	_, err = m.GetOrCreateSession(context.Background(), proj.Root)
	assert.ErrorIs(t, err, lsp.ErrSessionInitFailed)
	assert.Equal(t, 3, fake.Launches())
	_, err = m.GetOrCreateSession(context.Background(), proj.Root)
	assert.ErrorIs(t, err, lsp.ErrSessionInitFailed)
	assert.Equal(t, 3, fake.Launches())

	fake.FailInitialize = false
	time.Sleep(150 * time.Millisecond)
	s, err := m.GetOrCreateSession(context.Background(), proj.Root)
	require.NoError(t, err)
	assert.True(t, s.Healthy())
	assert.Equal(t, 4, fake.Launches())
}

func TestManager_LaunchErrorIsInitFailure(t *testing.T) {
	fake := lsptest.New()
	fake.LaunchErr = lsp.ErrServerNotInstalled
	m, root := newTestManager(t, fake)

	_, err := m.GetOrCreateSession(context.Background(), root)
	assert.ErrorIs(t, err, lsp.ErrSessionInitFailed)
	assert.ErrorIs(t, err, lsp.ErrServerNotInstalled)
}

func TestManager_ReplacesCrashedSession(t *testing.T) {
	fake := lsptest.New()
	m, root := newTestManager(t, fake)

	first, err := m.GetOrCreateSession(context.Background(), root)
	require.NoError(t, err)

	fake.Crash()
	require.Eventually(t, func() bool { return !first.Healthy() }, 2*time.Second, 10*time.Millisecond)

	second, err := m.GetOrCreateSession(context.Background(), root)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.NotEqual(t, first.ID(), second.ID())
	assert.True(t, second.Healthy())
	assert.Equal(t, 2, fake.Launches())
}

func TestManager_ExecuteRetriesAfterCrash(t *testing.T) {
	fake := lsptest.New()
	m, root := newTestManager(t, fake)

	var attempts atomic.Int32
	err := m.Execute(context.Background(), root, func(ctx context.Context, s *lsp.Session) error {
		if attempts.Add(1) == 1 {
			fake.Crash()
			assert.Eventually(t, func() bool { return !s.Server().Alive() }, 2*time.Second, 10*time.Millisecond)
		}
		_, err := s.Request(ctx, "workspace/symbol", lsp.WorkspaceSymbolParams{Query: "x"})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), attempts.Load())
	assert.Equal(t, 2, fake.Launches())
}

func TestManager_ExecuteRetryBackoffHonorsCancel(t *testing.T) {
	fake := lsptest.New()
	m, root := newTestManager(t, fake)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	var failedAt time.Time
	err := m.Execute(ctx, root, func(ctx context.Context, s *lsp.Session) error {
		calls.Add(1)
		failedAt = time.Now()
		time.AfterFunc(10*time.Millisecond, cancel)
		return &lsp.LSPError{Code: -32801, Message: "content modified"}
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), calls.Load())
	assert.Less(t, time.Since(failedAt), 90*time.Millisecond, "the backoff returns as soon as ctx is done")
}

func TestManager_ExecuteProtocolViolation(t *testing.T) {
	fake := lsptest.New()
	m, root := newTestManager(t, fake)

	var first *lsp.Session
	err := m.Execute(context.Background(), root, func(ctx context.Context, s *lsp.Session) error {
		first = s
		return fmt.Errorf("%w: injected", lsp.ErrProtocolViolation)
	})
	assert.ErrorIs(t, err, lsp.ErrProtocolViolation)
	assert.False(t, first.Healthy())

	second, err := m.GetOrCreateSession(context.Background(), root)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}

func TestManager_ExecuteDoesNotRetryOrdinaryErrors(t *testing.T) {
	fake := lsptest.New()
	m, root := newTestManager(t, fake)

	boom := errors.New("boom")
	var attempts atomic.Int32
	err := m.Execute(context.Background(), root, func(ctx context.Context, s *lsp.Session) error {
		attempts.Add(1)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestManager_ShutdownAll(t *testing.T) {
	fake := lsptest.New()

	var projects staticProjects
	for i := 0; i < 3; i++ {
		p, err := project.New(t.TempDir(), nil)
		require.NoError(t, err)
		projects = append(projects, p)
	}
	m := lsp.NewManager(projects, testManagerConfig(fake))

	var sessions []*lsp.Session
	for _, p := range projects {
		s, err := m.GetOrCreateSession(context.Background(), p.Root)
		require.NoError(t, err)
		sessions = append(sessions, s)
	}
	assert.Len(t, m.Sessions(), 3)

	m.ShutdownAll(context.Background())

	assert.Empty(t, m.Sessions())
	assert.Equal(t, 3, fake.Count("shutdown"))
	assert.Equal(t, 3, fake.Count("exit"))
	for _, s := range sessions {
		assert.False(t, s.Healthy())
	}

	_, err := m.GetOrCreateSession(context.Background(), projects[0].Root)
	assert.ErrorIs(t, err, lsp.ErrSessionClosed)

	// Idempotent.
	m.ShutdownAll(context.Background())
}

func TestManager_ShutdownOne(t *testing.T) {
	fake := lsptest.New()
	m, root := newTestManager(t, fake)

	_, err := m.GetOrCreateSession(context.Background(), root)
	require.NoError(t, err)

	require.NoError(t, m.Shutdown(context.Background(), root))
	_, ok := m.Session(root)
	assert.False(t, ok)

	// Unknown roots are a no-op.
	assert.NoError(t, m.Shutdown(context.Background(), t.TempDir()))
}

func TestManager_IdleMonitor(t *testing.T) {
	fake := lsptest.New()
	proj, err := project.New(t.TempDir(), nil)
	require.NoError(t, err)

	cfg := testManagerConfig(fake)
	cfg.IdleTimeout = 100 * time.Millisecond
	m := lsp.NewManager(staticProjects{proj}, cfg)
	t.Cleanup(func() { m.ShutdownAll(context.Background()) })

	_, err = m.GetOrCreateSession(context.Background(), proj.Root)
	require.NoError(t, err)

	m.StartIdleMonitor()
	require.Eventually(t, func() bool {
		_, ok := m.Session(proj.Root)
		return !ok
	}, 5*time.Second, 50*time.Millisecond)
	assert.Eventually(t, func() bool { return fake.Count("shutdown") == 1 }, 5*time.Second, 50*time.Millisecond)
}

func TestManager_WaitsForIndexing(t *testing.T) {
	fake := lsptest.New()
	fake.SendIndexing = true
	proj, err := project.New(t.TempDir(), nil)
	require.NoError(t, err)

	cfg := testManagerConfig(fake)
	cfg.IndexTimeout = 5 * time.Second
	m := lsp.NewManager(staticProjects{proj}, cfg)
	t.Cleanup(func() { m.ShutdownAll(context.Background()) })

	s, err := m.GetOrCreateSession(context.Background(), proj.Root)
	require.NoError(t, err)
	assert.False(t, s.Status().Indexing)
}

func TestSession_SerializesJobs(t *testing.T) {
	fake := lsptest.New()
	m, root := newTestManager(t, fake)

	s, err := m.GetOrCreateSession(context.Background(), root)
	require.NoError(t, err)

	var running, maxRunning atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Do(context.Background(), func(ctx context.Context) error {
				n := running.Add(1)
				for {
					cur := maxRunning.Load()
					if n <= cur || maxRunning.CompareAndSwap(cur, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				running.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxRunning.Load())
}

func TestSession_RecoversPanics(t *testing.T) {
	fake := lsptest.New()
	m, root := newTestManager(t, fake)

	s, err := m.GetOrCreateSession(context.Background(), root)
	require.NoError(t, err)

	err = s.Do(context.Background(), func(ctx context.Context) error { panic("bad job") })
	assert.ErrorContains(t, err, "bad job")

	// The worker survives.
	assert.NoError(t, s.Do(context.Background(), func(ctx context.Context) error { return nil }))
}

func TestSession_ClosedRejectsWork(t *testing.T) {
	fake := lsptest.New()
	m, root := newTestManager(t, fake)

	s, err := m.GetOrCreateSession(context.Background(), root)
	require.NoError(t, err)
	require.NoError(t, s.Close(context.Background()))

	err = s.Do(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, lsp.ErrSessionClosed)
	assert.False(t, s.Healthy())
}
