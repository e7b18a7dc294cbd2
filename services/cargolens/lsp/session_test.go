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
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/cargolens/services/cargolens/lsp"
)

// TestSession_RandomInterleavingsWithCancel runs jobs from several
// goroutines whose contexts are cancelled at random points: before
// submission, inside the body, or from a timer while a request is in
// flight. Every didOpen must still be paired with a didClose.
func TestSession_RandomInterleavingsWithCancel(t *testing.T) {
	f := newFixture(t)
	f.fake.Handle("textDocument/hover", func(json.RawMessage) (any, error) {
		time.Sleep(time.Millisecond)
		return map[string]any{"contents": "x"}, nil
	})

	s, err := f.ops.Manager().GetOrCreateSession(context.Background(), f.root)
	require.NoError(t, err)

	paths := []string{f.lib, f.main}
	hover := func(ctx context.Context, path string) error {
		_, err := s.Request(ctx, "textDocument/hover", lsp.TextDocumentPositionParams{
			TextDocument: lsp.TextDocumentIdentifier{URI: lsp.PathToURI(path)},
		})
		return err
	}

	const workers, iterations = 8, 40
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))

			for i := 0; i < iterations; i++ {
				path := paths[rng.Intn(len(paths))]
				other := paths[rng.Intn(len(paths))]
				mode := rng.Intn(4)
				nested := rng.Intn(2) == 0
				failBody := rng.Intn(5) == 0
				delay := time.Duration(rng.Intn(3000)) * time.Microsecond

				ctx, cancel := context.WithCancel(context.Background())
				switch mode {
				case 1:
					cancel()
				case 3:
					time.AfterFunc(delay, cancel)
				}

				_ = s.Do(ctx, func(ctx context.Context) error {
					return s.WithOpenDocument(ctx, path, func(ctx context.Context) error {
						if mode == 2 {
							cancel()
						}
						if err := hover(ctx, path); err != nil {
							return err
						}
						if nested {
							if err := s.WithOpenDocument(ctx, other, func(ctx context.Context) error {
								return hover(ctx, other)
							}); err != nil {
								return err
							}
						}
						if failBody {
							return errors.New("body failed")
						}
						return nil
					})
				})
				cancel()
			}
		}(int64(w + 1))
	}
	wg.Wait()

	// Abandoned jobs may still be running; a job queued behind them
	// runs only once they are done.
	require.NoError(t, s.Do(context.Background(), func(context.Context) error { return nil }))

	assert.Zero(t, s.Tracker().OpenCount())
	assert.True(t, s.Healthy())
	f.assertBalanced(t)
}
