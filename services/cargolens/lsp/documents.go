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
	"os"
	"sync"
)

// rustLanguageID is the languageId sent on didOpen.
const rustLanguageID = "rust"

// Notifier sends LSP notifications. *Server implements it.
type Notifier interface {
	Notify(method string, params interface{}) error
}

// DocumentTracker brackets queries with didOpen/didClose.
//
// Description:
//
//	Tracks which files are open on one rust-analyzer session. A query
//	that needs a file runs inside WithOpenDocument, which opens the
//	file when it is closed and closes it again on every exit path.
//	Nested acquisitions of an already open file reuse it; the
//	outermost acquirer owns the close.
//
// Thread Safety:
//
//	Safe for concurrent use, but sessions call it from their single
//	worker so acquisitions never interleave across jobs.
type DocumentTracker struct {
	notifier Notifier

	mu       sync.Mutex
	open     map[string]bool
	versions map[string]int

	// onFailure is told about violations and repeated close failures.
	onFailure func(error)

	readFile func(string) ([]byte, error)
}

// NewDocumentTracker creates a tracker that sends through n.
//
// onFailure may be nil.
func NewDocumentTracker(n Notifier, onFailure func(error)) *DocumentTracker {
	return &DocumentTracker{
		notifier:  n,
		open:      make(map[string]bool),
		versions:  make(map[string]int),
		onFailure: onFailure,
		readFile:  os.ReadFile,
	}
}

// WithOpenDocument runs body with path open on the server.
//
// Description:
//
//	If path is closed it is read from disk and sent with didOpen
//	(languageId rust, next version for the path), body runs, and
//	didClose is sent afterwards regardless of how body ended. A panic
//	in body is re-raised after the close. If path is already open,
//	body runs without reopening or closing.
//
// Inputs:
//
//	ctx - Passed to body; the close does not depend on it
//	path - Absolute file path
//	body - The query to run while the file is open
//
// Outputs:
//
//	error - body's error joined with any close error
//
// Errors:
//
//	ErrProtocolViolation - The open/close sequence was broken
func (t *DocumentTracker) WithOpenDocument(ctx context.Context, path string, body func(ctx context.Context) error) (err error) {
	if ctx == nil {
		return fmt.Errorf("ctx must not be nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	alreadyOpen := t.open[path]
	t.mu.Unlock()
	if alreadyOpen {
		return body(ctx)
	}

	if err := t.openDocument(path); err != nil {
		return err
	}

	defer func() {
		r := recover()
		if closeErr := t.closeDocument(path); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
		if r != nil {
			panic(r)
		}
	}()

	return body(ctx)
}

// openDocument reads path and sends didOpen.
func (t *DocumentTracker) openDocument(path string) error {
	content, err := t.readFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.open[path] {
		return t.violation(fmt.Errorf("%w: didOpen for already open %s", ErrProtocolViolation, path))
	}

	t.versions[path]++
	params := DidOpenTextDocumentParams{
		TextDocument: TextDocumentItem{
			URI:        pathToURI(path),
			LanguageID: rustLanguageID,
			Version:    t.versions[path],
			Text:       string(content),
		},
	}
	if err := t.notifier.Notify("textDocument/didOpen", params); err != nil {
		return fmt.Errorf("didOpen %s: %w", path, err)
	}

	t.open[path] = true
	recordOpenDocuments(1)
	return nil
}

// closeDocument sends didClose, retrying once.
func (t *DocumentTracker) closeDocument(path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.open[path] {
		return t.violation(fmt.Errorf("%w: didClose for closed %s", ErrProtocolViolation, path))
	}

	params := DidCloseTextDocumentParams{
		TextDocument: TextDocumentIdentifier{URI: pathToURI(path)},
	}

	err := t.notifier.Notify("textDocument/didClose", params)
	if err != nil {
		slog.Debug("Retrying didClose",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		err = t.notifier.Notify("textDocument/didClose", params)
	}

	// The server state is unknown after two failures; the session is
	// discarded, so local state is reset either way.
	delete(t.open, path)
	recordOpenDocuments(-1)

	if err != nil {
		err = fmt.Errorf("didClose %s failed twice: %w", path, err)
		if t.onFailure != nil {
			t.onFailure(err)
		}
		return err
	}
	return nil
}

// violation reports err to the failure hook and returns it. Caller holds mu.
func (t *DocumentTracker) violation(err error) error {
	slog.Warn("Document lifecycle violation", slog.String("error", err.Error()))
	if t.onFailure != nil {
		t.onFailure(err)
	}
	return err
}

// IsOpen reports whether path is currently open.
func (t *DocumentTracker) IsOpen(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open[path]
}

// OpenCount returns the number of open documents.
func (t *DocumentTracker) OpenCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.open)
}

// Version returns the last didOpen version sent for path.
func (t *DocumentTracker) Version(path string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.versions[path]
}
