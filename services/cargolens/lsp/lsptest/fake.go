// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lsptest provides an in-process fake rust-analyzer.
//
// The fake speaks the real Content-Length framing over io.Pipe, records
// every client message, checks the didOpen/didClose discipline and
// answers requests through per-method handlers.
package lsptest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/AleutianAI/cargolens/services/cargolens/lsp"
)

// Handler answers one request. Returning *lsp.LSPError sends that code.
type Handler func(params json.RawMessage) (any, error)

// Message is one message the client sent.
type Message struct {
	Method  string
	Params  json.RawMessage
	Request bool

	// Conn numbers launches from 1.
	Conn int
}

// Server is a scripted fake language server. It implements lsp.Launcher.
type Server struct {
	mu       sync.Mutex
	handlers map[string]Handler
	messages []Message
	replies  []json.RawMessage
	roots    []string
	conns    []*conn
	launches int

	violations []string

	// LaunchErr fails Launch outright.
	LaunchErr error

	// FailInitialize answers initialize with an error.
	FailInitialize bool

	// HangInitialize never answers initialize.
	HangInitialize bool

	// SendIndexing emits workDoneProgress/create and a begin/end
	// $/progress pair for rustAnalyzer/Indexing after initialized.
	SendIndexing bool

	// RequireOpen rejects text document requests for unopened files.
	RequireOpen bool
}

// New returns a fake with no handlers; unknown requests get null.
func New() *Server {
	return &Server{handlers: make(map[string]Handler)}
}

// Handle installs the handler for a request method.
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	s.handlers[method] = h
	s.mu.Unlock()
}

// Respond installs a handler that always returns result.
func (s *Server) Respond(method string, result any) {
	s.Handle(method, func(json.RawMessage) (any, error) { return result, nil })
}

// Launch implements lsp.Launcher.
func (s *Server) Launch(ctx context.Context, root string) (*lsp.Process, error) {
	s.mu.Lock()
	s.launches++
	s.roots = append(s.roots, root)
	if s.LaunchErr != nil {
		err := s.LaunchErr
		s.mu.Unlock()
		return nil, err
	}
	c := newConn(s, s.launches)
	s.conns = append(s.conns, c)
	s.mu.Unlock()

	go c.serve()
	go c.writeLoop()
	go func() {
		select {
		case <-ctx.Done():
			c.close()
		case <-c.done:
		}
	}()

	return &lsp.Process{
		Stdin:  c.clientIn,
		Stdout: c.clientOut,
		Wait: func() error {
			<-c.done
			return nil
		},
		Kill: func() error {
			c.close()
			return nil
		},
	}, nil
}

// Launches returns how many processes were started.
func (s *Server) Launches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.launches
}

// Roots returns the root of every launch, in order.
func (s *Server) Roots() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.roots...)
}

// Messages returns every client message in arrival order.
func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// Methods returns the method of every client message in arrival order.
func (s *Server) Methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	methods := make([]string, len(s.messages))
	for i, m := range s.messages {
		methods[i] = m.Method
	}
	return methods
}

// Count returns how many messages with method were received.
func (s *Server) Count(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.Method == method {
			n++
		}
	}
	return n
}

// Replies returns the results the client sent to server requests.
func (s *Server) Replies() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.replies...)
}

// Violations returns document lifecycle errors the fake observed.
func (s *Server) Violations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.violations...)
}

// OpenDocuments returns how many documents are open across live connections.
func (s *Server) OpenDocuments() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.conns {
		n += len(c.open)
	}
	return n
}

// Crash drops every live connection as if the process died.
func (s *Server) Crash() {
	s.mu.Lock()
	conns := append([]*conn(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

// =============================================================================
// CONNECTION
// =============================================================================

type conn struct {
	srv *Server
	n   int

	clientIn  *io.PipeWriter // client writes requests here
	serverIn  *io.PipeReader
	clientOut *io.PipeReader // client reads responses here
	serverOut *io.PipeWriter

	outbox    chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// open is guarded by srv.mu.
	open map[string]bool
}

func newConn(srv *Server, n int) *conn {
	serverIn, clientIn := io.Pipe()
	clientOut, serverOut := io.Pipe()
	return &conn{
		srv:       srv,
		n:         n,
		clientIn:  clientIn,
		serverIn:  serverIn,
		clientOut: clientOut,
		serverOut: serverOut,
		outbox:    make(chan []byte, 256),
		done:      make(chan struct{}),
		open:      make(map[string]bool),
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.serverIn.Close()
		_ = c.serverOut.Close()
	})
}

// writeLoop decouples replies from the read side so neither end blocks
// the other on the synchronous pipes.
func (c *conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case body := <-c.outbox:
			if err := lsp.WriteFrame(c.serverOut, body); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *conn) send(v any) {
	body, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.outbox <- body:
	case <-c.done:
	}
}

type wireMessage struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *conn) serve() {
	defer c.close()
	reader := bufio.NewReader(c.serverIn)

	for {
		body, err := lsp.ReadFrame(reader)
		if err != nil {
			return
		}

		var msg wireMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			continue
		}

		if msg.Method == "" {
			c.srv.mu.Lock()
			c.srv.replies = append(c.srv.replies, msg.Result)
			c.srv.mu.Unlock()
			continue
		}

		isRequest := len(msg.ID) > 0
		c.srv.mu.Lock()
		c.srv.messages = append(c.srv.messages, Message{
			Method:  msg.Method,
			Params:  msg.Params,
			Request: isRequest,
			Conn:    c.n,
		})
		c.srv.mu.Unlock()

		if !isRequest {
			if c.notification(msg) {
				return
			}
			continue
		}
		c.request(msg)
	}
}

// notification handles a client notification. It reports true on exit.
func (c *conn) notification(msg wireMessage) bool {
	switch msg.Method {
	case "exit":
		return true
	case "initialized":
		if c.srv.SendIndexing {
			token := "rustAnalyzer/Indexing"
			c.send(map[string]any{"jsonrpc": "2.0", "id": "srv-1", "method": "window/workDoneProgress/create",
				"params": map[string]any{"token": token}})
			c.send(map[string]any{"jsonrpc": "2.0", "method": "$/progress",
				"params": map[string]any{"token": token, "value": map[string]any{"kind": "begin", "title": "Indexing"}}})
			c.send(map[string]any{"jsonrpc": "2.0", "method": "$/progress",
				"params": map[string]any{"token": token, "value": map[string]any{"kind": "end"}}})
		}
	case "textDocument/didOpen":
		var p struct {
			TextDocument struct {
				URI string `json:"uri"`
			} `json:"textDocument"`
		}
		_ = json.Unmarshal(msg.Params, &p)
		c.srv.mu.Lock()
		if c.open[p.TextDocument.URI] {
			c.srv.violations = append(c.srv.violations, "double open: "+p.TextDocument.URI)
		}
		c.open[p.TextDocument.URI] = true
		c.srv.mu.Unlock()
	case "textDocument/didClose":
		var p struct {
			TextDocument struct {
				URI string `json:"uri"`
			} `json:"textDocument"`
		}
		_ = json.Unmarshal(msg.Params, &p)
		c.srv.mu.Lock()
		if !c.open[p.TextDocument.URI] {
			c.srv.violations = append(c.srv.violations, "close of unopened: "+p.TextDocument.URI)
		}
		delete(c.open, p.TextDocument.URI)
		c.srv.mu.Unlock()
	}
	return false
}

func (c *conn) request(msg wireMessage) {
	reply := map[string]any{"jsonrpc": "2.0", "id": msg.ID}

	switch msg.Method {
	case "initialize":
		if c.srv.HangInitialize {
			return
		}
		if c.srv.FailInitialize {
			reply["error"] = wireError{Code: -32603, Message: "initialize failed"}
			c.send(reply)
			return
		}
		reply["result"] = map[string]any{
			"capabilities": map[string]any{
				"hoverProvider":           true,
				"definitionProvider":      true,
				"implementationProvider":  true,
				"referencesProvider":      true,
				"workspaceSymbolProvider": true,
			},
			"serverInfo": map[string]any{"name": "fake-rust-analyzer"},
		}
		c.send(reply)
		return
	case "shutdown":
		reply["result"] = nil
		c.send(reply)
		return
	}

	if c.srv.RequireOpen {
		var p struct {
			TextDocument *struct {
				URI string `json:"uri"`
			} `json:"textDocument"`
		}
		if json.Unmarshal(msg.Params, &p) == nil && p.TextDocument != nil {
			c.srv.mu.Lock()
			open := c.open[p.TextDocument.URI]
			if !open {
				c.srv.violations = append(c.srv.violations, fmt.Sprintf("%s on unopened %s", msg.Method, p.TextDocument.URI))
			}
			c.srv.mu.Unlock()
			if !open {
				reply["error"] = wireError{Code: -32602, Message: "document not open"}
				c.send(reply)
				return
			}
		}
	}

	c.srv.mu.Lock()
	h := c.srv.handlers[msg.Method]
	c.srv.mu.Unlock()

	if h == nil {
		reply["result"] = nil
		c.send(reply)
		return
	}

	result, err := h(msg.Params)
	if err != nil {
		var lspErr *lsp.LSPError
		if errors.As(err, &lspErr) {
			reply["error"] = wireError{Code: lspErr.Code, Message: lspErr.Message}
		} else {
			reply["error"] = wireError{Code: -32603, Message: err.Error()}
		}
		c.send(reply)
		return
	}
	reply["result"] = result
	c.send(reply)
}
