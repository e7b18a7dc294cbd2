// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lsp drives one rust-analyzer process per configured project.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────────────┐
//	│                        Operations                                │
//	│   Hover / References / Implementation / FindSymbolByName         │
//	└───────────────────────────────┬──────────────────────────────────┘
//	                                │ resolve project, route
//	┌───────────────────────────────▼──────────────────────────────────┐
//	│                          Manager                                 │
//	│   one Session per project root (singleflight creation)           │
//	└───────────────────────────────┬──────────────────────────────────┘
//	                                │ FIFO job queue
//	┌───────────────────────────────▼──────────────────────────────────┐
//	│  Session = Server (process + Protocol) + DocumentTracker         │
//	│            + optional Watcher                                    │
//	└──────────────────────────────────────────────────────────────────┘
//
// # Components
//
//   - Protocol: Content-Length framed JSON-RPC over the process stdio
//   - Server: process lifecycle, initialize handshake, orderly shutdown
//   - DocumentTracker: didOpen/didClose bracketing for queries
//   - Session: serializes all traffic for one project
//   - Manager: session ownership, routing, health and teardown
//   - Operations: turns tool queries into LSP request sequences
//   - Watcher: forwards file changes as didChangeWatchedFiles
//
// # Thread Safety
//
// Manager and Operations are safe for concurrent use. Work for one
// project is serialized; different projects proceed in parallel.
//
// # Example
//
//	mgr := lsp.NewManager(store, lsp.DefaultManagerConfig())
//	defer mgr.ShutdownAll(context.Background())
//
//	ops := lsp.NewOperations(mgr)
//	info, err := ops.Hover(ctx, "/work/app/src/lib.rs", 10, 4)
package lsp
