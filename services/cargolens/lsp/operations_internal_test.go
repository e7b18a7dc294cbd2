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
	"encoding/json"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHoverMarkdown(t *testing.T) {
	tests := []struct {
		name      string
		markdown  string
		container string
		signature string
		docs      string
	}{
		{
			name:      "container signature and docs",
			markdown:  "```rust\nserde::de\n```\n\n```rust\npub trait Deserialize<'de>: Sized\n```\n\n---\n\nA data structure that can be deserialized.\n\n```rust\nlet x = 1;\n```",
			container: "serde::de",
			signature: "pub trait Deserialize<'de>: Sized",
			docs:      "A data structure that can be deserialized.\n\n```rust\nlet x = 1;\n```",
		},
		{
			name:      "signature only",
			markdown:  "```rust\nlet x: i32\n```",
			signature: "let x: i32",
		},
		{
			name:      "three blocks take first and last",
			markdown:  "```rust\napp\n```\n```rust\nimpl Foo\n```\n```rust\nfn bar(&self)\n```\n---\ndocs",
			container: "app",
			signature: "fn bar(&self)",
			docs:      "docs",
		},
		{
			name:     "plain text",
			markdown: "just words",
			docs:     "just words",
		},
		{
			name:      "rule inside code block is not a separator",
			markdown:  "```rust\nconst S: &str = \"\n---\n\"\n```",
			signature: "const S: &str = \"\n---\n\"",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := parseHoverMarkdown(tt.markdown)
			assert.Equal(t, tt.container, info.Container)
			assert.Equal(t, tt.signature, info.Signature)
			assert.Equal(t, tt.docs, info.Documentation)
			assert.Equal(t, tt.markdown, info.Markdown)
		})
	}
}

func symbolAt(name, path string, line, col int) SymbolInformation {
	return SymbolInformation{
		Name: name,
		Kind: SymbolKindStruct,
		Location: Location{
			URI:   pathToURI(path),
			Range: Range{Start: Position{Line: line, Character: col}},
		},
	}
}

func TestPickSymbol(t *testing.T) {
	t.Run("filters by prefix ignoring case", func(t *testing.T) {
		_, ok := pickSymbol([]SymbolInformation{symbolAt("Other", "/p/a.rs", 0, 0)}, "Config")
		assert.False(t, ok)

		got, ok := pickSymbol([]SymbolInformation{
			symbolAt("Other", "/p/a.rs", 0, 0),
			symbolAt("configure", "/p/b.rs", 0, 0),
		}, "Config")
		require.True(t, ok)
		assert.Equal(t, "configure", got.Name)
	})

	t.Run("shortest path then lexicographic then position", func(t *testing.T) {
		symbols := []SymbolInformation{
			symbolAt("Config", "/p/src/long/config.rs", 1, 0),
			symbolAt("Config", "/p/src/b.rs", 9, 4),
			symbolAt("Config", "/p/src/a.rs", 9, 4),
			symbolAt("Config", "/p/src/a.rs", 3, 8),
			symbolAt("Config", "/p/src/a.rs", 3, 2),
		}
		got, ok := pickSymbol(symbols, "Config")
		require.True(t, ok)
		assert.Equal(t, "/p/src/a.rs", uriToPath(got.Location.URI))
		assert.Equal(t, 3, got.Location.Range.Start.Line)
		assert.Equal(t, 2, got.Location.Range.Start.Character)
	})

	t.Run("independent of input order", func(t *testing.T) {
		symbols := []SymbolInformation{
			symbolAt("Parser", "/p/src/parse.rs", 10, 0),
			symbolAt("ParserState", "/p/src/x.rs", 1, 0),
			symbolAt("parser", "/p/src/lib.rs", 5, 4),
			symbolAt("Parser", "/p/src/lib.rs", 5, 0),
			symbolAt("Parser", "/p/tests/parse.rs", 0, 0),
		}
		want, ok := pickSymbol(symbols, "parser")
		require.True(t, ok)

		rng := rand.New(rand.NewSource(1))
		for i := 0; i < 50; i++ {
			shuffled := append([]SymbolInformation(nil), symbols...)
			rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
			got, ok := pickSymbol(shuffled, "parser")
			require.True(t, ok)
			assert.Equal(t, want.Location, got.Location)
		}
	})
}

func TestUTF16Len(t *testing.T) {
	assert.Equal(t, 0, utf16Len(""))
	assert.Equal(t, 4, utf16Len("abcd"))
	assert.Equal(t, 2, utf16Len("é!"))
	assert.Equal(t, 3, utf16Len("🦀x"))
}

func TestParseLocationResponse(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []Location
	}{
		{"null", `null`, nil},
		{"empty array", `[]`, []Location{}},
		{
			name: "single location",
			raw:  `{"uri":"file:///a.rs","range":{"start":{"line":1,"character":2},"end":{"line":1,"character":5}}}`,
			want: []Location{{URI: "file:///a.rs", Range: Range{Start: Position{1, 2}, End: Position{1, 5}}}},
		},
		{
			name: "location links use selection range",
			raw: `[{"targetUri":"file:///b.rs","targetRange":{"start":{"line":0,"character":0},"end":{"line":9,"character":1}},` +
				`"targetSelectionRange":{"start":{"line":3,"character":4},"end":{"line":3,"character":7}}}]`,
			want: []Location{{URI: "file:///b.rs", Range: Range{Start: Position{3, 4}, End: Position{3, 7}}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseLocationResponse(json.RawMessage(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("garbage", func(t *testing.T) {
		_, err := parseLocationResponse(json.RawMessage(`42`))
		assert.ErrorIs(t, err, ErrInvalidResponse)
	})
}

func TestIsRetryableError(t *testing.T) {
	assert.True(t, isRetryableError(ErrServerCrashed))
	assert.True(t, isRetryableError(ErrSessionClosed))
	assert.True(t, isRetryableError(&LSPError{Code: -32099}))
	assert.True(t, isRetryableError(&LSPError{Code: -32801}))
	assert.False(t, isRetryableError(&LSPError{Code: -32601}))
	assert.False(t, isRetryableError(ErrNotFound))
	assert.False(t, isRetryableError(errors.New("other")))
	assert.False(t, isRetryableError(nil))
}

func TestValidatePosition(t *testing.T) {
	assert.NoError(t, validatePosition(1, 0))
	assert.ErrorIs(t, validatePosition(0, 0), ErrInvalidPosition)
	assert.ErrorIs(t, validatePosition(1, -1), ErrInvalidPosition)
}
