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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHoverContents_Shapes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "markup content",
			raw:  `{"kind":"markdown","value":"` + "```rust\\nfn f()\\n```" + `"}`,
			want: "```rust\nfn f()\n```",
		},
		{
			name: "bare string",
			raw:  `"plain text"`,
			want: "plain text",
		},
		{
			name: "language marked string",
			raw:  `{"language":"rust","value":"struct S"}`,
			want: "```rust\nstruct S\n```",
		},
		{
			name: "list of marked strings",
			raw:  `[{"language":"rust","value":"mod m"},"docs here"]`,
			want: "```rust\nmod m\n```\n\ndocs here",
		},
		{
			name: "null",
			raw:  `null`,
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var h HoverContents
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &h))
			assert.Equal(t, tt.want, h.Value)
		})
	}
}

func TestServerCapabilities_Providers(t *testing.T) {
	var caps ServerCapabilities
	raw := `{"hoverProvider":true,"definitionProvider":{"workDoneProgress":true},"referencesProvider":false}`
	require.NoError(t, json.Unmarshal([]byte(raw), &caps))

	assert.True(t, caps.HasHoverProvider())
	assert.True(t, caps.HasDefinitionProvider())
	assert.False(t, caps.HasReferencesProvider())
	assert.False(t, caps.HasImplementationProvider())
}

func TestSymbolKind_String(t *testing.T) {
	assert.Equal(t, "struct", SymbolKindStruct.String())
	assert.Equal(t, "trait", SymbolKindInterface.String())
	assert.Equal(t, "function", SymbolKindFunction.String())
	assert.Equal(t, "unknown", SymbolKind(99).String())
}

func TestProgressParams_TokenString(t *testing.T) {
	var p ProgressParams
	require.NoError(t, json.Unmarshal([]byte(`{"token":"rustAnalyzer/Indexing","value":{"kind":"begin"}}`), &p))
	assert.Equal(t, "rustAnalyzer/Indexing", p.TokenString())

	require.NoError(t, json.Unmarshal([]byte(`{"token":12,"value":{"kind":"end"}}`), &p))
	assert.Equal(t, "12", p.TokenString())
}

func TestURIRoundTrip(t *testing.T) {
	path := "/work/my project/src/läb.rs"
	uri := pathToURI(path)
	assert.Equal(t, "file:///work/my%20project/src/l%C3%A4b.rs", uri)
	assert.Equal(t, path, uriToPath(uri))
}
