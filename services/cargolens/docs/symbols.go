// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package docs

import (
	"path"
	"sort"
	"strings"
)

// itemKinds are the rustdoc page prefixes that name a symbol.
var itemKinds = map[string]bool{
	"struct":      true,
	"enum":        true,
	"trait":       true,
	"traitalias":  true,
	"fn":          true,
	"macro":       true,
	"attr":        true,
	"derive":      true,
	"type":        true,
	"constant":    true,
	"static":      true,
	"union":       true,
	"primitive":   true,
	"keyword":     true,
	"foreigntype": true,
}

// SymbolForPage maps a page path relative to the doc directory to the
// symbol it documents.
//
// Description:
//
//	"serde/de/trait.Deserialize.html" is "serde::de::Deserialize",
//	"serde/de/index.html" is "serde::de" and the crate root
//	"serde/index.html" is the overview, returned as "". Pages that do
//	not document an item (all.html, help pages, source listings) report
//	ok=false.
//
// Inputs:
//
//	rel - Slash-separated path, the first segment being the crate dir.
//
// Outputs:
//
//	string - The symbol path, "" for the crate overview.
//	bool - False when the page names no symbol.
func SymbolForPage(rel string) (string, bool) {
	rel = strings.TrimPrefix(path.Clean("/"+rel), "/")
	dir, file := path.Split(rel)
	dir = strings.Trim(dir, "/")
	if dir == "" || !strings.HasSuffix(file, ".html") {
		return "", false
	}

	modules := strings.Split(dir, "/")
	for _, m := range modules {
		if !isIdent(m) {
			return "", false
		}
	}

	if file == "index.html" {
		if len(modules) == 1 {
			return "", true
		}
		return strings.Join(modules, "::"), true
	}

	kind, name, ok := strings.Cut(strings.TrimSuffix(file, ".html"), ".")
	if !ok || !itemKinds[kind] || !isIdent(name) {
		return "", false
	}
	return strings.Join(append(modules, name), "::"), true
}

// isIdent reports whether s looks like a Rust identifier.
func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// ResolveSymbol picks the stored symbol a query refers to.
//
// Description:
//
//	An empty query is the overview. An exact match wins; otherwise
//	the shortest symbol ending in "::"+query, ties broken
//	lexicographically.
//
// Outputs:
//
//	string - The stored symbol.
//	bool - False when nothing matches.
func ResolveSymbol(symbols []string, query string) (string, bool) {
	query = strings.Trim(strings.TrimSpace(query), ":")

	if query == "" {
		for _, s := range symbols {
			if s == "" {
				return "", true
			}
		}
		return "", false
	}

	var candidates []string
	for _, s := range symbols {
		if s == query {
			return s, true
		}
		if strings.HasSuffix(s, "::"+query) {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}

	sort.Slice(candidates, func(i, j int) bool {
		if len(candidates[i]) != len(candidates[j]) {
			return len(candidates[i]) < len(candidates[j])
		}
		return candidates[i] < candidates[j]
	})
	return candidates[0], true
}

// lastSegment returns the final "::" component of a symbol path.
func lastSegment(symbol string) string {
	if i := strings.LastIndex(symbol, "::"); i >= 0 {
		return symbol[i+2:]
	}
	return symbol
}
