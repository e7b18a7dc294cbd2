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
	"os"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/AleutianAI/cargolens/services/cargolens/project"
)

// =============================================================================
// OPERATIONS
// =============================================================================

// Operations translates tool queries into LSP request sequences.
//
// Description:
//
//	Routes each query to its project's session, brackets it with the
//	document lifecycle and reshapes the server's answer. Positions use
//	a 1-based line and a 0-based UTF-16 column, in and out. No
//	operation ever sends an edit.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Operations struct {
	manager *Manager
}

// NewOperations creates an Operations instance.
func NewOperations(manager *Manager) *Operations {
	return &Operations{manager: manager}
}

// Manager returns the underlying manager.
func (o *Operations) Manager() *Manager {
	return o.manager
}

// =============================================================================
// RESULT TYPES
// =============================================================================

// Span is a source range in caller coordinates.
type Span struct {
	Path      string `json:"path"`
	StartLine int    `json:"start_line"`
	StartCol  int    `json:"start_col"`
	EndLine   int    `json:"end_line"`
	EndCol    int    `json:"end_col"`
}

// HoverInfo is hover output split into its parts.
type HoverInfo struct {
	// Signature is the item's declaration.
	Signature string `json:"signature,omitempty"`

	// Container is the enclosing module or type path, when shown.
	Container string `json:"container,omitempty"`

	// Documentation is the doc comment rendered as markdown.
	Documentation string `json:"documentation,omitempty"`

	// Markdown is the full hover text as the server sent it.
	Markdown string `json:"markdown"`

	// Span is the range the hover applies to, when the server sent one.
	Span *Span `json:"span,omitempty"`
}

// Reference is one use site of a symbol.
type Reference struct {
	Path    string `json:"path"`
	Line    int    `json:"line"`
	Col     int    `json:"col"`
	Preview string `json:"preview"`
}

// Implementation is a definition site with its whole file.
type Implementation struct {
	Path    string `json:"path"`
	Line    int    `json:"line"`
	Content string `json:"content"`
}

// SymbolMatch is the symbol picked by FindSymbolByName.
type SymbolMatch struct {
	Name      string     `json:"name"`
	Kind      string     `json:"kind"`
	Container string     `json:"container,omitempty"`
	Path      string     `json:"path"`
	Line      int        `json:"line"`
	Col       int        `json:"col"`
	Hover     *HoverInfo `json:"hover,omitempty"`
}

// =============================================================================
// RETRY CONFIGURATION
// =============================================================================

const (
	// maxRetries is the maximum number of retry attempts for transient failures.
	maxRetries = 1

	// retryDelay is the delay between retry attempts.
	retryDelay = 100 * time.Millisecond
)

// isRetryableError returns true if the error is transient and worth retrying.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrServerCrashed) || errors.Is(err, ErrServerNotRunning) || errors.Is(err, ErrSessionClosed) {
		return true
	}
	var lspErr *LSPError
	if errors.As(err, &lspErr) {
		return lspErr.IsServerError() || lspErr.IsContentModified()
	}
	return false
}

// =============================================================================
// HOVER
// =============================================================================

// Hover returns the signature and documentation at a position.
//
// Description:
//
//	Opens the document, sends textDocument/hover and splits the
//	markdown into container, signature and documentation.
//
// Inputs:
//
//	ctx - Context for cancellation and timeout
//	path - Absolute path to a file inside a configured project
//	line - 1-indexed line number
//	col - 0-indexed UTF-16 column
//
// Outputs:
//
//	*HoverInfo - The parsed hover
//	error - ErrNotFound when the server has nothing to show
//
// Example:
//
//	info, err := ops.Hover(ctx, "/work/app/src/lib.rs", 10, 4)
//	if errors.Is(err, lsp.ErrNotFound) {
//	    return nil
//	}
//	fmt.Println(info.Signature)
func (o *Operations) Hover(ctx context.Context, path string, line, col int) (*HoverInfo, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}
	if err := validatePosition(line, col); err != nil {
		return nil, err
	}

	ctx, span := startOperationSpan(ctx, "Hover", path)
	defer span.End()
	start := time.Now()

	var info *HoverInfo
	err := o.run(ctx, path, func(ctx context.Context, s *Session, abs string) error {
		var err error
		info, err = hoverInSession(ctx, s, abs, line, col)
		return err
	})

	count := 0
	if info != nil {
		count = 1
	}
	setOperationSpanResult(span, count, err)
	recordOperationMetrics(ctx, "hover", time.Since(start), count, err == nil)
	if err != nil {
		return nil, err
	}
	return info, nil
}

// hoverInSession runs hover inside the current job.
func hoverInSession(ctx context.Context, s *Session, path string, line, col int) (*HoverInfo, error) {
	var info *HoverInfo
	err := s.WithOpenDocument(ctx, path, func(ctx context.Context) error {
		params := TextDocumentPositionParams{
			TextDocument: TextDocumentIdentifier{URI: pathToURI(path)},
			Position:     Position{Line: line - 1, Character: col},
		}
		resp, err := s.Request(ctx, "textDocument/hover", params)
		if err != nil {
			return fmt.Errorf("hover request: %w", err)
		}
		if len(resp.Result) == 0 || string(resp.Result) == "null" {
			return fmt.Errorf("%w: no hover at %s:%d:%d", ErrNotFound, path, line, col)
		}

		var result HoverResult
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return fmt.Errorf("%w: hover: %w", ErrInvalidResponse, err)
		}
		markdown := strings.TrimSpace(result.Contents.Value)
		if markdown == "" {
			return fmt.Errorf("%w: empty hover at %s:%d:%d", ErrNotFound, path, line, col)
		}

		info = parseHoverMarkdown(markdown)
		if result.Range != nil {
			info.Span = toSpan(path, *result.Range)
		}
		return nil
	})
	return info, err
}

// parseHoverMarkdown splits rust-analyzer hover markdown.
//
// Fenced blocks before the first "---" rule are declarations: the last
// is the signature and, with two or more, the first is the container.
// Text after the rule is documentation.
func parseHoverMarkdown(markdown string) *HoverInfo {
	info := &HoverInfo{Markdown: markdown}

	lines := strings.Split(markdown, "\n")
	var blocks []string
	var current []string
	var prose []string
	inFence := false
	rule := -1

	for i, l := range lines {
		trimmed := strings.TrimSpace(l)
		if strings.HasPrefix(trimmed, "```") {
			if inFence {
				blocks = append(blocks, strings.Join(current, "\n"))
				current = nil
			}
			inFence = !inFence
			continue
		}
		if inFence {
			current = append(current, l)
			continue
		}
		if trimmed == "---" {
			rule = i
			break
		}
		if trimmed != "" {
			prose = append(prose, l)
		}
	}

	switch len(blocks) {
	case 0:
	case 1:
		info.Signature = strings.TrimSpace(blocks[0])
	default:
		info.Container = strings.TrimSpace(blocks[0])
		info.Signature = strings.TrimSpace(blocks[len(blocks)-1])
	}

	var docs []string
	if len(blocks) == 0 && len(prose) > 0 {
		docs = append(docs, strings.Join(prose, "\n"))
	}
	if rule >= 0 {
		docs = append(docs, strings.Join(lines[rule+1:], "\n"))
	}
	info.Documentation = strings.TrimSpace(strings.Join(docs, "\n\n"))
	return info
}

// =============================================================================
// REFERENCES
// =============================================================================

// References returns every use of the symbol at a position.
//
// Description:
//
//	Sends textDocument/references with includeDeclaration=true and
//	attaches the trimmed source line of each location, read from disk.
//	Results keep the server's order.
//
// Errors:
//
//	ErrNotFound - The server returned no locations
func (o *Operations) References(ctx context.Context, path string, line, col int) ([]Reference, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}
	if err := validatePosition(line, col); err != nil {
		return nil, err
	}

	ctx, span := startOperationSpan(ctx, "References", path)
	defer span.End()
	start := time.Now()

	var refs []Reference
	err := o.run(ctx, path, func(ctx context.Context, s *Session, abs string) error {
		return s.WithOpenDocument(ctx, abs, func(ctx context.Context) error {
			params := ReferenceParams{
				TextDocumentPositionParams: TextDocumentPositionParams{
					TextDocument: TextDocumentIdentifier{URI: pathToURI(abs)},
					Position:     Position{Line: line - 1, Character: col},
				},
				Context: ReferenceContext{IncludeDeclaration: true},
			}
			resp, err := s.Request(ctx, "textDocument/references", params)
			if err != nil {
				return fmt.Errorf("references request: %w", err)
			}
			locations, err := parseLocationResponse(resp.Result)
			if err != nil {
				return err
			}

			files := newLineCache()
			refs = make([]Reference, 0, len(locations))
			for _, loc := range locations {
				p := uriToPath(loc.URI)
				refs = append(refs, Reference{
					Path:    p,
					Line:    loc.Range.Start.Line + 1,
					Col:     loc.Range.Start.Character,
					Preview: strings.TrimSpace(files.line(p, loc.Range.Start.Line)),
				})
			}
			return nil
		})
	})
	if err == nil && len(refs) == 0 {
		err = fmt.Errorf("%w: no references at %s:%d:%d", ErrNotFound, path, line, col)
	}

	setOperationSpanResult(span, len(refs), err)
	recordOperationMetrics(ctx, "references", time.Since(start), len(refs), err == nil)
	if err != nil {
		return nil, err
	}
	return refs, nil
}

// =============================================================================
// IMPLEMENTATION
// =============================================================================

// Implementation returns the defining files of the symbol at a position.
//
// Description:
//
//	Sends textDocument/definition, falling back to
//	textDocument/implementation when that is empty. Each distinct
//	target file is returned in full as read from disk, in server
//	order.
//
// Errors:
//
//	ErrNotFound - Neither request produced a location
func (o *Operations) Implementation(ctx context.Context, path string, line, col int) ([]Implementation, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}
	if err := validatePosition(line, col); err != nil {
		return nil, err
	}

	ctx, span := startOperationSpan(ctx, "Implementation", path)
	defer span.End()
	start := time.Now()

	var impls []Implementation
	err := o.run(ctx, path, func(ctx context.Context, s *Session, abs string) error {
		return s.WithOpenDocument(ctx, abs, func(ctx context.Context) error {
			params := TextDocumentPositionParams{
				TextDocument: TextDocumentIdentifier{URI: pathToURI(abs)},
				Position:     Position{Line: line - 1, Character: col},
			}

			locations, err := locationsFor(ctx, s, "textDocument/definition", params)
			if err != nil {
				return err
			}
			if len(locations) == 0 {
				locations, err = locationsFor(ctx, s, "textDocument/implementation", params)
				if err != nil {
					return err
				}
			}

			impls = nil
			seen := make(map[string]bool)
			for _, loc := range locations {
				p := uriToPath(loc.URI)
				if seen[p] {
					continue
				}
				seen[p] = true

				content, err := os.ReadFile(p)
				if err != nil {
					return fmt.Errorf("read %s: %w", p, err)
				}
				impls = append(impls, Implementation{
					Path:    p,
					Line:    loc.Range.Start.Line + 1,
					Content: string(content),
				})
			}
			return nil
		})
	})
	if err == nil && len(impls) == 0 {
		err = fmt.Errorf("%w: no implementation at %s:%d:%d", ErrNotFound, path, line, col)
	}

	setOperationSpanResult(span, len(impls), err)
	recordOperationMetrics(ctx, "implementation", time.Since(start), len(impls), err == nil)
	if err != nil {
		return nil, err
	}
	return impls, nil
}

// locationsFor sends a location-returning request. An unsupported
// method yields no locations.
func locationsFor(ctx context.Context, s *Session, method string, params interface{}) ([]Location, error) {
	resp, err := s.Request(ctx, method, params)
	if err != nil {
		var lspErr *LSPError
		if errors.As(err, &lspErr) && lspErr.IsMethodNotFound() {
			return nil, nil
		}
		return nil, fmt.Errorf("%s request: %w", method, err)
	}
	return parseLocationResponse(resp.Result)
}

// =============================================================================
// FIND SYMBOL BY NAME
// =============================================================================

// FindSymbolByName finds a workspace symbol and hovers it.
//
// Description:
//
//	Sends workspace/symbol, keeps exact and case-insensitive prefix
//	matches, and picks deterministically: shortest path, then
//	lexicographically smallest path, then line, then column. The name
//	is located within its line so the hover, issued in the same job,
//	lands on the identifier.
//
// Errors:
//
//	ErrNotFound - No symbol matches
//	ErrUnknownProject - root is not configured
func (o *Operations) FindSymbolByName(ctx context.Context, root, name string) (*SymbolMatch, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty symbol name", ErrNotFound)
	}

	ctx, span := startOperationSpan(ctx, "FindSymbolByName", root)
	defer span.End()
	start := time.Now()

	var match *SymbolMatch
	err := o.manager.Execute(ctx, root, func(ctx context.Context, s *Session) error {
		match = nil
		resp, err := s.Request(ctx, "workspace/symbol", WorkspaceSymbolParams{Query: name})
		if err != nil {
			return fmt.Errorf("workspace/symbol request: %w", err)
		}

		var symbols []SymbolInformation
		if len(resp.Result) > 0 && string(resp.Result) != "null" {
			if err := json.Unmarshal(resp.Result, &symbols); err != nil {
				return fmt.Errorf("%w: workspace/symbol: %w", ErrInvalidResponse, err)
			}
		}

		best, ok := pickSymbol(symbols, name)
		if !ok {
			return fmt.Errorf("%w: no symbol named %q", ErrNotFound, name)
		}

		p := uriToPath(best.Location.URI)
		line := best.Location.Range.Start.Line
		col := best.Location.Range.Start.Character
		if text := newLineCache().line(p, line); text != "" {
			if idx, ok := findIdent(text, best.Name, byteOffset(text, col)); ok {
				col = utf16Len(text[:idx])
			}
		}

		match = &SymbolMatch{
			Name:      best.Name,
			Kind:      best.Kind.String(),
			Container: best.ContainerName,
			Path:      p,
			Line:      line + 1,
			Col:       col,
		}

		hover, err := hoverInSession(ctx, s, p, line+1, col)
		switch {
		case err == nil:
			match.Hover = hover
		case errors.Is(err, ErrNotFound):
		default:
			return err
		}
		return nil
	})

	count := 0
	if match != nil && err == nil {
		count = 1
	}
	setOperationSpanResult(span, count, err)
	recordOperationMetrics(ctx, "find_symbol", time.Since(start), count, err == nil)
	if err != nil {
		return nil, err
	}
	return match, nil
}

// pickSymbol filters by name and applies the deterministic ordering.
func pickSymbol(symbols []SymbolInformation, name string) (SymbolInformation, bool) {
	lower := strings.ToLower(name)
	candidates := make([]SymbolInformation, 0, len(symbols))
	for _, sym := range symbols {
		if sym.Name == name || strings.HasPrefix(strings.ToLower(sym.Name), lower) {
			candidates = append(candidates, sym)
		}
	}
	if len(candidates) == 0 {
		return SymbolInformation{}, false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		pa, pb := uriToPath(a.Location.URI), uriToPath(b.Location.URI)
		if len(pa) != len(pb) {
			return len(pa) < len(pb)
		}
		if pa != pb {
			return pa < pb
		}
		if a.Location.Range.Start.Line != b.Location.Range.Start.Line {
			return a.Location.Range.Start.Line < b.Location.Range.Start.Line
		}
		return a.Location.Range.Start.Character < b.Location.Range.Start.Character
	})
	return candidates[0], true
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// run resolves path to its project and executes fn as one session job.
func (o *Operations) run(ctx context.Context, path string, fn func(ctx context.Context, s *Session, abs string) error) error {
	proj, abs, err := o.ResolvePath(path)
	if err != nil {
		return err
	}
	return o.manager.Execute(ctx, proj.Root, func(ctx context.Context, s *Session) error {
		return fn(ctx, s, abs)
	})
}

// validatePosition checks caller coordinates.
func validatePosition(line, col int) error {
	if line < 1 || col < 0 {
		return fmt.Errorf("%w: line %d col %d", ErrInvalidPosition, line, col)
	}
	return nil
}

// toSpan converts an LSP range to caller coordinates.
func toSpan(path string, r Range) *Span {
	return &Span{
		Path:      path,
		StartLine: r.Start.Line + 1,
		StartCol:  r.Start.Character,
		EndLine:   r.End.Line + 1,
		EndCol:    r.End.Character,
	}
}

// utf16Len returns the length of s in UTF-16 code units.
func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}

// byteOffset converts a UTF-16 column within s to a byte offset,
// clamped to len(s).
func byteOffset(s string, col int) int {
	n := 0
	for i, r := range s {
		if n >= col {
			return i
		}
		n += utf16.RuneLen(r)
	}
	return len(s)
}

// findIdent returns the byte index of the first occurrence of name at
// or after from that is bounded by non-identifier characters.
func findIdent(text, name string, from int) (int, bool) {
	if name == "" {
		return 0, false
	}
	for from <= len(text) {
		i := strings.Index(text[from:], name)
		if i < 0 {
			return 0, false
		}
		start := from + i
		end := start + len(name)
		before, _ := utf8.DecodeLastRuneInString(text[:start])
		after, _ := utf8.DecodeRuneInString(text[end:])
		if (start == 0 || !isIdentRune(before)) && (end == len(text) || !isIdentRune(after)) {
			return start, true
		}
		from = start + 1
	}
	return 0, false
}

func isIdentRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// lineCache reads each file at most once per operation.
type lineCache struct {
	files map[string][]string
}

func newLineCache() *lineCache {
	return &lineCache{files: make(map[string][]string)}
}

// line returns the 0-indexed line of path, or "" when unavailable.
func (c *lineCache) line(path string, n int) string {
	lines, ok := c.files[path]
	if !ok {
		data, err := os.ReadFile(path)
		if err == nil {
			lines = strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
		}
		c.files[path] = lines
	}
	if n < 0 || n >= len(lines) {
		return ""
	}
	return lines[n]
}

// parseLocationResponse parses a location or array of locations response.
func parseLocationResponse(data json.RawMessage) ([]Location, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}

	if data[0] == '[' {
		// LocationLinks carry targetUri.
		var links []LocationLink
		if err := json.Unmarshal(data, &links); err == nil && len(links) > 0 && links[0].TargetURI != "" {
			locations := make([]Location, len(links))
			for i, link := range links {
				locations[i] = Location{
					URI:   link.TargetURI,
					Range: link.TargetSelectionRange,
				}
			}
			return locations, nil
		}

		var locations []Location
		if err := json.Unmarshal(data, &locations); err == nil {
			return locations, nil
		}
	}

	var single Location
	if err := json.Unmarshal(data, &single); err == nil && single.URI != "" {
		return []Location{single}, nil
	}

	var link LocationLink
	if err := json.Unmarshal(data, &link); err == nil && link.TargetURI != "" {
		return []Location{{URI: link.TargetURI, Range: link.TargetSelectionRange}}, nil
	}

	return nil, ErrInvalidResponse
}

// ResolvePath maps a caller path to an absolute path inside its project.
func (o *Operations) ResolvePath(path string) (project.Project, string, error) {
	proj, err := o.manager.ResolveProject(path)
	if err != nil {
		return project.Project{}, "", err
	}
	abs, err := proj.Abs(path)
	if err != nil {
		return project.Project{}, "", err
	}
	return proj, abs, nil
}
