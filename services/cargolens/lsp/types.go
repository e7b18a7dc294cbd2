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
	"strings"
)

// =============================================================================
// BASIC TYPES
// =============================================================================

// Position in a text document (0-indexed line and UTF-16 character).
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Range in a text document.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Location represents a location inside a resource.
type Location struct {
	URI   string `json:"uri"`
	Range Range  `json:"range"`
}

// LocationLink is the richer form some servers return for definitions.
type LocationLink struct {
	OriginSelectionRange *Range `json:"originSelectionRange,omitempty"`
	TargetURI            string `json:"targetUri"`
	TargetRange          Range  `json:"targetRange"`
	TargetSelectionRange Range  `json:"targetSelectionRange"`
}

// TextDocumentIdentifier identifies a text document.
type TextDocumentIdentifier struct {
	URI string `json:"uri"`
}

// TextDocumentItem is a document transferred on didOpen.
type TextDocumentItem struct {
	URI        string `json:"uri"`
	LanguageID string `json:"languageId"`
	Version    int    `json:"version"`
	Text       string `json:"text"`
}

// =============================================================================
// REQUEST PARAMETERS
// =============================================================================

// TextDocumentPositionParams is used by hover, definition and friends.
type TextDocumentPositionParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Position     Position               `json:"position"`
}

// ReferenceParams for textDocument/references.
type ReferenceParams struct {
	TextDocumentPositionParams
	Context ReferenceContext `json:"context"`
}

// ReferenceContext controls whether declarations are included.
type ReferenceContext struct {
	IncludeDeclaration bool `json:"includeDeclaration"`
}

// WorkspaceSymbolParams for workspace/symbol.
type WorkspaceSymbolParams struct {
	Query string `json:"query"`
}

// DidOpenTextDocumentParams for textDocument/didOpen.
type DidOpenTextDocumentParams struct {
	TextDocument TextDocumentItem `json:"textDocument"`
}

// DidCloseTextDocumentParams for textDocument/didClose.
type DidCloseTextDocumentParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

// FileChangeType enumerates watched-file events.
type FileChangeType int

const (
	FileCreated FileChangeType = 1
	FileChanged FileChangeType = 2
	FileDeleted FileChangeType = 3
)

// FileEvent describes one watched-file change.
type FileEvent struct {
	URI  string         `json:"uri"`
	Type FileChangeType `json:"type"`
}

// DidChangeWatchedFilesParams for workspace/didChangeWatchedFiles.
type DidChangeWatchedFilesParams struct {
	Changes []FileEvent `json:"changes"`
}

// ProgressParams for $/progress notifications.
type ProgressParams struct {
	Token json.RawMessage `json:"token"`
	Value struct {
		Kind    string `json:"kind"`
		Title   string `json:"title,omitempty"`
		Message string `json:"message,omitempty"`
	} `json:"value"`
}

// TokenString returns the progress token as a plain string.
func (p ProgressParams) TokenString() string {
	var s string
	if err := json.Unmarshal(p.Token, &s); err == nil {
		return s
	}
	return string(p.Token)
}

// ConfigurationParams for the server-initiated workspace/configuration request.
type ConfigurationParams struct {
	Items []struct {
		Section string `json:"section,omitempty"`
	} `json:"items"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// HoverResult contains hover information.
type HoverResult struct {
	Contents HoverContents `json:"contents"`
	Range    *Range        `json:"range,omitempty"`
}

// MarkupContent represents documentation content.
type MarkupContent struct {
	// Kind is "plaintext" or "markdown".
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

// HoverContents is hover content normalized to markdown.
//
// The wire form may be MarkupContent, a MarkedString (string or
// {language, value}), or a list of MarkedString.
type HoverContents struct {
	Kind  string
	Value string
}

// UnmarshalJSON accepts every hover content shape LSP allows.
func (h *HoverContents) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return nil
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		h.Kind, h.Value = "markdown", s
		return nil
	case '[':
		var parts []json.RawMessage
		if err := json.Unmarshal(data, &parts); err != nil {
			return err
		}
		var blocks []string
		for _, part := range parts {
			var one HoverContents
			if err := one.UnmarshalJSON(part); err != nil {
				return err
			}
			if one.Value != "" {
				blocks = append(blocks, one.Value)
			}
		}
		h.Kind, h.Value = "markdown", strings.Join(blocks, "\n\n")
		return nil
	}

	var obj struct {
		Kind     string `json:"kind"`
		Language string `json:"language"`
		Value    string `json:"value"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	switch {
	case obj.Language != "":
		h.Kind = "markdown"
		h.Value = "```" + obj.Language + "\n" + obj.Value + "\n```"
	case obj.Kind != "":
		h.Kind, h.Value = obj.Kind, obj.Value
	default:
		h.Kind, h.Value = "markdown", obj.Value
	}
	return nil
}

// MarshalJSON emits MarkupContent.
func (h HoverContents) MarshalJSON() ([]byte, error) {
	return json.Marshal(MarkupContent{Kind: h.Kind, Value: h.Value})
}

// SymbolInformation represents information about a symbol.
type SymbolInformation struct {
	Name          string     `json:"name"`
	Kind          SymbolKind `json:"kind"`
	Location      Location   `json:"location"`
	ContainerName string     `json:"containerName,omitempty"`
}

// SymbolKind represents the kind of a symbol.
type SymbolKind int

// Symbol kinds as defined by the LSP specification.
const (
	SymbolKindFile          SymbolKind = 1
	SymbolKindModule        SymbolKind = 2
	SymbolKindNamespace     SymbolKind = 3
	SymbolKindPackage       SymbolKind = 4
	SymbolKindClass         SymbolKind = 5
	SymbolKindMethod        SymbolKind = 6
	SymbolKindProperty      SymbolKind = 7
	SymbolKindField         SymbolKind = 8
	SymbolKindConstructor   SymbolKind = 9
	SymbolKindEnum          SymbolKind = 10
	SymbolKindInterface     SymbolKind = 11
	SymbolKindFunction      SymbolKind = 12
	SymbolKindVariable      SymbolKind = 13
	SymbolKindConstant      SymbolKind = 14
	SymbolKindString        SymbolKind = 15
	SymbolKindNumber        SymbolKind = 16
	SymbolKindBoolean       SymbolKind = 17
	SymbolKindArray         SymbolKind = 18
	SymbolKindObject        SymbolKind = 19
	SymbolKindKey           SymbolKind = 20
	SymbolKindNull          SymbolKind = 21
	SymbolKindEnumMember    SymbolKind = 22
	SymbolKindStruct        SymbolKind = 23
	SymbolKindEvent         SymbolKind = 24
	SymbolKindOperator      SymbolKind = 25
	SymbolKindTypeParameter SymbolKind = 26
)

var symbolKindNames = map[SymbolKind]string{
	SymbolKindFile: "file", SymbolKindModule: "module", SymbolKindNamespace: "namespace",
	SymbolKindPackage: "package", SymbolKindClass: "class", SymbolKindMethod: "method",
	SymbolKindProperty: "property", SymbolKindField: "field", SymbolKindConstructor: "constructor",
	SymbolKindEnum: "enum", SymbolKindInterface: "trait", SymbolKindFunction: "function",
	SymbolKindVariable: "variable", SymbolKindConstant: "constant", SymbolKindString: "string",
	SymbolKindNumber: "number", SymbolKindBoolean: "boolean", SymbolKindArray: "array",
	SymbolKindObject: "object", SymbolKindKey: "key", SymbolKindNull: "null",
	SymbolKindEnumMember: "variant", SymbolKindStruct: "struct", SymbolKindEvent: "event",
	SymbolKindOperator: "operator", SymbolKindTypeParameter: "type_parameter",
}

// String returns the Rust-flavoured kind name (interfaces are traits).
func (k SymbolKind) String() string {
	if name, ok := symbolKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// =============================================================================
// INITIALIZE TYPES
// =============================================================================

// InitializeParams contains initialization parameters.
type InitializeParams struct {
	ProcessID             int                `json:"processId"`
	ClientInfo            *ClientInfo        `json:"clientInfo,omitempty"`
	RootURI               string             `json:"rootUri"`
	RootPath              string             `json:"rootPath,omitempty"`
	InitializationOptions interface{}        `json:"initializationOptions,omitempty"`
	Capabilities          ClientCapabilities `json:"capabilities"`
	WorkspaceFolders      []WorkspaceFolder  `json:"workspaceFolders,omitempty"`
}

// ClientInfo names the client to the server.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// WorkspaceFolder represents a workspace folder.
type WorkspaceFolder struct {
	URI  string `json:"uri"`
	Name string `json:"name"`
}

// ClientCapabilities describes what the client supports.
type ClientCapabilities struct {
	TextDocument TextDocumentClientCapabilities `json:"textDocument,omitempty"`
	Workspace    WorkspaceClientCapabilities    `json:"workspace,omitempty"`
	Window       WindowClientCapabilities       `json:"window,omitempty"`
}

// TextDocumentClientCapabilities describes text document capabilities.
type TextDocumentClientCapabilities struct {
	Synchronization *TextDocumentSyncClientCapabilities `json:"synchronization,omitempty"`
	Definition      *DefinitionCapabilities             `json:"definition,omitempty"`
	Implementation  *DefinitionCapabilities             `json:"implementation,omitempty"`
	References      *ReferencesCapabilities             `json:"references,omitempty"`
	Hover           *HoverCapabilities                  `json:"hover,omitempty"`
}

// TextDocumentSyncClientCapabilities describes sync capabilities.
type TextDocumentSyncClientCapabilities struct {
	DidSave bool `json:"didSave,omitempty"`
}

// WorkspaceClientCapabilities describes workspace capabilities.
type WorkspaceClientCapabilities struct {
	Symbol                  *WorkspaceSymbolClientCapabilities `json:"symbol,omitempty"`
	DidChangeWatchedFiles   *DynamicRegistrationCapabilities   `json:"didChangeWatchedFiles,omitempty"`
	Configuration           bool                               `json:"configuration,omitempty"`
	WorkspaceFoldersSupport bool                               `json:"workspaceFolders,omitempty"`
}

// WindowClientCapabilities advertises progress support.
type WindowClientCapabilities struct {
	WorkDoneProgress bool `json:"workDoneProgress,omitempty"`
}

// DynamicRegistrationCapabilities is shared by several capability blocks.
type DynamicRegistrationCapabilities struct {
	DynamicRegistration bool `json:"dynamicRegistration,omitempty"`
}

// WorkspaceSymbolClientCapabilities describes workspace symbol capabilities.
type WorkspaceSymbolClientCapabilities struct {
	DynamicRegistration bool `json:"dynamicRegistration,omitempty"`
}

// DefinitionCapabilities describes definition/implementation capabilities.
type DefinitionCapabilities struct {
	LinkSupport bool `json:"linkSupport,omitempty"`
}

// ReferencesCapabilities describes references capabilities.
type ReferencesCapabilities struct {
	DynamicRegistration bool `json:"dynamicRegistration,omitempty"`
}

// HoverCapabilities describes hover capabilities.
type HoverCapabilities struct {
	ContentFormat []string `json:"contentFormat,omitempty"`
}

// InitializeResult is the response to initialize.
type InitializeResult struct {
	Capabilities ServerCapabilities `json:"capabilities"`
	ServerInfo   *ServerInfo        `json:"serverInfo,omitempty"`
}

// ServerInfo contains information about the server.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// ServerCapabilities describes what the server supports.
//
// Providers are kept raw: servers send either a bool or an options object.
type ServerCapabilities struct {
	HoverProvider           json.RawMessage `json:"hoverProvider,omitempty"`
	DefinitionProvider      json.RawMessage `json:"definitionProvider,omitempty"`
	ImplementationProvider  json.RawMessage `json:"implementationProvider,omitempty"`
	ReferencesProvider      json.RawMessage `json:"referencesProvider,omitempty"`
	WorkspaceSymbolProvider json.RawMessage `json:"workspaceSymbolProvider,omitempty"`
}

// providerEnabled is true for `true` or any options object.
func providerEnabled(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s != "" && s != "false" && s != "null"
}

// HasHoverProvider reports hover support.
func (c *ServerCapabilities) HasHoverProvider() bool { return providerEnabled(c.HoverProvider) }

// HasDefinitionProvider reports go-to-definition support.
func (c *ServerCapabilities) HasDefinitionProvider() bool {
	return providerEnabled(c.DefinitionProvider)
}

// HasImplementationProvider reports go-to-implementation support.
func (c *ServerCapabilities) HasImplementationProvider() bool {
	return providerEnabled(c.ImplementationProvider)
}

// HasReferencesProvider reports find-references support.
func (c *ServerCapabilities) HasReferencesProvider() bool {
	return providerEnabled(c.ReferencesProvider)
}

// HasWorkspaceSymbolProvider reports workspace/symbol support.
func (c *ServerCapabilities) HasWorkspaceSymbolProvider() bool {
	return providerEnabled(c.WorkspaceSymbolProvider)
}
