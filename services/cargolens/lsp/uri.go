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
	"net/url"
	"path/filepath"
	"strings"
)

// pathToURI converts an absolute file path to a file:// URI.
//
// Spaces, unicode and reserved characters are percent-encoded.
func pathToURI(path string) string {
	if !filepath.IsAbs(path) {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}
	u := &url.URL{
		Scheme: "file",
		Path:   filepath.ToSlash(path),
	}
	return u.String()
}

// uriToPath converts a file:// URI to an absolute file path.
func uriToPath(uri string) string {
	if u, err := url.Parse(uri); err == nil && u.Scheme == "file" {
		return filepath.FromSlash(u.Path)
	}
	return strings.TrimPrefix(uri, "file://")
}

// PathToURI is the exported form of pathToURI for callers building
// notifications outside this package.
func PathToURI(path string) string { return pathToURI(path) }

// URIToPath is the exported form of uriToPath.
func URIToPath(uri string) string { return uriToPath(uri) }
