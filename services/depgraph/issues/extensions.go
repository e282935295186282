// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package issues

import (
	"path"
	"strings"
)

// ExtensionMapper lists the source paths an import path may refer to.
//
// Import specifiers often name the compiled artifact ("./x.js") while the
// graph holds the source file ("x.ts"). Candidates returns the ordered list
// of paths worth checking before a target is declared missing.
type ExtensionMapper interface {
	Candidates(importPath string) []string
}

// sourceExtensions is the resolution order for extensionless imports.
var sourceExtensions = []string{".ts", ".tsx", ".js", ".jsx"}

// compiledExtensions maps an emitted extension to its possible sources.
var compiledExtensions = map[string][]string{
	".js":  {".ts", ".tsx", ".js", ".jsx"},
	".jsx": {".tsx", ".jsx"},
	".mjs": {".mts", ".mjs"},
	".cjs": {".cts", ".cjs"},
}

// DefaultExtensionMapper implements the TypeScript/ESM resolution families.
type DefaultExtensionMapper struct{}

// Candidates implements ExtensionMapper.
func (DefaultExtensionMapper) Candidates(importPath string) []string {
	ext := path.Ext(importPath)
	if ext == "" || strings.Contains(ext, "/") {
		out := make([]string, 0, len(sourceExtensions)*2)
		for _, e := range sourceExtensions {
			out = append(out, importPath+e)
		}
		for _, e := range sourceExtensions {
			out = append(out, importPath+"/index"+e)
		}
		return out
	}

	alternates, ok := compiledExtensions[ext]
	if !ok {
		return nil
	}
	base := strings.TrimSuffix(importPath, ext)
	out := make([]string, 0, len(alternates))
	for _, e := range alternates {
		out = append(out, base+e)
	}
	return out
}
