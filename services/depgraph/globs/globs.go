// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package globs translates path glob patterns into anchored regular expressions.
//
// Semantics:
//
//	**  matches any sequence of characters, including "/"
//	*   matches any sequence of characters within one path segment
//	?   matches exactly one character
//
// Every other character matches itself literally.
package globs

import (
	"regexp"
	"strings"
	"sync"
)

// doubleStarPlaceholder stands in for "**" while single "*" is rewritten.
// It contains no glob or regex metacharacters.
const doubleStarPlaceholder = "\x00DOUBLESTAR\x00"

// ToRegexp translates a glob pattern into an anchored regular expression.
//
// Description:
//
//	Literal characters are escaped first. Then "**" is substituted with a
//	placeholder BEFORE single "*" is rewritten to "[^/]*"; doing it in the
//	other order would turn "**" into two segment-bounded wildcards. The
//	placeholder finally becomes ".*" and "?" becomes ".".
//
// Example:
//
//	ToRegexp("src/ui/**")  // ^src/ui/.*$
//	ToRegexp("src/*.ts")   // ^src/[^/]*\.ts$
func ToRegexp(pattern string) string {
	escaped := regexp.QuoteMeta(pattern)

	// QuoteMeta escapes '*' and '?'; restore them as glob tokens.
	escaped = strings.ReplaceAll(escaped, `\*\*`, doubleStarPlaceholder)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^/]*`)
	escaped = strings.ReplaceAll(escaped, doubleStarPlaceholder, `.*`)
	escaped = strings.ReplaceAll(escaped, `\?`, `.`)

	return "^" + escaped + "$"
}

// Matcher matches paths against compiled glob patterns.
//
// Thread Safety: Safe for concurrent use. Compiled patterns are memoized.
type Matcher struct {
	mu       sync.RWMutex
	compiled map[string]*regexp.Regexp
}

// NewMatcher creates an empty matcher.
func NewMatcher() *Matcher {
	return &Matcher{compiled: make(map[string]*regexp.Regexp)}
}

// Match reports whether path matches pattern.
func (m *Matcher) Match(pattern, path string) bool {
	return m.compile(pattern).MatchString(path)
}

func (m *Matcher) compile(pattern string) *regexp.Regexp {
	m.mu.RLock()
	re, ok := m.compiled[pattern]
	m.mu.RUnlock()
	if ok {
		return re
	}

	// QuoteMeta output plus our substitutions is always a valid expression.
	re = regexp.MustCompile(ToRegexp(pattern))

	m.mu.Lock()
	m.compiled[pattern] = re
	m.mu.Unlock()
	return re
}
