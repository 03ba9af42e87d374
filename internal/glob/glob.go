// Copyright Toolmux Authors
// SPDX-License-Identifier: Apache-2.0

// Package glob compiles the `*`/`?` patterns used by routing rules and
// filter middleware into anchored matchers.
package glob

import (
	"regexp"
	"strings"
)

// Matcher is a compiled pattern. Matching is whole-string: the pattern is
// anchored at both ends.
type Matcher struct {
	re *regexp.Regexp
}

// Compile translates a pattern into a Matcher. `*` matches any run of
// characters including the empty run, `?` matches exactly one character,
// and every other character matches itself.
func Compile(pattern string) *Matcher {
	var b strings.Builder
	b.WriteByte('^')
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteByte('.')
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteByte('$')
	return &Matcher{re: regexp.MustCompile(b.String())}
}

// Match reports whether name matches the whole pattern.
func (m *Matcher) Match(name string) bool {
	return m.re.MatchString(name)
}
