// Copyright Toolmux Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import "github.com/toolmux/toolmux/internal/glob"

// RoutingRule maps a tool-name glob pattern to a backend name. Rules are
// evaluated in declaration order; the first match wins.
type RoutingRule struct {
	Pattern string
	Server  string
}

type router struct {
	rules []compiledRule
}

type compiledRule struct {
	matcher *glob.Matcher
	server  string
}

// newRouter precompiles every rule pattern. Lookup cost is O(rules).
func newRouter(rules []RoutingRule) *router {
	compiled := make([]compiledRule, len(rules))
	for i, r := range rules {
		compiled[i] = compiledRule{matcher: glob.Compile(r.Pattern), server: r.Server}
	}
	return &router{rules: compiled}
}

// resolve returns the backend name of the first rule matching the whole
// tool name, or false when no rule matches. An empty rule list never
// matches.
func (r *router) resolve(toolName string) (string, bool) {
	for _, rule := range r.rules {
		if rule.matcher.Match(toolName) {
			return rule.server, true
		}
	}
	return "", false
}
