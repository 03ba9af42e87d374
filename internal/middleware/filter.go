// Copyright Toolmux Authors
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/toolmux/toolmux/internal/glob"
)

// FilterConfig controls the filter middleware. Both sides take glob
// patterns. Deny wins over allow; when Allow is non-empty a tool must
// match at least one allow pattern to pass.
type FilterConfig struct {
	Allow []string
	Deny  []string
}

// Filter returns a middleware that rejects tool calls by name. A
// rejected call never reaches the rest of the chain; the middleware
// synthesizes an error result instead.
func Filter(cfg FilterConfig) Middleware {
	allow := compileAll(cfg.Allow)
	deny := compileAll(cfg.Deny)
	return func(ctx context.Context, mc *Context, next Next) (*mcp.CallToolResult, error) {
		for _, m := range deny {
			if m.Match(mc.ToolName) {
				return errorResult(fmt.Sprintf("Tool %q is denied by filter policy", mc.ToolName)), nil
			}
		}
		if len(allow) > 0 {
			allowed := false
			for _, m := range allow {
				if m.Match(mc.ToolName) {
					allowed = true
					break
				}
			}
			if !allowed {
				return errorResult(fmt.Sprintf("Tool %q is not allowed by filter policy", mc.ToolName)), nil
			}
		}
		return next(ctx)
	}
}

func compileAll(patterns []string) []*glob.Matcher {
	matchers := make([]*glob.Matcher, len(patterns))
	for i, p := range patterns {
		matchers[i] = glob.Compile(p)
	}
	return matchers
}
