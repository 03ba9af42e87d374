// Copyright Toolmux Authors
// SPDX-License-Identifier: Apache-2.0

// Package middleware implements the onion-style chain the gateway runs
// around every dispatched tool call, plus the three built-in policy
// middlewares: filter, cache and transform.
package middleware

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Context is the mutable call context. The same object is observed by
// every middleware in the chain and by the final handler, so in-place
// mutation (as done by transform middleware) is visible downstream.
type Context struct {
	// ToolName is the aggregated tool name being called.
	ToolName string
	// Arguments are the decoded call arguments.
	Arguments map[string]any
	// Server is the backend name the router resolved.
	Server string
}

// Next re-enters the chain at the following middleware, or the final
// handler once the chain is exhausted.
type Next func(ctx context.Context) (*mcp.CallToolResult, error)

// Middleware wraps a dispatched tool call. Returning without calling
// next short-circuits the rest of the chain and the final handler.
type Middleware func(ctx context.Context, mc *Context, next Next) (*mcp.CallToolResult, error)

// Handler is the terminal callee of a chain.
type Handler func(ctx context.Context, mc *Context) (*mcp.CallToolResult, error)

// Run invokes chain in index order and final once the end is reached.
// For [A, B] and handler H the observable order is A.pre, B.pre, H,
// B.post, A.post. The chain is walked with an index cursor rather than a
// pre-built closure chain so a short-circuit stays cheap.
func Run(ctx context.Context, chain []Middleware, mc *Context, final Handler) (*mcp.CallToolResult, error) {
	var invoke func(ctx context.Context, i int) (*mcp.CallToolResult, error)
	invoke = func(ctx context.Context, i int) (*mcp.CallToolResult, error) {
		if i >= len(chain) {
			return final(ctx, mc)
		}
		return chain[i](ctx, mc, func(ctx context.Context) (*mcp.CallToolResult, error) {
			return invoke(ctx, i+1)
		})
	}
	return invoke(ctx, 0)
}

func errorResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: true,
	}
}
