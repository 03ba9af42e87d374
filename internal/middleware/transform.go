// Copyright Toolmux Authors
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// TransformConfig carries the two optional transform hooks.
type TransformConfig struct {
	// Before mutates the call context in place before dispatch; every
	// downstream middleware and the final handler observe the updates.
	Before func(mc *Context)
	// After may rewrite the result on the way back. Returning nil keeps
	// the original result.
	After func(res *mcp.CallToolResult) *mcp.CallToolResult
}

// Transform returns a middleware applying the configured hooks around
// the rest of the chain.
func Transform(cfg TransformConfig) Middleware {
	return func(ctx context.Context, mc *Context, next Next) (*mcp.CallToolResult, error) {
		if cfg.Before != nil {
			cfg.Before(mc)
		}
		res, err := next(ctx)
		if err != nil {
			return nil, err
		}
		if cfg.After != nil {
			if rewritten := cfg.After(res); rewritten != nil {
				res = rewritten
			}
		}
		return res, nil
	}
}
