// Copyright Toolmux Authors
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/toolmux/toolmux/internal/cachestore"
)

// CacheConfig controls the cache middleware.
type CacheConfig struct {
	// TTL applies to every stored result.
	TTL time.Duration
	// MaxSize bounds the default in-memory store. Ignored when Store is
	// set: the gateway never evicts from a custom store.
	MaxSize int
	// Store overrides the default in-memory store, e.g. with a
	// network-backed implementation.
	Store cachestore.Store
}

// Cache returns a middleware that answers repeated calls from a store.
// On a hit the chain is short-circuited; on a miss the downstream result
// is stored unless it is an error result.
func Cache(cfg CacheConfig) Middleware {
	store := cfg.Store
	if store == nil {
		store = cachestore.NewMemory(cfg.MaxSize)
	}
	return func(ctx context.Context, mc *Context, next Next) (*mcp.CallToolResult, error) {
		key, err := CacheKey(mc.ToolName, mc.Arguments)
		if err != nil {
			return nil, err
		}
		if data, ok, err := store.Get(ctx, key); err != nil {
			return nil, fmt.Errorf("cache store get: %w", err)
		} else if ok {
			var res mcp.CallToolResult
			if err := json.Unmarshal(data, &res); err != nil {
				return nil, fmt.Errorf("failed to decode cached result: %w", err)
			}
			return &res, nil
		}

		res, err := next(ctx)
		if err != nil || res == nil || res.IsError {
			return res, err
		}
		data, err := json.Marshal(res)
		if err != nil {
			return nil, fmt.Errorf("failed to encode result for cache: %w", err)
		}
		if err := store.Set(ctx, key, data, cfg.TTL); err != nil {
			return nil, fmt.Errorf("cache store set: %w", err)
		}
		return res, nil
	}
}
