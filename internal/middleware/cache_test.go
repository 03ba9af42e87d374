// Copyright Toolmux Authors
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"github.com/toolmux/toolmux/internal/cachestore"
)

func TestCacheKeyCanonical(t *testing.T) {
	k1, err := CacheKey("t", map[string]any{"x": 1.0, "y": 2.0})
	require.NoError(t, err)
	k2, err := CacheKey("t", map[string]any{"y": 2.0, "x": 1.0})
	require.NoError(t, err)
	require.Equal(t, k1, k2)

	// Nested objects canonicalize too; array order is preserved.
	k3, err := CacheKey("t", map[string]any{"o": map[string]any{"b": 1.0, "a": 2.0}, "l": []any{"z", "a"}})
	require.NoError(t, err)
	k4, err := CacheKey("t", map[string]any{"l": []any{"z", "a"}, "o": map[string]any{"a": 2.0, "b": 1.0}})
	require.NoError(t, err)
	require.Equal(t, k3, k4)

	k5, err := CacheKey("t", map[string]any{"l": []any{"a", "z"}})
	require.NoError(t, err)
	k6, err := CacheKey("t", map[string]any{"l": []any{"z", "a"}})
	require.NoError(t, err)
	require.NotEqual(t, k5, k6)

	// Different tools never share a key.
	k7, err := CacheKey("u", map[string]any{"x": 1.0, "y": 2.0})
	require.NoError(t, err)
	require.NotEqual(t, k1, k7)
}

func TestCacheHit(t *testing.T) {
	mw := Cache(CacheConfig{TTL: time.Minute})
	calls := 0
	final := func(context.Context, *Context) (*mcp.CallToolResult, error) {
		calls++
		return textResult("fresh"), nil
	}

	for i := 0; i < 2; i++ {
		res, err := Run(t.Context(), []Middleware{mw}, &Context{ToolName: "t", Arguments: map[string]any{"x": 1.0, "y": 2.0}}, final)
		require.NoError(t, err)
		require.Equal(t, "fresh", firstText(t, res))
	}
	require.Equal(t, 1, calls)

	// Key-permuted arguments hit the same entry.
	res, err := Run(t.Context(), []Middleware{mw}, &Context{ToolName: "t", Arguments: map[string]any{"y": 2.0, "x": 1.0}}, final)
	require.NoError(t, err)
	require.Equal(t, "fresh", firstText(t, res))
	require.Equal(t, 1, calls)
}

func TestCacheSkipsErrorResults(t *testing.T) {
	mw := Cache(CacheConfig{TTL: time.Minute})
	calls := 0
	final := func(context.Context, *Context) (*mcp.CallToolResult, error) {
		calls++
		return errorResult("boom"), nil
	}

	for i := 0; i < 2; i++ {
		res, err := Run(t.Context(), []Middleware{mw}, &Context{ToolName: "t", Arguments: map[string]any{}}, final)
		require.NoError(t, err)
		require.True(t, res.IsError)
	}
	require.Equal(t, 2, calls)
}

type failingStore struct {
	getErr error
	setErr error
	cachestore.Store
}

func (s *failingStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s.getErr != nil {
		return nil, false, s.getErr
	}
	return s.Store.Get(ctx, key)
}

func (s *failingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if s.setErr != nil {
		return s.setErr
	}
	return s.Store.Set(ctx, key, value, ttl)
}

func TestCacheStoreFailurePropagates(t *testing.T) {
	final := func(context.Context, *Context) (*mcp.CallToolResult, error) {
		return textResult("fresh"), nil
	}

	mw := Cache(CacheConfig{TTL: time.Minute, Store: &failingStore{getErr: errors.New("redis down"), Store: cachestore.NewMemory(0)}})
	_, err := Run(t.Context(), []Middleware{mw}, &Context{ToolName: "t"}, final)
	require.ErrorContains(t, err, "redis down")

	mw = Cache(CacheConfig{TTL: time.Minute, Store: &failingStore{setErr: errors.New("write refused"), Store: cachestore.NewMemory(0)}})
	_, err = Run(t.Context(), []Middleware{mw}, &Context{ToolName: "t"}, final)
	require.ErrorContains(t, err, "write refused")
}

func TestCacheCustomStoreReceivesTTL(t *testing.T) {
	store := cachestore.NewMemory(0)
	mw := Cache(CacheConfig{TTL: time.Minute, Store: store})
	final := func(context.Context, *Context) (*mcp.CallToolResult, error) {
		return textResult("fresh"), nil
	}
	_, err := Run(t.Context(), []Middleware{mw}, &Context{ToolName: "t", Arguments: map[string]any{"a": true}}, final)
	require.NoError(t, err)

	key, err := CacheKey("t", map[string]any{"a": true})
	require.NoError(t, err)
	_, ok, err := store.Get(t.Context(), key)
	require.NoError(t, err)
	require.True(t, ok)
}
