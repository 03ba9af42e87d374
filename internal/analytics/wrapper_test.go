// Copyright Toolmux Authors
// SPDX-License-Identifier: Apache-2.0

package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/toolmux/toolmux/internal/tracing"
)

func callToolRequest(args string) *mcp.CallToolRequest {
	return &mcp.CallToolRequest{
		Params: &mcp.CallToolParamsRaw{Name: "fs_read", Arguments: json.RawMessage(args)},
	}
}

func TestWrapToolHandlerSuccess(t *testing.T) {
	exp := &memExporter{}
	c := newTestCollector(t, CollectorConfig{Exporter: exp})

	handler := WrapToolHandler(c, "fs_read", DefaultInterceptOptions(),
		func(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "data"}}}, nil
		})

	res, err := handler(t.Context(), callToolRequest(`{"path":"/tmp"}`))
	require.NoError(t, err)
	require.False(t, res.IsError)

	require.NoError(t, c.Flush(t.Context()))
	events := exp.allEvents()
	require.Len(t, events, 1)
	require.True(t, events[0].Success)
	require.Equal(t, "fs_read", events[0].ToolName)
	require.Empty(t, events[0].SessionID)
	require.Equal(t, len(`{"path":"/tmp"}`), events[0].InputSize)
	require.Positive(t, events[0].OutputSize)
}

func TestWrapToolHandlerErrorReRaised(t *testing.T) {
	exp := &memExporter{}
	c := newTestCollector(t, CollectorConfig{Exporter: exp})
	boom := errors.New("handler exploded")

	handler := WrapToolHandler(c, "fs_read", DefaultInterceptOptions(),
		func(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return nil, boom
		})

	_, err := handler(t.Context(), callToolRequest(`{}`))
	require.ErrorIs(t, err, boom)

	require.NoError(t, c.Flush(t.Context()))
	events := exp.allEvents()
	require.Len(t, events, 1)
	require.False(t, events[0].Success)
	require.Equal(t, "handler exploded", events[0].ErrorMessage)
}

func TestWrapToolHandlerErrorResult(t *testing.T) {
	exp := &memExporter{}
	c := newTestCollector(t, CollectorConfig{Exporter: exp})

	handler := WrapToolHandler(c, "fs_read", DefaultInterceptOptions(),
		func(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{&mcp.TextContent{Text: "denied"}},
			}, nil
		})

	res, err := handler(t.Context(), callToolRequest(`{}`))
	require.NoError(t, err)
	require.True(t, res.IsError)

	require.NoError(t, c.Flush(t.Context()))
	events := exp.allEvents()
	require.Len(t, events, 1)
	require.False(t, events[0].Success)
	require.Equal(t, "denied", events[0].ErrorMessage)
}

func TestWrapToolHandlerUnsampled(t *testing.T) {
	exp := &memExporter{}
	c := newTestCollector(t, CollectorConfig{Exporter: exp})
	calls := 0

	handler := WrapToolHandler(c, "fs_read", InterceptOptions{SampleRate: 0},
		func(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			calls++
			return &mcp.CallToolResult{}, nil
		})

	_, err := handler(t.Context(), callToolRequest(`{}`))
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	require.NoError(t, c.Flush(t.Context()))
	require.Empty(t, exp.allEvents())
}

func TestWrapToolHandlerTracing(t *testing.T) {
	exp := &memExporter{}
	c := newTestCollector(t, CollectorConfig{Exporter: exp})

	spanExporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(spanExporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	opts := DefaultInterceptOptions()
	opts.Tracer = tracing.NewToolCallTracer(tp.Tracer("test"))

	handler := WrapToolHandler(c, "fs_read", opts,
		func(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return nil, errors.New("boom")
		})
	_, err := handler(t.Context(), callToolRequest(`{}`))
	require.Error(t, err)

	spans := spanExporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, "CallTool fs_read", spans[0].Name)
}
