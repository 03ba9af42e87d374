// Copyright Toolmux Authors
// SPDX-License-Identifier: Apache-2.0

package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	tracingapi "github.com/toolmux/toolmux/internal/tracing/api"
)

// WrapToolHandler is the function-level alternative to the transport
// interceptor: it instruments a single tool handler. Unsampled calls
// pass straight through. Sampled calls run inside a span (when a tracer
// is configured) so downstream traced work becomes children, and always
// record a ToolCallEvent without a session id. A handler error is
// re-raised after recording.
func WrapToolHandler(collector *Collector, toolName string, opts InterceptOptions, handler mcp.ToolHandler) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if rand.Float64() >= opts.rate() {
			return handler(ctx, req)
		}

		var span tracingapi.ToolCallSpan = noSpan
		if opts.Tracer != nil {
			if newCtx, s := opts.Tracer.StartToolSpan(ctx, toolName); s != nil {
				ctx, span = newCtx, s
			}
		}

		start := time.Now()
		res, err := handler(ctx, req)

		event := ToolCallEvent{
			ToolName:   toolName,
			Timestamp:  start.UnixMilli(),
			DurationMs: float64(time.Since(start)) / float64(time.Millisecond),
			InputSize:  requestSize(req),
		}
		switch {
		case err != nil:
			event.ErrorMessage = err.Error()
		case res != nil && res.IsError:
			event.ErrorMessage = firstTextContent(res)
			event.OutputSize = resultSize(res)
		default:
			event.Success = true
			event.OutputSize = resultSize(res)
		}

		span.RecordSizes(event.InputSize, event.OutputSize)
		if event.Success {
			span.EndSpan()
		} else {
			span.EndSpanOnError("tool_error", fmt.Errorf("%s", event.ErrorMessage))
		}
		collector.Record(event)
		if err != nil {
			return nil, err
		}
		return res, nil
	}
}

func requestSize(req *mcp.CallToolRequest) int {
	if req == nil || req.Params == nil {
		return 0
	}
	return len(req.Params.Arguments)
}

func resultSize(res *mcp.CallToolResult) int {
	if res == nil {
		return 0
	}
	data, err := json.Marshal(res)
	if err != nil {
		return 0
	}
	return len(data)
}

func firstTextContent(res *mcp.CallToolResult) string {
	for _, content := range res.Content {
		if tc, ok := content.(*mcp.TextContent); ok {
			return tc.Text
		}
	}
	return "tool returned an error result"
}

// noSpan keeps the hot path free of nil checks.
var noSpan tracingapi.ToolCallSpan = noopSpan{}

type noopSpan struct{}

func (noopSpan) RecordSizes(int, int)         {}
func (noopSpan) EndSpan()                     {}
func (noopSpan) EndSpanOnError(string, error) {}
