// Copyright Toolmux Authors
// SPDX-License-Identifier: Apache-2.0

// Package api provides types for OpenTelemetry tracing support, notably
// to reduce chance of cyclic imports. No implementations besides no-op
// are here.
package api

import "context"

// ToolCallTracer creates spans bracketing MCP tool calls.
type ToolCallTracer interface {
	// StartToolSpan starts a span for a tools/call invocation. The
	// returned context carries the span so downstream traced calls become
	// children. Returns a nil span unless the span is sampled.
	StartToolSpan(ctx context.Context, toolName string) (context.Context, ToolCallSpan)
}

// ToolCallSpan represents one in-flight tool-call span.
type ToolCallSpan interface {
	// RecordSizes records the encoded request and response payload sizes.
	RecordSizes(inputSize, outputSize int)
	// EndSpan finalizes and ends the span.
	EndSpan()
	// EndSpanOnError finalizes and ends the span with an error status.
	EndSpanOnError(errType string, err error)
}

// Ensure NoopToolCallTracer implements [ToolCallTracer].
var _ ToolCallTracer = NoopToolCallTracer{}

// NoopToolCallTracer is a no-op implementation of [ToolCallTracer].
type NoopToolCallTracer struct{}

// StartToolSpan implements [ToolCallTracer.StartToolSpan].
func (NoopToolCallTracer) StartToolSpan(ctx context.Context, _ string) (context.Context, ToolCallSpan) {
	return ctx, nil
}
