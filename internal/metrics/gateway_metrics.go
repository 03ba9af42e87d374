// Copyright Toolmux Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics records the gateway's OpenTelemetry metrics.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// nolint: godot
const (
	// MCP Tool Call Duration is a histogram metric that records the duration of proxied tool calls.
	//
	// Dimensions:
	// - mcp.tool.name
	// - mcp.backend.name
	// - error.type (error durations only)
	mcpToolCallDuration = "mcp.toolcall.duration"
	// MCP Method Count is a counter metric that records the total number of MCP methods served.
	//
	// Dimensions:
	// - mcp.method.name
	// - status
	mcpMethodCount = "mcp.method.count"
	// MCP Session Count is a counter metric that records session opens and closes.
	//
	// Dimensions:
	// - mcp.session.event
	mcpSessionCount = "mcp.session.count"

	mcpAttributeToolName    = "mcp.tool.name"
	mcpAttributeBackendName = "mcp.backend.name"
	mcpAttributeMethodName  = "mcp.method.name"
	mcpAttributeStatusName  = "status"
	mcpAttributeErrorType   = "error.type"
	mcpAttributeSessionName = "mcp.session.event"
)

// ErrorType dimensions the failure mode of a proxied tool call.
type ErrorType string

const (
	// ErrorRouteNotFound indicates that no routing rule matched the tool name.
	ErrorRouteNotFound ErrorType = "route_not_found"
	// ErrorBackendNotFound indicates that a routing rule named an unknown backend.
	ErrorBackendNotFound ErrorType = "backend_not_found"
	// ErrorBackendCall indicates that the upstream call failed.
	ErrorBackendCall ErrorType = "backend_call_failure"
)

type statusType string

const (
	statusSuccess statusType = "success"
	statusError   statusType = "error"
)

type sessionEvent string

const (
	sessionOpened sessionEvent = "opened"
	sessionClosed sessionEvent = "closed"
)

// GatewayMetrics holds metrics for the aggregating gateway.
type GatewayMetrics interface {
	// RecordToolCallDuration records the duration of a successful proxied tool call.
	RecordToolCallDuration(ctx context.Context, startAt *time.Time, toolName, backend string)
	// RecordToolCallErrorDuration records the duration of a proxied tool call that failed.
	RecordToolCallErrorDuration(ctx context.Context, startAt *time.Time, toolName, backend string, errType ErrorType)
	// RecordMethodCount records the count of served MCP method invocations.
	RecordMethodCount(ctx context.Context, methodName string)
	// RecordMethodErrorCount records the count of served method invocations with error status.
	RecordMethodErrorCount(ctx context.Context, methodName string)
	// RecordSessionOpened records a session creation.
	RecordSessionOpened(ctx context.Context)
	// RecordSessionClosed records a session teardown.
	RecordSessionClosed(ctx context.Context)
}

type gateway struct {
	toolCallDuration metric.Float64Histogram
	methodCount      metric.Float64Counter
	sessionCount     metric.Float64Counter
}

// NewGateway creates a new gateway metrics instance.
func NewGateway(meter metric.Meter) GatewayMetrics {
	return &gateway{
		toolCallDuration: mustRegisterHistogram(meter,
			mcpToolCallDuration,
			metric.WithDescription("Duration of proxied MCP tool calls"),
			metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)),
		methodCount: mustRegisterCounter(meter,
			mcpMethodCount,
			metric.WithDescription("Total number of MCP methods served"),
		),
		sessionCount: mustRegisterCounter(meter,
			mcpSessionCount,
			metric.WithDescription("Total number of MCP session lifecycle events"),
		),
	}
}

// RecordToolCallDuration implements [GatewayMetrics.RecordToolCallDuration].
func (g *gateway) RecordToolCallDuration(ctx context.Context, startAt *time.Time, toolName, backend string) {
	if startAt == nil {
		return
	}
	g.toolCallDuration.Record(ctx, time.Since(*startAt).Seconds(), metric.WithAttributes(
		attribute.String(mcpAttributeToolName, toolName),
		attribute.String(mcpAttributeBackendName, backend),
	))
}

// RecordToolCallErrorDuration implements [GatewayMetrics.RecordToolCallErrorDuration].
func (g *gateway) RecordToolCallErrorDuration(ctx context.Context, startAt *time.Time, toolName, backend string, errType ErrorType) {
	if startAt == nil {
		return
	}
	g.toolCallDuration.Record(ctx, time.Since(*startAt).Seconds(), metric.WithAttributes(
		attribute.String(mcpAttributeToolName, toolName),
		attribute.String(mcpAttributeBackendName, backend),
		attribute.String(mcpAttributeErrorType, string(errType)),
	))
}

// RecordMethodCount implements [GatewayMetrics.RecordMethodCount].
func (g *gateway) RecordMethodCount(ctx context.Context, methodName string) {
	if methodName == "" {
		return
	}
	g.methodCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String(mcpAttributeMethodName, methodName),
		attribute.String(mcpAttributeStatusName, string(statusSuccess)),
	))
}

// RecordMethodErrorCount implements [GatewayMetrics.RecordMethodErrorCount].
func (g *gateway) RecordMethodErrorCount(ctx context.Context, methodName string) {
	g.methodCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String(mcpAttributeMethodName, methodName),
		attribute.String(mcpAttributeStatusName, string(statusError)),
	))
}

// RecordSessionOpened implements [GatewayMetrics.RecordSessionOpened].
func (g *gateway) RecordSessionOpened(ctx context.Context) {
	g.sessionCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String(mcpAttributeSessionName, string(sessionOpened)),
	))
}

// RecordSessionClosed implements [GatewayMetrics.RecordSessionClosed].
func (g *gateway) RecordSessionClosed(ctx context.Context) {
	g.sessionCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String(mcpAttributeSessionName, string(sessionClosed)),
	))
}

// NewNoop returns a GatewayMetrics that records nothing. Used by tests
// and by callers that run without a configured meter provider.
func NewNoop() GatewayMetrics {
	return noopMetrics{}
}

type noopMetrics struct{}

func (noopMetrics) RecordToolCallDuration(context.Context, *time.Time, string, string) {}
func (noopMetrics) RecordToolCallErrorDuration(context.Context, *time.Time, string, string, ErrorType) {
}
func (noopMetrics) RecordMethodCount(context.Context, string)      {}
func (noopMetrics) RecordMethodErrorCount(context.Context, string) {}
func (noopMetrics) RecordSessionOpened(context.Context)            {}
func (noopMetrics) RecordSessionClosed(context.Context)            {}
