// Copyright Toolmux Authors
// SPDX-License-Identifier: Apache-2.0

// Package tracing implements the [api.ToolCallTracer] interface on the
// OpenTelemetry trace API, and owns provider construction for the OTLP
// endpoint.
package tracing

import (
	"context"
	"fmt"
	"net/url"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/toolmux/toolmux/internal/tracing/api"
)

// Ensure toolCallSpan implements [api.ToolCallSpan].
var _ api.ToolCallSpan = (*toolCallSpan)(nil)

// Ensure toolCallTracer implements [api.ToolCallTracer].
var _ api.ToolCallTracer = (*toolCallTracer)(nil)

// NewToolCallTracer wraps an OTEL tracer as an [api.ToolCallTracer].
func NewToolCallTracer(tracer trace.Tracer) api.ToolCallTracer {
	return toolCallTracer{tracer: tracer}
}

type toolCallTracer struct {
	tracer trace.Tracer
}

// StartToolSpan implements [api.ToolCallTracer.StartToolSpan].
func (t toolCallTracer) StartToolSpan(ctx context.Context, toolName string) (context.Context, api.ToolCallSpan) {
	newCtx, span := t.tracer.Start(ctx, "CallTool "+toolName, trace.WithSpanKind(trace.SpanKindClient))
	if !span.IsRecording() {
		return newCtx, nil
	}
	span.SetAttributes(
		attribute.String("mcp.method.name", "tools/call"),
		attribute.String("mcp.tool.name", toolName),
	)
	return newCtx, &toolCallSpan{span: span}
}

type toolCallSpan struct {
	span trace.Span
}

// RecordSizes implements [api.ToolCallSpan.RecordSizes].
func (s *toolCallSpan) RecordSizes(inputSize, outputSize int) {
	s.span.SetAttributes(
		attribute.Int("mcp.request.size", inputSize),
		attribute.Int("mcp.response.size", outputSize),
	)
}

// EndSpan implements [api.ToolCallSpan.EndSpan].
func (s *toolCallSpan) EndSpan() {
	s.span.SetStatus(codes.Ok, "")
	s.span.End()
}

// EndSpanOnError implements [api.ToolCallSpan.EndSpanOnError].
func (s *toolCallSpan) EndSpanOnError(errType string, err error) {
	s.span.AddEvent("exception", trace.WithAttributes(
		attribute.String("exception.type", errType),
		attribute.String("exception.message", err.Error()),
	))
	s.span.SetStatus(codes.Error, err.Error())
	s.span.End()
}

// NewOTLPTracerProvider builds a tracer provider that batches spans to
// an OTLP/HTTP endpoint. The caller owns Shutdown.
func NewOTLPTracerProvider(ctx context.Context, serviceName, endpoint string) (*sdktrace.TracerProvider, error) {
	opts, err := otlpOptions(endpoint)
	if err != nil {
		return nil, err
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}
	res, err := sdkresource.New(ctx, sdkresource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to build OTEL resource: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

func otlpOptions(endpoint string) ([]otlptracehttp.Option, error) {
	if endpoint == "" {
		// Defer to OTEL_EXPORTER_OTLP_* environment configuration.
		return nil, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		// Scheme-less host:port.
		return []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure()}, nil
	}
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(u.Host)}
	if u.Path != "" && u.Path != "/" {
		opts = append(opts, otlptracehttp.WithURLPath(u.Path))
	}
	if u.Scheme == "http" {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return opts, nil
}
