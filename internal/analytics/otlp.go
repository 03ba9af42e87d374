// Copyright Toolmux Authors
// SPDX-License-Identifier: Apache-2.0

package analytics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/toolmux/toolmux/internal/tracing"
)

// OTLPExporter re-materializes each event as a span with explicit
// timestamps and hands it to an OTLP trace pipeline.
type OTLPExporter struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

var _ Exporter = (*OTLPExporter)(nil)

// NewOTLPExporter builds an exporter batching spans to the given
// OTLP/HTTP endpoint. An empty endpoint defers to the standard
// OTEL_EXPORTER_OTLP_* environment variables.
func NewOTLPExporter(ctx context.Context, serviceName, endpoint string) (*OTLPExporter, error) {
	provider, err := tracing.NewOTLPTracerProvider(ctx, serviceName, endpoint)
	if err != nil {
		return nil, err
	}
	return &OTLPExporter{provider: provider, tracer: provider.Tracer("toolmux/analytics")}, nil
}

// newOTLPExporterWithProvider exists for tests.
func newOTLPExporterWithProvider(provider *sdktrace.TracerProvider) *OTLPExporter {
	return &OTLPExporter{provider: provider, tracer: provider.Tracer("toolmux/analytics")}
}

// Export implements [Exporter.Export].
func (e *OTLPExporter) Export(ctx context.Context, events []ToolCallEvent) error {
	for _, ev := range events {
		start := time.UnixMilli(ev.Timestamp)
		end := start.Add(time.Duration(ev.DurationMs * float64(time.Millisecond)))
		attrs := []attribute.KeyValue{
			attribute.String("mcp.tool.name", ev.ToolName),
			attribute.Int("mcp.request.size", ev.InputSize),
			attribute.Int("mcp.response.size", ev.OutputSize),
		}
		if ev.SessionID != "" {
			attrs = append(attrs, attribute.String("mcp.session.id", ev.SessionID))
		}
		for k, v := range ev.Metadata {
			attrs = append(attrs, attribute.String(k, v))
		}
		_, span := e.tracer.Start(ctx, "CallTool "+ev.ToolName,
			trace.WithTimestamp(start),
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(attrs...))
		if ev.Success {
			span.SetStatus(codes.Ok, "")
		} else {
			span.SetStatus(codes.Error, ev.ErrorMessage)
			if ev.ErrorCode != 0 {
				span.SetAttributes(attribute.Int64("rpc.jsonrpc.error_code", ev.ErrorCode))
			}
		}
		span.End(trace.WithTimestamp(end))
	}
	return nil
}

// Shutdown flushes and stops the underlying trace pipeline.
func (e *OTLPExporter) Shutdown(ctx context.Context) error {
	return e.provider.Shutdown(ctx)
}
