// Copyright Toolmux Authors
// SPDX-License-Identifier: Apache-2.0

package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func sampleEvents() []ToolCallEvent {
	return []ToolCallEvent{
		{ToolName: "fs_read", SessionID: "s1", Timestamp: 1700000000000, DurationMs: 12.5, Success: true, InputSize: 10, OutputSize: 42},
		{ToolName: "fs_write", Timestamp: 1700000001000, DurationMs: 3, Success: false, ErrorMessage: "denied", ErrorCode: -32000, InputSize: 5},
	}
}

func TestConsoleExporter(t *testing.T) {
	var buf bytes.Buffer
	exp := NewConsoleExporter(&buf)
	require.NoError(t, exp.Export(t.Context(), sampleEvents()))

	out := buf.String()
	require.Contains(t, out, "tool=fs_read")
	require.Contains(t, out, "status=ok")
	require.Contains(t, out, "session=s1")
	require.Contains(t, out, "tool=fs_write")
	require.Contains(t, out, `error="denied"`)
}

func TestJSONLinesExporter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	exp, err := NewJSONLinesExporter(path)
	require.NoError(t, err)

	require.NoError(t, exp.Export(t.Context(), sampleEvents()))
	require.NoError(t, exp.Close())

	var buf bytes.Buffer
	wexp := NewJSONLinesWriter(&buf)
	require.NoError(t, wexp.Export(t.Context(), sampleEvents()))
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var first ToolCallEvent
	require.NoError(t, json.Unmarshal(lines[0], &first))
	require.Equal(t, "fs_read", first.ToolName)
	require.True(t, first.Success)
	var second ToolCallEvent
	require.NoError(t, json.Unmarshal(lines[1], &second))
	require.Equal(t, int64(-32000), second.ErrorCode)
}

func TestCustomExporterSwallowsErrors(t *testing.T) {
	exp := NewCustomExporter(slog.Default(), func(context.Context, []ToolCallEvent) error {
		return errors.New("user bug")
	})
	require.NoError(t, exp.Export(t.Context(), sampleEvents()))

	exp = NewCustomExporter(slog.Default(), func(context.Context, []ToolCallEvent) error {
		panic("user panic")
	})
	require.NoError(t, exp.Export(t.Context(), sampleEvents()))
}

func TestExporterFunc(t *testing.T) {
	var got []ToolCallEvent
	exp := ExporterFunc(func(_ context.Context, events []ToolCallEvent) error {
		got = events
		return nil
	})
	require.NoError(t, exp.Export(t.Context(), sampleEvents()))
	require.Len(t, got, 2)
}

func TestOTLPExporterSpans(t *testing.T) {
	spanExporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(spanExporter))
	exp := newOTLPExporterWithProvider(tp)
	t.Cleanup(func() { _ = exp.Shutdown(context.Background()) })

	require.NoError(t, exp.Export(t.Context(), sampleEvents()))
	spans := spanExporter.GetSpans()
	require.Len(t, spans, 2)
	require.Equal(t, "CallTool fs_read", spans[0].Name)
	// The span brackets the recorded timestamps, not the export moment.
	require.Equal(t, int64(1700000000000), spans[0].StartTime.UnixMilli())
	require.Equal(t, "CallTool fs_write", spans[1].Name)
}
