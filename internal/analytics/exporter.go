// Copyright Toolmux Authors
// SPDX-License-Identifier: Apache-2.0

package analytics

import (
	"context"
	"fmt"
	"log/slog"
)

// Exporter receives batches of recorded events. A returned error is
// treated as a transient failure: the collector re-queues the batch and
// retries on the next flush. Delivery is at-least-once at best; no
// exactly-once guarantee is made.
type Exporter interface {
	Export(ctx context.Context, events []ToolCallEvent) error
}

// ExporterFunc adapts a function to the Exporter interface.
type ExporterFunc func(ctx context.Context, events []ToolCallEvent) error

// Export implements [Exporter.Export].
func (f ExporterFunc) Export(ctx context.Context, events []ToolCallEvent) error {
	return f(ctx, events)
}

// NewCustomExporter wraps a user-supplied export function so that
// errors and panics from user code are logged and swallowed instead of
// stalling the flush pipeline.
func NewCustomExporter(l *slog.Logger, fn func(ctx context.Context, events []ToolCallEvent) error) Exporter {
	return &customExporter{l: l, fn: fn}
}

type customExporter struct {
	l  *slog.Logger
	fn func(ctx context.Context, events []ToolCallEvent) error
}

// Export implements [Exporter.Export]. It always reports success.
func (e *customExporter) Export(ctx context.Context, events []ToolCallEvent) error {
	defer func() {
		if rec := recover(); rec != nil {
			e.l.Error("custom exporter panicked", slog.Any("panic", rec))
		}
	}()
	if err := e.fn(ctx, events); err != nil {
		e.l.Error("custom exporter failed", slog.String("error", err.Error()))
	}
	return nil
}

// exporterError wraps an exporter failure with batch context.
func exporterError(n int, err error) error {
	return fmt.Errorf("failed to export batch of %d events: %w", n, err)
}
