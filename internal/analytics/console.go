// Copyright Toolmux Authors
// SPDX-License-Identifier: Apache-2.0

package analytics

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// ConsoleExporter writes one human-readable line per event.
type ConsoleExporter struct {
	mu sync.Mutex
	w  io.Writer
}

var _ Exporter = (*ConsoleExporter)(nil)

// NewConsoleExporter writes to w, or stdout when w is nil.
func NewConsoleExporter(w io.Writer) *ConsoleExporter {
	if w == nil {
		w = os.Stdout
	}
	return &ConsoleExporter{w: w}
}

// Export implements [Exporter.Export].
func (e *ConsoleExporter) Export(_ context.Context, events []ToolCallEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ev := range events {
		status := "ok"
		if !ev.Success {
			status = "error"
		}
		line := fmt.Sprintf("%s tool=%s status=%s duration_ms=%.1f in=%d out=%d",
			time.UnixMilli(ev.Timestamp).UTC().Format(time.RFC3339),
			ev.ToolName, status, ev.DurationMs, ev.InputSize, ev.OutputSize)
		if ev.SessionID != "" {
			line += " session=" + ev.SessionID
		}
		if ev.ErrorMessage != "" {
			line += fmt.Sprintf(" error=%q", ev.ErrorMessage)
		}
		if _, err := fmt.Fprintln(e.w, line); err != nil {
			return fmt.Errorf("failed to write console event: %w", err)
		}
	}
	return nil
}
