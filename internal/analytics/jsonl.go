// Copyright Toolmux Authors
// SPDX-License-Identifier: Apache-2.0

package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// JSONLinesExporter appends one JSON object per event to a writer,
// typically a log file.
type JSONLinesExporter struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
}

var _ Exporter = (*JSONLinesExporter)(nil)

// NewJSONLinesExporter opens path for appending and writes events to it.
func NewJSONLinesExporter(path string) (*JSONLinesExporter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open analytics file %q: %w", path, err)
	}
	return &JSONLinesExporter{w: f, closer: f}, nil
}

// NewJSONLinesWriter writes events to an arbitrary writer.
func NewJSONLinesWriter(w io.Writer) *JSONLinesExporter {
	return &JSONLinesExporter{w: w}
}

// Export implements [Exporter.Export].
func (e *JSONLinesExporter) Export(_ context.Context, events []ToolCallEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	enc := json.NewEncoder(e.w)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
	}
	return nil
}

// Close closes the underlying file if the exporter owns one.
func (e *JSONLinesExporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closer == nil {
		return nil
	}
	return e.closer.Close()
}
