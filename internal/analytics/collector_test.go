// Copyright Toolmux Authors
// SPDX-License-Identifier: Apache-2.0

package analytics

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestCollectorTimerGoroutineStops(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	exp := &memExporter{}
	c := NewCollector(CollectorConfig{Exporter: exp, FlushInterval: 10 * time.Millisecond}, slog.Default())
	c.Record(event("a", "", 1, true))
	require.NoError(t, c.Destroy(context.Background()))
	require.Equal(t, 1, exp.batchCount())
}

// memExporter records batches and can be scripted to fail.
type memExporter struct {
	mu       sync.Mutex
	batches  [][]ToolCallEvent
	failures int // fail this many leading Export calls
	block    chan struct{}
}

func (e *memExporter) Export(_ context.Context, events []ToolCallEvent) error {
	if e.block != nil {
		<-e.block
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failures > 0 {
		e.failures--
		return errors.New("exporter unavailable")
	}
	batch := make([]ToolCallEvent, len(events))
	copy(batch, events)
	e.batches = append(e.batches, batch)
	return nil
}

func (e *memExporter) batchCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.batches)
}

func (e *memExporter) allEvents() []ToolCallEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	var all []ToolCallEvent
	for _, b := range e.batches {
		all = append(all, b...)
	}
	return all
}

func newTestCollector(t *testing.T, cfg CollectorConfig) *Collector {
	t.Helper()
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = -1 // tests drive flushes explicitly
	}
	c := NewCollector(cfg, slog.Default())
	t.Cleanup(func() { _ = c.Destroy(context.Background()) })
	return c
}

func event(tool, session string, durationMs float64, success bool) ToolCallEvent {
	e := ToolCallEvent{
		ToolName:   tool,
		SessionID:  session,
		Timestamp:  time.Now().UnixMilli(),
		DurationMs: durationMs,
		Success:    success,
		InputSize:  10,
		OutputSize: 20,
	}
	if !success {
		e.ErrorMessage = "failed"
	}
	return e
}

func TestRecordAndSnapshot(t *testing.T) {
	exp := &memExporter{}
	c := newTestCollector(t, CollectorConfig{Exporter: exp})

	c.Record(event("a", "s1", 10, true))
	c.Record(event("a", "s1", 20, false))
	c.Record(event("b", "s2", 30, true))

	snap := c.Snapshot()
	require.Equal(t, int64(3), snap.TotalCalls)
	require.Equal(t, int64(1), snap.TotalErrors)
	require.InDelta(t, 1.0/3.0, snap.ErrorRate, 1e-9)

	// Totals equal the sums over the per-tool stats.
	var count, errCount int64
	for _, s := range snap.Tools {
		count += s.Count
		errCount += s.ErrorCount
	}
	require.Equal(t, snap.TotalCalls, count)
	require.Equal(t, snap.TotalErrors, errCount)

	a, ok := c.ToolStats("a")
	require.True(t, ok)
	require.Equal(t, int64(2), a.Count)
	require.Equal(t, int64(1), a.ErrorCount)
	require.InDelta(t, 0.5, a.ErrorRate, 1e-9)
	require.InDelta(t, 15, a.AvgMs, 1e-9)

	s1, ok := c.SessionStats("s1")
	require.True(t, ok)
	require.Equal(t, int64(2), s1.Count)
	require.Len(t, s1.Tools, 1)
	require.Equal(t, int64(2), s1.Tools["a"].Count)

	_, ok = c.ToolStats("missing")
	require.False(t, ok)
}

func TestPercentileWindow(t *testing.T) {
	exp := &memExporter{}
	c := newTestCollector(t, CollectorConfig{Exporter: exp, ToolWindowSize: 3})

	for _, d := range []float64{10, 20, 30, 40, 50} {
		c.Record(event("a", "", d, true))
	}

	stats, ok := c.ToolStats("a")
	require.True(t, ok)
	// Lifetime counters stay exact while the window holds {30, 40, 50}.
	require.Equal(t, int64(5), stats.Count)
	require.InDelta(t, 30, stats.AvgMs, 1e-9)
	require.InDelta(t, 40, stats.P50Ms, 1e-9)
	require.InDelta(t, 49, stats.P95Ms, 1e-9)
	require.Len(t, c.perTool["a"].recent, 3)
}

func TestPercentileInterpolation(t *testing.T) {
	require.Zero(t, percentile(nil, 50))
	require.Equal(t, 7.0, percentile([]float64{7}, 99))
	require.Equal(t, 15.0, percentile([]float64{10, 20}, 50))
	require.InDelta(t, 19.0, percentile([]float64{10, 20}, 90), 1e-9)
	require.Equal(t, 30.0, percentile([]float64{10, 20, 30}, 100))
}

func TestWindowMinimumOne(t *testing.T) {
	exp := &memExporter{}
	c := newTestCollector(t, CollectorConfig{Exporter: exp, ToolWindowSize: -3})
	for _, d := range []float64{10, 20} {
		c.Record(event("a", "", d, true))
	}
	require.Len(t, c.perTool["a"].recent, 1)
	stats, _ := c.ToolStats("a")
	require.InDelta(t, 20, stats.P50Ms, 1e-9)
}

func TestFlushDeliversPending(t *testing.T) {
	exp := &memExporter{}
	c := newTestCollector(t, CollectorConfig{Exporter: exp})

	c.Record(event("a", "", 1, true))
	c.Record(event("b", "", 2, true))
	require.Equal(t, 2, c.PendingCount())

	require.NoError(t, c.Flush(t.Context()))
	require.Equal(t, 0, c.PendingCount())
	require.Equal(t, 1, exp.batchCount())

	// Flushing with nothing pending is a no-op: the exporter is not
	// called a second time.
	require.NoError(t, c.Flush(t.Context()))
	require.Equal(t, 1, exp.batchCount())
}

func TestFlushRetryPreservesOrder(t *testing.T) {
	exp := &memExporter{failures: 1}
	c := newTestCollector(t, CollectorConfig{Exporter: exp})

	c.Record(event("first", "", 1, true))
	c.Record(event("second", "", 2, true))

	require.Error(t, c.Flush(t.Context()))
	require.Equal(t, 2, c.PendingCount())

	require.NoError(t, c.Flush(t.Context()))
	require.Equal(t, 1, exp.batchCount())
	all := exp.allEvents()
	require.Len(t, all, 2)
	require.Equal(t, "first", all[0].ToolName)
	require.Equal(t, "second", all[1].ToolName)
}

func TestFlushRequeuePrepends(t *testing.T) {
	exp := &memExporter{failures: 1}
	c := newTestCollector(t, CollectorConfig{Exporter: exp})

	c.Record(event("old", "", 1, true))
	require.Error(t, c.Flush(t.Context()))
	c.Record(event("new", "", 2, true))

	require.NoError(t, c.Flush(t.Context()))
	all := exp.allEvents()
	require.Equal(t, []string{"old", "new"}, []string{all[0].ToolName, all[1].ToolName})
}

func TestFlushSingleFlight(t *testing.T) {
	exp := &memExporter{block: make(chan struct{})}
	c := newTestCollector(t, CollectorConfig{Exporter: exp})
	c.Record(event("a", "", 1, true))

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = c.Flush(context.Background())
		}()
	}
	// Release the single in-flight export; every waiter shares its
	// outcome.
	time.Sleep(20 * time.Millisecond)
	close(exp.block)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 1, exp.batchCount())
}

func TestTimerDrivenFlush(t *testing.T) {
	exp := &memExporter{}
	c := NewCollector(CollectorConfig{Exporter: exp, FlushInterval: 10 * time.Millisecond}, slog.Default())
	t.Cleanup(func() { _ = c.Destroy(context.Background()) })

	c.Record(event("a", "", 1, true))
	require.Eventually(t, func() bool { return exp.batchCount() == 1 }, 5*time.Second, 5*time.Millisecond)
}

func TestTimerFlushErrorsSwallowed(t *testing.T) {
	exp := &memExporter{failures: 1000}
	errCh := make(chan error, 100)
	c := NewCollector(CollectorConfig{
		Exporter:      exp,
		FlushInterval: 5 * time.Millisecond,
		OnFlushError:  func(err error) { errCh <- err },
	}, slog.Default())

	c.Record(event("a", "", 1, true))
	select {
	case err := <-errCh:
		require.ErrorContains(t, err, "exporter unavailable")
	case <-time.After(5 * time.Second):
		t.Fatal("timer flush error never surfaced")
	}
	exp.mu.Lock()
	exp.failures = 0
	exp.mu.Unlock()
	require.NoError(t, c.Destroy(t.Context()))
}

func TestDestroyFlushesOnce(t *testing.T) {
	exp := &memExporter{}
	c := NewCollector(CollectorConfig{Exporter: exp, FlushInterval: time.Hour}, slog.Default())
	c.Record(event("a", "", 1, true))
	require.NoError(t, c.Destroy(t.Context()))
	require.Equal(t, 1, exp.batchCount())
	// Destroy is idempotent.
	require.NoError(t, c.Destroy(t.Context()))
}

func TestReset(t *testing.T) {
	exp := &memExporter{}
	c := newTestCollector(t, CollectorConfig{Exporter: exp})
	c.Record(event("a", "s1", 1, true))
	c.Reset()

	snap := c.Snapshot()
	require.Zero(t, snap.TotalCalls)
	require.Empty(t, snap.Tools)
	require.Empty(t, snap.Sessions)
	require.Zero(t, c.PendingCount())
	require.Empty(t, c.RecentEvents())
}

func TestRingBufferBound(t *testing.T) {
	exp := &memExporter{}
	c := newTestCollector(t, CollectorConfig{Exporter: exp, MaxBufferSize: 3})
	for i, tool := range []string{"a", "b", "c", "d", "e"} {
		c.Record(event(tool, "", float64(i), true))
	}
	recent := c.RecentEvents()
	require.Len(t, recent, 3)
	require.Equal(t, "c", recent[0].ToolName)
	require.Equal(t, "e", recent[2].ToolName)
	// The accumulators keep the full history regardless.
	require.Equal(t, int64(5), c.Snapshot().TotalCalls)
}

func TestTopSessions(t *testing.T) {
	exp := &memExporter{}
	c := newTestCollector(t, CollectorConfig{Exporter: exp})

	for i := 0; i < 3; i++ {
		c.Record(event("a", "busy", 1, true))
	}
	older := event("a", "older", 1, true)
	older.Timestamp = 1000
	c.Record(older)
	newer := event("a", "newer", 1, true)
	newer.Timestamp = 2000
	c.Record(newer)

	top := c.TopSessions(2)
	require.Len(t, top, 2)
	require.Equal(t, "busy", top[0].SessionID)
	// Equal counts break ties by most recent activity.
	require.Equal(t, "newer", top[1].SessionID)

	require.Len(t, c.TopSessions(10), 3)
}

func TestMetadataAttached(t *testing.T) {
	exp := &memExporter{}
	c := newTestCollector(t, CollectorConfig{
		Exporter: exp,
		Metadata: map[string]string{"env": "test", "region": "eu"},
	})
	e := event("a", "", 1, true)
	e.Metadata = map[string]string{"region": "us"}
	c.Record(e)
	require.NoError(t, c.Flush(t.Context()))

	got := exp.allEvents()[0].Metadata
	require.Equal(t, "test", got["env"])
	// Event-level metadata wins over collector-level.
	require.Equal(t, "us", got["region"])
}

func TestNegativeDurationClamped(t *testing.T) {
	exp := &memExporter{}
	c := newTestCollector(t, CollectorConfig{Exporter: exp})
	c.Record(event("a", "", -5, true))
	stats, _ := c.ToolStats("a")
	require.Zero(t, stats.AvgMs)
}
