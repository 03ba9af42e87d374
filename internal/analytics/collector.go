// Copyright Toolmux Authors
// SPDX-License-Identifier: Apache-2.0

package analytics

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultFlushInterval is the periodic flush cadence when none is
	// configured.
	DefaultFlushInterval = 5 * time.Second
	// DefaultMaxBufferSize bounds the in-memory ring of recent events.
	DefaultMaxBufferSize = 10000
	// DefaultToolWindowSize bounds per-tool percentile memory.
	DefaultToolWindowSize = 2048
)

// CollectorConfig configures a Collector. Zero values select defaults.
type CollectorConfig struct {
	// Exporter receives event batches. Required.
	Exporter Exporter
	// FlushInterval is the periodic flush cadence. Zero selects
	// DefaultFlushInterval; a negative value disables the timer.
	FlushInterval time.Duration
	// MaxBufferSize bounds the debugging ring buffer of recent events;
	// the oldest event is dropped on overflow.
	MaxBufferSize int
	// ToolWindowSize bounds the per-tool recent-duration window used for
	// percentiles. Minimum one.
	ToolWindowSize int
	// Metadata is attached to every recorded event that does not already
	// carry the key.
	Metadata map[string]string
	// OnFlushError receives errors from timer-driven flushes so they
	// never crash the timer. Defaults to logging.
	OnFlushError func(error)
}

// Collector accumulates tool-call events into per-tool and per-session
// statistics and streams them in batches to the exporter. It is safe for
// concurrent use; construct it explicitly and inject it where needed.
type Collector struct {
	cfg      CollectorConfig
	l        *slog.Logger
	exporter Exporter
	now      func() time.Time

	mu          sync.Mutex
	startTime   time.Time
	totalCalls  int64
	totalErrors int64
	buffer      []ToolCallEvent // ring of recent events, debugging only
	pending     []ToolCallEvent // not yet exported
	perTool     map[string]*toolAccumulator
	perSession  map[string]*sessionAccumulator
	inflight    *flushHandle

	stop     chan struct{}
	stopOnce sync.Once
	timerWG  sync.WaitGroup
}

// flushHandle is the single-flight handle concurrent Flush callers wait
// on.
type flushHandle struct {
	done chan struct{}
	err  error
}

// NewCollector constructs a Collector and starts its flush timer unless
// the configured interval is negative.
func NewCollector(cfg CollectorConfig, l *slog.Logger) *Collector {
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = DefaultMaxBufferSize
	}
	switch {
	case cfg.ToolWindowSize == 0:
		cfg.ToolWindowSize = DefaultToolWindowSize
	case cfg.ToolWindowSize < 1:
		cfg.ToolWindowSize = 1
	}
	c := &Collector{
		cfg:        cfg,
		l:          l,
		exporter:   cfg.Exporter,
		now:        time.Now,
		startTime:  time.Now(),
		perTool:    make(map[string]*toolAccumulator),
		perSession: make(map[string]*sessionAccumulator),
		stop:       make(chan struct{}),
	}
	if c.cfg.OnFlushError == nil {
		c.cfg.OnFlushError = func(err error) {
			l.Error("periodic analytics flush failed", slog.String("error", err.Error()))
		}
	}
	if cfg.FlushInterval > 0 {
		c.timerWG.Add(1)
		go c.flushLoop(cfg.FlushInterval)
	}
	return c
}

func (c *Collector) flushLoop(interval time.Duration) {
	defer c.timerWG.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if err := c.Flush(context.Background()); err != nil {
				c.cfg.OnFlushError(err)
			}
		}
	}
}

// Record accumulates one event into the totals, the per-tool and
// per-session accumulators, the ring buffer and the pending queue.
func (c *Collector) Record(e ToolCallEvent) {
	if e.DurationMs < 0 {
		e.DurationMs = 0
	}
	if len(c.cfg.Metadata) > 0 {
		merged := make(map[string]string, len(c.cfg.Metadata)+len(e.Metadata))
		for k, v := range c.cfg.Metadata {
			merged[k] = v
		}
		for k, v := range e.Metadata {
			merged[k] = v
		}
		e.Metadata = merged
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalCalls++
	if !e.Success {
		c.totalErrors++
	}

	acc := c.perTool[e.ToolName]
	if acc == nil {
		acc = &toolAccumulator{}
		c.perTool[e.ToolName] = acc
	}
	acc.record(e, c.cfg.ToolWindowSize)

	if e.SessionID != "" {
		sess := c.perSession[e.SessionID]
		if sess == nil {
			sess = &sessionAccumulator{}
			c.perSession[e.SessionID] = sess
		}
		sess.record(e, c.cfg.ToolWindowSize)
	}

	c.buffer = append(c.buffer, e)
	if len(c.buffer) > c.cfg.MaxBufferSize {
		c.buffer = c.buffer[1:]
	}
	c.pending = append(c.pending, e)
}

// Flush drains the pending queue to the exporter in batches. Flushes are
// single-flight: while one is in progress, additional callers wait for
// it and share its outcome. On exporter failure the unsent batch is
// prepended back so ordering relative to newer events is preserved, and
// the error propagates.
func (c *Collector) Flush(ctx context.Context) error {
	c.mu.Lock()
	if f := c.inflight; f != nil {
		c.mu.Unlock()
		select {
		case <-f.done:
			return f.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f := &flushHandle{done: make(chan struct{})}
	c.inflight = f
	c.mu.Unlock()

	f.err = c.drain(ctx)
	c.mu.Lock()
	c.inflight = nil
	c.mu.Unlock()
	close(f.done)
	return f.err
}

func (c *Collector) drain(ctx context.Context) error {
	for {
		c.mu.Lock()
		if len(c.pending) == 0 {
			c.mu.Unlock()
			return nil
		}
		batch := c.pending
		c.pending = nil
		c.mu.Unlock()

		if err := c.exporter.Export(ctx, batch); err != nil {
			c.mu.Lock()
			c.pending = append(batch, c.pending...)
			c.mu.Unlock()
			return exporterError(len(batch), err)
		}
	}
}

// Destroy stops the flush timer and flushes once.
func (c *Collector) Destroy(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stop) })
	c.timerWG.Wait()
	return c.Flush(ctx)
}

// Reset clears the ring buffer, the pending queue, all accumulators and
// the totals, and restarts the uptime clock.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalCalls = 0
	c.totalErrors = 0
	c.buffer = nil
	c.pending = nil
	c.perTool = make(map[string]*toolAccumulator)
	c.perSession = make(map[string]*sessionAccumulator)
	c.startTime = c.now()
}

// ToolStats returns the derived stats for one tool.
func (c *Collector) ToolStats(toolName string) (ToolStats, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	acc, ok := c.perTool[toolName]
	if !ok {
		return ToolStats{}, false
	}
	return acc.stats(), true
}

// SessionStats returns the derived stats for one session.
func (c *Collector) SessionStats(sessionID string) (SessionStats, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	acc, ok := c.perSession[sessionID]
	if !ok {
		return SessionStats{}, false
	}
	return acc.stats(), true
}

// Snapshot returns a consistent copy of everything accumulated so far.
func (c *Collector) Snapshot() AnalyticsSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := AnalyticsSnapshot{
		TotalCalls:  c.totalCalls,
		TotalErrors: c.totalErrors,
		UptimeMs:    c.now().Sub(c.startTime).Milliseconds(),
		Tools:       make(map[string]ToolStats, len(c.perTool)),
		Sessions:    make(map[string]SessionStats, len(c.perSession)),
	}
	if c.totalCalls > 0 {
		snap.ErrorRate = float64(c.totalErrors) / float64(c.totalCalls)
	}
	for name, acc := range c.perTool {
		snap.Tools[name] = acc.stats()
	}
	for id, acc := range c.perSession {
		snap.Sessions[id] = acc.stats()
	}
	return snap
}

// TopSessions returns up to k sessions ordered by call count descending,
// ties broken by the most recent activity.
func (c *Collector) TopSessions(k int) []SessionRanking {
	c.mu.Lock()
	ranked := make([]SessionRanking, 0, len(c.perSession))
	for id, acc := range c.perSession {
		ranked = append(ranked, SessionRanking{SessionID: id, Stats: acc.stats()})
	}
	c.mu.Unlock()

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Stats.Count != ranked[j].Stats.Count {
			return ranked[i].Stats.Count > ranked[j].Stats.Count
		}
		return ranked[i].Stats.LastCalledAt > ranked[j].Stats.LastCalledAt
	})
	if k >= 0 && k < len(ranked) {
		ranked = ranked[:k]
	}
	return ranked
}

// RecentEvents returns a copy of the ring buffer, oldest first.
func (c *Collector) RecentEvents() []ToolCallEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ToolCallEvent, len(c.buffer))
	copy(out, c.buffer)
	return out
}

// PendingCount reports the number of events awaiting export.
func (c *Collector) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
