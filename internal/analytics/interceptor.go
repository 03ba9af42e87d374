// Copyright Toolmux Authors
// SPDX-License-Identifier: Apache-2.0

package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	tracingapi "github.com/toolmux/toolmux/internal/tracing/api"
)

// SamplingStrategy selects how sampling decisions are made.
type SamplingStrategy string

const (
	// SamplePerCall samples each request independently.
	SamplePerCall SamplingStrategy = "per_call"
	// SamplePerSession samples the first request on a session and reuses
	// the decision for the session's lifetime.
	SamplePerSession SamplingStrategy = "per_session"

	// unknownSessionKey is the sampling key used when the transport has
	// no session id.
	unknownSessionKey = "unknown"
)

// InterceptOptions configures the interceptor and the handler wrapper.
type InterceptOptions struct {
	// SampleRate in [0, 1]. Out-of-range values are clamped.
	SampleRate float64
	// Strategy defaults to per-call sampling.
	Strategy SamplingStrategy
	// Tracer, when set, brackets each sampled call with a span. A nil
	// tracer disables tracing.
	Tracer tracingapi.ToolCallTracer
}

func (o InterceptOptions) rate() float64 {
	switch {
	case o.SampleRate < 0:
		return 0
	case o.SampleRate > 1:
		return 1
	default:
		return o.SampleRate
	}
}

// DefaultInterceptOptions samples everything per call, untraced.
func DefaultInterceptOptions() InterceptOptions {
	return InterceptOptions{SampleRate: 1, Strategy: SamplePerCall}
}

// InterceptTransport decorates an MCP transport so that every
// tools/call request/response pair flowing through it is recorded as a
// ToolCallEvent. All other traffic passes through untouched, in both
// directions, so the wrapper can sit on either the client or the server
// end of a connection.
type InterceptTransport struct {
	delegate  mcp.Transport
	collector *Collector
	opts      InterceptOptions

	// test hooks
	randFloat func() float64
	now       func() time.Time
}

var _ mcp.Transport = (*InterceptTransport)(nil)

// Intercept wraps delegate. The collector must outlive the transport.
func Intercept(delegate mcp.Transport, collector *Collector, opts InterceptOptions) *InterceptTransport {
	if opts.Strategy == "" {
		opts.Strategy = SamplePerCall
	}
	return &InterceptTransport{
		delegate:  delegate,
		collector: collector,
		opts:      opts,
		randFloat: rand.Float64,
		now:       time.Now,
	}
}

// Connect implements [mcp.Transport.Connect].
func (t *InterceptTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	conn, err := t.delegate.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &interceptConn{
		transport:      t,
		delegate:       conn,
		pending:        make(map[string]*pendingCall),
		sessionSampled: make(map[string]bool),
	}, nil
}

// pendingCall tracks one in-flight tools/call request until its
// response arrives or the transport closes.
type pendingCall struct {
	toolName  string
	startTime time.Time
	inputSize int
	span      tracingapi.ToolCallSpan
}

type interceptConn struct {
	transport *InterceptTransport
	delegate  mcp.Connection

	mu             sync.Mutex
	pending        map[string]*pendingCall // keyed by JSON-RPC id
	sessionSampled map[string]bool         // per-session sampling decisions
	closed         bool
}

var _ mcp.Connection = (*interceptConn)(nil)

// SessionID implements [mcp.Connection.SessionID].
func (c *interceptConn) SessionID() string { return c.delegate.SessionID() }

// Read implements [mcp.Connection.Read]. Incoming messages are observed
// before delivery.
func (c *interceptConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	msg, err := c.delegate.Read(ctx)
	if err == nil {
		c.observe(msg)
	}
	return msg, err
}

// Write implements [mcp.Connection.Write]. Outgoing messages are
// observed after a successful write.
func (c *interceptConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	if err := c.delegate.Write(ctx, msg); err != nil {
		return err
	}
	c.observe(msg)
	return nil
}

// Close implements [mcp.Connection.Close]. All pending calls are
// surfaced as failures before the underlying transport closes.
func (c *interceptConn) Close() error {
	c.drainPending()
	return c.delegate.Close()
}

func (c *interceptConn) drainPending() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	drained := make([]*pendingCall, 0, len(c.pending))
	for _, p := range c.pending {
		drained = append(drained, p)
	}
	c.pending = make(map[string]*pendingCall)
	c.sessionSampled = make(map[string]bool)
	c.mu.Unlock()

	now := c.transport.now()
	for _, p := range drained {
		err := fmt.Errorf("transport closed before tool response")
		if p.span != nil {
			p.span.EndSpanOnError("transport_closed", err)
		}
		c.transport.collector.Record(ToolCallEvent{
			ToolName:     p.toolName,
			SessionID:    c.delegate.SessionID(),
			Timestamp:    p.startTime.UnixMilli(),
			DurationMs:   float64(now.Sub(p.startTime)) / float64(time.Millisecond),
			Success:      false,
			ErrorMessage: "Transport closed before tool response",
			InputSize:    p.inputSize,
		})
	}
}

// observe classifies one message. tools/call requests open a pending
// entry; responses matching a pending id complete it. Everything else is
// ignored.
func (c *interceptConn) observe(msg jsonrpc.Message) {
	switch m := msg.(type) {
	case *jsonrpc.Request:
		c.observeRequest(m)
	case *jsonrpc.Response:
		c.observeResponse(m)
	}
}

func (c *interceptConn) observeRequest(req *jsonrpc.Request) {
	if req.Method != "tools/call" || req.ID.Raw() == nil {
		return
	}
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return
		}
	}
	if !c.sampled() {
		return
	}

	p := &pendingCall{
		toolName:  params.Name,
		startTime: c.transport.now(),
		inputSize: len(params.Arguments),
	}
	if tracer := c.transport.opts.Tracer; tracer != nil {
		_, p.span = tracer.StartToolSpan(context.Background(), params.Name)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if p.span != nil {
			p.span.EndSpanOnError("transport_closed", fmt.Errorf("transport closed"))
		}
		return
	}
	c.pending[idKey(req.ID)] = p
	c.mu.Unlock()
}

func (c *interceptConn) observeResponse(resp *jsonrpc.Response) {
	if resp.ID.Raw() == nil {
		return
	}
	key := idKey(resp.ID)
	c.mu.Lock()
	p, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	now := c.transport.now()
	event := ToolCallEvent{
		ToolName:   p.toolName,
		SessionID:  c.delegate.SessionID(),
		Timestamp:  p.startTime.UnixMilli(),
		DurationMs: float64(now.Sub(p.startTime)) / float64(time.Millisecond),
		InputSize:  p.inputSize,
	}
	event.Success, event.ErrorMessage, event.ErrorCode, event.OutputSize = classifyResponse(resp)

	if p.span != nil {
		p.span.RecordSizes(event.InputSize, event.OutputSize)
		if event.Success {
			p.span.EndSpan()
		} else {
			p.span.EndSpanOnError("tool_error", fmt.Errorf("%s", event.ErrorMessage))
		}
	}
	c.transport.collector.Record(event)
}

// classifyResponse splits a response into success/failure and measures
// the encoded payload (the result or the error object).
func classifyResponse(resp *jsonrpc.Response) (success bool, errMsg string, errCode int64, outputSize int) {
	if resp.Error == nil {
		return true, "", 0, len(resp.Result)
	}
	errMsg = resp.Error.Error()
	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if data, err := jsonrpc.EncodeMessage(resp); err == nil {
		if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error != nil {
			outputSize = len(envelope.Error)
			var wire struct {
				Code    int64  `json:"code"`
				Message string `json:"message"`
			}
			if err := json.Unmarshal(envelope.Error, &wire); err == nil {
				errCode = wire.Code
				if wire.Message != "" {
					errMsg = wire.Message
				}
			}
		}
	}
	return false, errMsg, errCode, outputSize
}

// sampled makes the sampling decision for one request.
func (c *interceptConn) sampled() bool {
	rate := c.transport.opts.rate()
	if c.transport.opts.Strategy != SamplePerSession {
		return c.transport.randFloat() < rate
	}

	key := c.delegate.SessionID()
	if key == "" {
		key = unknownSessionKey
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if decision, ok := c.sessionSampled[key]; ok {
		return decision
	}
	decision := c.transport.randFloat() < rate
	c.sessionSampled[key] = decision
	return decision
}

func idKey(id jsonrpc.ID) string {
	return fmt.Sprintf("%T:%v", id.Raw(), id.Raw())
}
