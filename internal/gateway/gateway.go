// Copyright Toolmux Authors
// SPDX-License-Identifier: Apache-2.0

// Package gateway implements the aggregating MCP gateway: backend
// clients, glob routing, the middleware pipeline entry point, the
// aggregated tool index and the per-session server factory.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/toolmux/toolmux/internal/metrics"
	"github.com/toolmux/toolmux/internal/middleware"
)

const (
	defaultName    = "mcp-proxy"
	defaultVersion = "1.0.0"
)

// ServerConfig pairs a backend name with its transport configuration.
type ServerConfig struct {
	Name    string
	Backend BackendConfig
}

// Config is the gateway configuration. Immutable after construction.
type Config struct {
	// Name and Version are advertised to MCP clients. Default
	// "mcp-proxy" / "1.0.0".
	Name    string
	Version string
	// Servers in declaration order. Declaration order fixes the
	// tie-breaking of duplicate tool names during aggregation.
	Servers []ServerConfig
	// Routing rules, evaluated in list order.
	Routing []RoutingRule
	// Middleware chain run around every dispatched tool call.
	Middleware []middleware.Middleware
}

// BackendStatus is the snapshot Backends returns for one backend.
type BackendStatus struct {
	Name      string
	Config    BackendConfig
	Tools     []string
	Connected bool
}

// Gateway owns the backends, the router, the middleware chain and the
// aggregated tool index.
type Gateway struct {
	cfg     Config
	l       *slog.Logger
	metrics metrics.GatewayMetrics
	router  *router

	order    []string
	backends map[string]*Backend

	// index is replaced wholesale by RefreshToolIndex; indexOrder keeps
	// the aggregation order for server construction.
	mu         sync.RWMutex
	index      map[string]ToolInfo
	indexOrder []string
}

// New validates cfg and constructs a Gateway. Backends are created but
// not connected.
func New(cfg Config, l *slog.Logger, m metrics.GatewayMetrics) (*Gateway, error) {
	if cfg.Name == "" {
		cfg.Name = defaultName
	}
	if cfg.Version == "" {
		cfg.Version = defaultVersion
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	g := &Gateway{
		cfg:      cfg,
		l:        l,
		metrics:  m,
		router:   newRouter(cfg.Routing),
		backends: make(map[string]*Backend, len(cfg.Servers)),
		index:    make(map[string]ToolInfo),
	}
	for _, s := range cfg.Servers {
		if s.Name == "" {
			return nil, errors.New("every server requires a name")
		}
		if _, dup := g.backends[s.Name]; dup {
			return nil, fmt.Errorf("duplicate server name %q", s.Name)
		}
		if s.Backend.URL == "" && s.Backend.Command == "" {
			return nil, fmt.Errorf("server %q requires either url or command", s.Name)
		}
		if s.Backend.URL != "" && s.Backend.Command != "" {
			return nil, fmt.Errorf("server %q cannot set both url and command", s.Name)
		}
		g.order = append(g.order, s.Name)
		g.backends[s.Name] = newBackend(s.Name, s.Backend, l)
	}
	return g, nil
}

// Name returns the advertised server name.
func (g *Gateway) Name() string { return g.cfg.Name }

// Version returns the advertised server version.
func (g *Gateway) Version() string { return g.cfg.Version }

// Connect connects all backends in parallel, then builds the aggregated
// tool index. Failure of any backend fails the whole call.
func (g *Gateway) Connect(ctx context.Context) error {
	eg, egCtx := errgroup.WithContext(ctx)
	for _, name := range g.order {
		backend := g.backends[name]
		eg.Go(func() error { return backend.Connect(egCtx) })
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	return g.RefreshToolIndex(ctx)
}

// RefreshToolIndex collects every backend's tool list (each backend's
// memoized list, fetched from the upstream only after
// InvalidateToolCache), aggregates the lists first-wins in backend
// declaration order, and atomically replaces the tool index.
func (g *Gateway) RefreshToolIndex(ctx context.Context) error {
	var (
		listMu    sync.Mutex
		byBackend = make(map[string][]*mcp.Tool, len(g.order))
	)
	eg, ctx := errgroup.WithContext(ctx)
	for _, name := range g.order {
		backend := g.backends[name]
		eg.Go(func() error {
			tools, err := backend.ListTools(ctx)
			if err != nil {
				return err
			}
			listMu.Lock()
			byBackend[backend.Name()] = tools
			listMu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	merged := aggregateTools(g.order, byBackend)
	index := make(map[string]ToolInfo, len(merged))
	indexOrder := make([]string, 0, len(merged))
	for _, info := range merged {
		index[info.Tool.Name] = info
		indexOrder = append(indexOrder, info.Tool.Name)
	}

	g.mu.Lock()
	g.index = index
	g.indexOrder = indexOrder
	g.mu.Unlock()
	if g.l.Enabled(ctx, slog.LevelDebug) {
		g.l.Debug("refreshed tool index", slog.Int("tools", len(merged)))
	}
	return nil
}

// CallTool routes a tool invocation through the middleware chain to its
// backend. Failures never surface as raw errors to MCP clients: every
// failure mode is converted into an error result.
func (g *Gateway) CallTool(ctx context.Context, toolName string, args map[string]any) *mcp.CallToolResult {
	startAt := time.Now()
	serverName, ok := g.router.resolve(toolName)
	if !ok {
		g.metrics.RecordToolCallErrorDuration(ctx, &startAt, toolName, "", metrics.ErrorRouteNotFound)
		return errorResult(fmt.Sprintf("No routing rule matches tool %q", toolName))
	}
	backend, ok := g.backends[serverName]
	if !ok {
		g.metrics.RecordToolCallErrorDuration(ctx, &startAt, toolName, serverName, metrics.ErrorBackendNotFound)
		return errorResult(fmt.Sprintf("Backend not found: %q", serverName))
	}
	if args == nil {
		args = make(map[string]any)
	}

	mc := &middleware.Context{ToolName: toolName, Arguments: args, Server: serverName}
	res, err := middleware.Run(ctx, g.cfg.Middleware, mc, func(ctx context.Context, mc *middleware.Context) (*mcp.CallToolResult, error) {
		return backend.CallTool(ctx, mc.ToolName, mc.Arguments)
	})
	if err != nil {
		g.l.Error("tool call failed",
			slog.String("tool", toolName),
			slog.String("backend", serverName),
			slog.String("error", err.Error()))
		g.metrics.RecordToolCallErrorDuration(ctx, &startAt, toolName, serverName, metrics.ErrorBackendCall)
		return errorResult("Backend error: " + err.Error())
	}
	g.metrics.RecordToolCallDuration(ctx, &startAt, toolName, serverName)
	return res
}

// Tools returns the aggregated tool index in aggregation order.
func (g *Gateway) Tools() []ToolInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()
	infos := make([]ToolInfo, 0, len(g.indexOrder))
	for _, name := range g.indexOrder {
		infos = append(infos, g.index[name])
	}
	return infos
}

// Backends returns a point-in-time snapshot of every backend: its
// configuration, its share of the aggregated tools and its connected
// flag. A backend that failed stays listed as disconnected.
func (g *Gateway) Backends() []BackendStatus {
	g.mu.RLock()
	toolsByBackend := make(map[string][]string)
	for _, name := range g.indexOrder {
		info := g.index[name]
		toolsByBackend[info.Backend] = append(toolsByBackend[info.Backend], name)
	}
	g.mu.RUnlock()

	statuses := make([]BackendStatus, 0, len(g.order))
	for _, name := range g.order {
		b := g.backends[name]
		statuses = append(statuses, BackendStatus{
			Name:      name,
			Config:    b.Config(),
			Tools:     toolsByBackend[name],
			Connected: b.Connected(),
		})
	}
	return statuses
}

// MCPServer builds an MCP server re-exporting every aggregated tool
// under its own name. The advertised input schema is deliberately
// permissive: backend validation is authoritative.
func (g *Gateway) MCPServer() *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    g.cfg.Name,
		Version: g.cfg.Version,
	}, &mcp.ServerOptions{HasTools: true})

	for _, info := range g.Tools() {
		toolName := info.Tool.Name
		server.AddTool(&mcp.Tool{
			Name:        toolName,
			Description: info.Tool.Description,
			InputSchema: permissiveSchema(),
		}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args, err := decodeArguments(req)
			if err != nil {
				return errorResult(fmt.Sprintf("Invalid arguments for tool %q: %v", toolName, err)), nil
			}
			return g.CallTool(ctx, toolName, args), nil
		})
	}
	return server
}

// Close closes all backends in parallel and clears the tool index.
// Individual close errors are collected, not short-circuited.
func (g *Gateway) Close() error {
	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	for _, name := range g.order {
		backend := g.backends[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := backend.Close(); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	g.mu.Lock()
	g.index = make(map[string]ToolInfo)
	g.indexOrder = nil
	g.mu.Unlock()
	return errors.Join(errs...)
}

func permissiveSchema() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "object"}
}

// decodeArguments normalizes the request arguments into a map. The SDK
// hands raw JSON to untyped tool handlers.
func decodeArguments(req *mcp.CallToolRequest) (map[string]any, error) {
	if req == nil || req.Params == nil || len(req.Params.Arguments) == 0 {
		return map[string]any{}, nil
	}
	raw := req.Params.Arguments
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func errorResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: true,
	}
}
