// Copyright Toolmux Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/toolmux/toolmux/internal/version"
)

// BackendConfig declares how to reach one upstream MCP server. Exactly
// one of URL (streamable HTTP) or Command (stdio child process) is set.
// Immutable after construction.
type BackendConfig struct {
	// URL is the streamable HTTP endpoint of the upstream server.
	URL string
	// Headers are optional HTTP headers sent on every upstream request.
	Headers map[string]string
	// Command is the executable spawned for a stdio upstream.
	Command string
	// Args are the command-line arguments.
	Args []string
	// Env are extra environment variables for the child process.
	Env map[string]string
}

// IsHTTP reports whether the backend speaks streamable HTTP.
func (c BackendConfig) IsHTTP() bool { return c.URL != "" }

// Backend is a client connection to one upstream MCP server. Reconnect
// is not automatic: a failed backend stays disconnected until the caller
// connects it again.
type Backend struct {
	name string
	cfg  BackendConfig
	l    *slog.Logger

	mu        sync.Mutex
	sess      *mcp.ClientSession
	tools     []*mcp.Tool // memoized ListTools result, nil until fetched
	connected bool
}

func newBackend(name string, cfg BackendConfig, l *slog.Logger) *Backend {
	return &Backend{name: name, cfg: cfg, l: l}
}

// Name returns the backend's configured name.
func (b *Backend) Name() string { return b.name }

// Config returns the backend's immutable configuration.
func (b *Backend) Config() BackendConfig { return b.cfg }

// Connected reports whether the backend has a live session.
func (b *Backend) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Connect establishes the MCP session to the upstream server. Calling
// Connect on an already connected backend is a no-op.
func (b *Backend) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.connected {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	transport, err := b.transport()
	if err != nil {
		return err
	}
	client := mcp.NewClient(&mcp.Implementation{
		Name:    "toolmux-upstream-client",
		Version: version.Parse(),
	}, nil)
	sess, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("failed to connect backend %q: %w", b.name, err)
	}
	if b.l.Enabled(ctx, slog.LevelDebug) {
		b.l.Debug("connected backend", slog.String("backend", b.name))
	}

	b.mu.Lock()
	b.sess = sess
	b.connected = true
	b.mu.Unlock()
	return nil
}

func (b *Backend) transport() (mcp.Transport, error) {
	switch {
	case b.cfg.URL != "":
		httpClient := &http.Client{Timeout: 60 * time.Second}
		if len(b.cfg.Headers) > 0 {
			httpClient.Transport = &headerRoundTripper{base: http.DefaultTransport, headers: b.cfg.Headers}
		}
		return &mcp.StreamableClientTransport{Endpoint: b.cfg.URL, HTTPClient: httpClient}, nil
	case b.cfg.Command != "":
		cmd := exec.Command(b.cfg.Command, b.cfg.Args...)
		if len(b.cfg.Env) > 0 {
			env := os.Environ()
			for k, v := range b.cfg.Env {
				env = append(env, fmt.Sprintf("%s=%s", k, v))
			}
			cmd.Env = env
		}
		return &mcp.CommandTransport{Command: cmd}, nil
	default:
		return nil, fmt.Errorf("backend %q has neither url nor command", b.name)
	}
}

// ListTools returns the upstream tool list, memoized until
// InvalidateToolCache.
func (b *Backend) ListTools(ctx context.Context) ([]*mcp.Tool, error) {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil, fmt.Errorf("backend %q is not connected", b.name)
	}
	if b.tools != nil {
		tools := b.tools
		b.mu.Unlock()
		return tools, nil
	}
	sess := b.sess
	b.mu.Unlock()

	res, err := sess.ListTools(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools on backend %q: %w", b.name, err)
	}
	b.mu.Lock()
	b.tools = res.Tools
	b.mu.Unlock()
	return res.Tools, nil
}

// InvalidateToolCache drops the memoized tool list so the next ListTools
// refetches it from the upstream.
func (b *Backend) InvalidateToolCache() {
	b.mu.Lock()
	b.tools = nil
	b.mu.Unlock()
}

// CallTool forwards a tool invocation to the upstream server.
func (b *Backend) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil, fmt.Errorf("backend %q is not connected", b.name)
	}
	sess := b.sess
	b.mu.Unlock()

	return sess.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
}

// Close tears down the upstream session. Outstanding calls are aborted
// by the session close.
func (b *Backend) Close() error {
	b.mu.Lock()
	sess := b.sess
	b.sess = nil
	b.tools = nil
	b.connected = false
	b.mu.Unlock()
	if sess == nil {
		return nil
	}
	if err := sess.Close(); err != nil {
		return fmt.Errorf("failed to close backend %q: %w", b.name, err)
	}
	return nil
}

// headerRoundTripper injects the configured headers into every request.
type headerRoundTripper struct {
	base    http.RoundTripper
	headers map[string]string
}

func (rt *headerRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	clone := r.Clone(r.Context())
	for k, v := range rt.headers {
		clone.Header.Set(k, v)
	}
	return rt.base.RoundTrip(clone)
}
