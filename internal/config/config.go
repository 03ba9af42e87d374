// Copyright Toolmux Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates the toolmux configuration file and
// translates it into gateway and analytics settings.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/toolmux/toolmux/internal/analytics"
	"github.com/toolmux/toolmux/internal/gateway"
	"github.com/toolmux/toolmux/internal/middleware"
)

// File is the root of the configuration file.
type File struct {
	// Name and Version are advertised to MCP clients.
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	// Listen is the HTTP listen address, default ":8080".
	Listen string `yaml:"listen"`
	// Servers declares the upstream backends. Declaration order decides
	// aggregation tie-breaking, so the mapping order is preserved.
	Servers ServerMap `yaml:"servers"`
	// Routing rules, evaluated in list order.
	Routing []RoutingRule `yaml:"routing"`
	// Middleware chain in execution order.
	Middleware []MiddlewareSpec `yaml:"middleware"`
	// Analytics enables the observability collector.
	Analytics *AnalyticsConfig `yaml:"analytics"`
}

// ServerMap is a YAML mapping of backend name to server settings that
// remembers declaration order.
type ServerMap struct {
	Entries []ServerEntry
}

// ServerEntry is one named backend.
type ServerEntry struct {
	Name   string
	Server Server
}

// UnmarshalYAML implements [yaml.Unmarshaler], walking the mapping node
// directly so declaration order survives.
func (m *ServerMap) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("servers must be a mapping")
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		var name string
		if err := node.Content[i].Decode(&name); err != nil {
			return err
		}
		var s Server
		if err := node.Content[i+1].Decode(&s); err != nil {
			return err
		}
		m.Entries = append(m.Entries, ServerEntry{Name: name, Server: s})
	}
	return nil
}

// Server declares one upstream MCP server: either a streamable HTTP
// endpoint or a stdio command.
type Server struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
}

// RoutingRule maps a tool-name glob pattern to a backend.
type RoutingRule struct {
	Pattern string `yaml:"pattern"`
	Server  string `yaml:"server"`
}

// MiddlewareSpec declares exactly one built-in middleware.
type MiddlewareSpec struct {
	Filter *FilterSpec `yaml:"filter"`
	Cache  *CacheSpec  `yaml:"cache"`
}

// FilterSpec configures the filter middleware.
type FilterSpec struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

// CacheSpec configures the cache middleware.
type CacheSpec struct {
	TTLSeconds float64 `yaml:"ttlSeconds"`
	MaxSize    int     `yaml:"maxSize"`
}

// AnalyticsConfig configures the collector and its exporter.
type AnalyticsConfig struct {
	// Exporter is one of "console", "json" or "otlp".
	Exporter string `yaml:"exporter"`
	// File is the output path for the json exporter.
	File string `yaml:"file"`
	// Endpoint is the OTLP/HTTP endpoint for the otlp exporter. Empty
	// defers to OTEL_EXPORTER_OTLP_* environment variables.
	Endpoint string `yaml:"endpoint"`
	// SampleRate in [0, 1]. Unset means 1.
	SampleRate *float64 `yaml:"sampleRate"`
	// FlushIntervalMs is the periodic flush cadence. Unset selects the
	// default; 0 disables the timer.
	FlushIntervalMs *int `yaml:"flushIntervalMs"`
	// MaxBufferSize bounds the recent-event ring buffer.
	MaxBufferSize int `yaml:"maxBufferSize"`
	// ToolWindowSize bounds per-tool percentile memory.
	ToolWindowSize int `yaml:"toolWindowSize"`
	// Metadata is attached to every exported event.
	Metadata map[string]string `yaml:"metadata"`
	// Tracing brackets sampled tool calls with OTEL spans.
	Tracing bool `yaml:"tracing"`
	// SamplingStrategy is "per_call" (default) or "per_session".
	SamplingStrategy string `yaml:"samplingStrategy"`
}

// Load reads and parses the configuration file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a configuration document.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) validate() error {
	if f.Listen == "" {
		f.Listen = ":8080"
	}
	seen := make(map[string]struct{}, len(f.Servers.Entries))
	for _, e := range f.Servers.Entries {
		if e.Name == "" {
			return fmt.Errorf("every server requires a name")
		}
		if _, dup := seen[e.Name]; dup {
			return fmt.Errorf("duplicate server name %q", e.Name)
		}
		seen[e.Name] = struct{}{}
		switch {
		case e.Server.URL == "" && e.Server.Command == "":
			return fmt.Errorf("server %q requires either url or command", e.Name)
		case e.Server.URL != "" && e.Server.Command != "":
			return fmt.Errorf("server %q cannot set both url and command", e.Name)
		}
	}
	for i, r := range f.Routing {
		if r.Server == "" {
			return fmt.Errorf("routing rule %d requires a server", i)
		}
		if _, ok := seen[r.Server]; !ok {
			return fmt.Errorf("routing rule %d references unknown server %q", i, r.Server)
		}
	}
	for i, m := range f.Middleware {
		if (m.Filter == nil) == (m.Cache == nil) {
			return fmt.Errorf("middleware %d must declare exactly one of filter or cache", i)
		}
	}
	if a := f.Analytics; a != nil {
		switch a.Exporter {
		case "", "console", "json", "otlp":
		default:
			return fmt.Errorf("unknown analytics exporter %q", a.Exporter)
		}
		if a.Exporter == "json" && a.File == "" {
			return fmt.Errorf("analytics exporter \"json\" requires a file")
		}
		if a.SampleRate != nil && (*a.SampleRate < 0 || *a.SampleRate > 1) {
			return fmt.Errorf("analytics sampleRate must be within [0, 1]")
		}
		switch a.SamplingStrategy {
		case "", string(analytics.SamplePerCall), string(analytics.SamplePerSession):
		default:
			return fmt.Errorf("unknown samplingStrategy %q", a.SamplingStrategy)
		}
	}
	return nil
}

// GatewayConfig translates the file into the gateway's configuration.
func (f *File) GatewayConfig() gateway.Config {
	cfg := gateway.Config{
		Name:    f.Name,
		Version: f.Version,
		Routing: make([]gateway.RoutingRule, len(f.Routing)),
	}
	for _, e := range f.Servers.Entries {
		cfg.Servers = append(cfg.Servers, gateway.ServerConfig{
			Name: e.Name,
			Backend: gateway.BackendConfig{
				URL:     e.Server.URL,
				Headers: e.Server.Headers,
				Command: e.Server.Command,
				Args:    e.Server.Args,
				Env:     e.Server.Env,
			},
		})
	}
	for i, r := range f.Routing {
		cfg.Routing[i] = gateway.RoutingRule{Pattern: r.Pattern, Server: r.Server}
	}
	for _, m := range f.Middleware {
		switch {
		case m.Filter != nil:
			cfg.Middleware = append(cfg.Middleware, middleware.Filter(middleware.FilterConfig{
				Allow: m.Filter.Allow,
				Deny:  m.Filter.Deny,
			}))
		case m.Cache != nil:
			cfg.Middleware = append(cfg.Middleware, middleware.Cache(middleware.CacheConfig{
				TTL:     time.Duration(m.Cache.TTLSeconds * float64(time.Second)),
				MaxSize: m.Cache.MaxSize,
			}))
		}
	}
	return cfg
}

// EffectiveSampleRate returns the configured sampling rate, default 1.
func (a *AnalyticsConfig) EffectiveSampleRate() float64 {
	if a == nil || a.SampleRate == nil {
		return 1
	}
	return *a.SampleRate
}

// FlushInterval maps flushIntervalMs onto the collector convention:
// unset selects the default, 0 disables the timer.
func (a *AnalyticsConfig) FlushInterval() time.Duration {
	if a == nil || a.FlushIntervalMs == nil {
		return 0 // collector default
	}
	if *a.FlushIntervalMs == 0 {
		return -1 // disabled
	}
	return time.Duration(*a.FlushIntervalMs) * time.Millisecond
}

// Strategy returns the sampling strategy, default per-call.
func (a *AnalyticsConfig) Strategy() analytics.SamplingStrategy {
	if a == nil || a.SamplingStrategy == "" {
		return analytics.SamplePerCall
	}
	return analytics.SamplingStrategy(a.SamplingStrategy)
}
