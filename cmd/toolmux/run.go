// Copyright Toolmux Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel"

	"github.com/toolmux/toolmux/internal/analytics"
	"github.com/toolmux/toolmux/internal/config"
	"github.com/toolmux/toolmux/internal/gateway"
	"github.com/toolmux/toolmux/internal/metrics"
	"github.com/toolmux/toolmux/internal/tracing"
)

const shutdownTimeout = 15 * time.Second

// run wires the gateway, listener and analytics pipeline from the
// configuration file and serves until the context is cancelled.
func run(ctx context.Context, c cmdRun, stderr io.Writer) error {
	level := slog.LevelInfo
	if c.Debug {
		level = slog.LevelDebug
	}
	l := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(c.Path)
	if err != nil {
		return err
	}

	gatewayMetrics := metrics.NewGateway(otel.GetMeterProvider().Meter("github.com/toolmux/toolmux"))
	g, err := gateway.New(cfg.GatewayConfig(), l, gatewayMetrics)
	if err != nil {
		return err
	}

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = g.Connect(connectCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to connect backends: %w", err)
	}
	l.Info("connected backends", slog.Int("tools", len(g.Tools())))

	lst := gateway.NewListener(g, l, gatewayMetrics)

	var (
		collector *analytics.Collector
		shutdowns []func(context.Context) error
	)
	if cfg.Analytics != nil {
		exporter, shutdown, err := buildExporter(ctx, cfg, l)
		if err != nil {
			return err
		}
		if shutdown != nil {
			shutdowns = append(shutdowns, shutdown)
		}
		collector = analytics.NewCollector(analytics.CollectorConfig{
			Exporter:       exporter,
			FlushInterval:  cfg.Analytics.FlushInterval(),
			MaxBufferSize:  cfg.Analytics.MaxBufferSize,
			ToolWindowSize: cfg.Analytics.ToolWindowSize,
			Metadata:       cfg.Analytics.Metadata,
		}, l)

		opts := analytics.InterceptOptions{
			SampleRate: cfg.Analytics.EffectiveSampleRate(),
			Strategy:   cfg.Analytics.Strategy(),
		}
		if cfg.Analytics.Tracing {
			provider, err := tracing.NewOTLPTracerProvider(ctx, g.Name(), cfg.Analytics.Endpoint)
			if err != nil {
				return err
			}
			shutdowns = append(shutdowns, provider.Shutdown)
			opts.Tracer = tracing.NewToolCallTracer(provider.Tracer("github.com/toolmux/toolmux"))
		}
		lst.TransportWrapper = func(t mcp.Transport) mcp.Transport {
			return analytics.Intercept(t, collector, opts)
		}
	}

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           lst.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		l.Info("toolmux listening", slog.String("addr", cfg.Listen), slog.String("version", g.Version()))
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	l.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	// Stop accepting connections and wait for in-flight requests first,
	// then tear down sessions and backends.
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := lst.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if collector != nil {
		if err := collector.Destroy(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, shutdown := range shutdowns {
		if err := shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// buildExporter constructs the configured exporter and an optional
// shutdown hook.
func buildExporter(ctx context.Context, cfg *config.File, l *slog.Logger) (analytics.Exporter, func(context.Context) error, error) {
	a := cfg.Analytics
	switch a.Exporter {
	case "", "console":
		return analytics.NewConsoleExporter(nil), nil, nil
	case "json":
		exp, err := analytics.NewJSONLinesExporter(a.File)
		if err != nil {
			return nil, nil, err
		}
		return exp, func(context.Context) error { return exp.Close() }, nil
	case "otlp":
		exp, err := analytics.NewOTLPExporter(ctx, serviceName(cfg), a.Endpoint)
		if err != nil {
			return nil, nil, err
		}
		return exp, exp.Shutdown, nil
	default:
		// Unreachable: config validation rejects unknown exporters.
		return nil, nil, fmt.Errorf("unknown analytics exporter %q", a.Exporter)
	}
}

func serviceName(cfg *config.File) string {
	if cfg.Name != "" {
		return cfg.Name
	}
	return "mcp-proxy"
}
