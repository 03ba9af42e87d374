// Copyright Toolmux Authors
// SPDX-License-Identifier: Apache-2.0

// Command toolmux runs the aggregating MCP gateway with its analytics
// collector.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/toolmux/toolmux/internal/version"
)

type (
	// cmd corresponds to the top-level `toolmux` command.
	cmd struct {
		// Version is the sub-command to show the version.
		Version struct{} `cmd:"" help:"Show version."`
		// Run is the sub-command parsed by the `cmdRun` struct.
		Run cmdRun `cmd:"" help:"Run the gateway for the given configuration."`
		// Healthcheck is the sub-command to check if the server is healthy.
		Healthcheck cmdHealthcheck `cmd:"" help:"Docker HEALTHCHECK command."`
	}
	// cmdRun corresponds to `toolmux run`.
	cmdRun struct {
		Debug bool   `help:"Enable debug logging emitted to stderr."`
		Path  string `arg:"" name:"path" help:"Path to the toolmux configuration yaml file." type:"path"`
	}
	// cmdHealthcheck corresponds to `toolmux healthcheck`.
	cmdHealthcheck struct {
		Port int `help:"HTTP port the gateway listens on." default:"8080"`
	}
)

func main() {
	doMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr)
}

// doMain is the testable entry point.
func doMain(ctx context.Context, args []string, stdout, stderr io.Writer) {
	var c cmd
	parser, err := kong.New(&c,
		kong.Name("toolmux"),
		kong.Description("Aggregating MCP gateway with tool-call analytics."),
		kong.Writers(stdout, stderr),
	)
	if err != nil {
		panic(err)
	}
	parsed, err := parser.Parse(args)
	if err != nil {
		parser.FatalIfErrorf(err)
		return
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch parsed.Command() {
	case "version":
		_, _ = fmt.Fprintf(stdout, "toolmux %s\n", version.Parse())
	case "run <path>":
		if err := run(ctx, c.Run, stderr); err != nil {
			_, _ = fmt.Fprintf(stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "healthcheck":
		if err := healthcheck(ctx, c.Healthcheck.Port, stdout); err != nil {
			_, _ = fmt.Fprintf(stderr, "error: %v\n", err)
			os.Exit(1)
		}
	}
}
