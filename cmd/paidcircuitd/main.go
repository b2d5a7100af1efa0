// Command paidcircuitd is the paid-circuit-protocol daemon: it runs as a
// client, a relay, or both against a router already listening on a
// control port, per spec.md §6.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	watchdog "github.com/raulk/go-watchdog"

	"github.com/paidcircuit/paidcircuitd/internal/config"
	"github.com/paidcircuit/paidcircuitd/internal/logging"
	"github.com/paidcircuit/paidcircuitd/internal/metrics"
	"github.com/paidcircuit/paidcircuitd/internal/orchestrator"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("paidcircuitd", flag.ContinueOnError)
	torrcPath := fs.String("f", "", "path to the router directive file")
	password := fs.String("pw", "", "control-channel password (overrides config/env)")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: paidcircuitd {relay|client|both} [-f torrc] [-pw password] [-log-level level]")
		return 2
	}
	mode := orchestrator.Mode(fs.Arg(0))
	switch mode {
	case orchestrator.ModeClient, orchestrator.ModeRelay, orchestrator.ModeBoth:
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q: must be relay, client, or both\n", mode)
		return 2
	}

	logging.SetDefault(logging.New(os.Stderr, parseLevel(*logLevel)))

	cfg, err := config.Load(*torrcPath)
	if err != nil {
		slog.Error("config load failed", "error", err)
		return 1
	}
	if *password != "" {
		cfg.ControlPassword = *password
	}

	if err, stopWatchdog := watchdog.HeapDriven(500<<20, 15, watchdog.NewAdaptivePolicy(0.5)); err != nil {
		slog.Warn("memory watchdog unavailable, continuing without it", "error", err)
	} else {
		defer stopWatchdog()
	}

	if cfg.MetricsAddr != "" {
		metricsSrv := metrics.New(cfg.MetricsAddr)
		if err := metricsSrv.Start(); err != nil {
			slog.Warn("metrics server unavailable, continuing without it", "error", err)
		} else {
			defer metricsSrv.Stop()
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	orch := orchestrator.New(mode, cfg)
	if err := orch.Run(ctx); err != nil {
		slog.Error("daemon exited with error", "error", err)
		return 1
	}
	return 0
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
