//go:build linux

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/e7canasta/orion-care-sensor/modules/framebroker/internal/config"
)

const defaultConfigPath = "config/framebroker.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging (overrides log.level)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "framebrokerd: %v\n", err)
		os.Exit(1)
	}

	closeLog, err := setupLogger(cfg.Log, *debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "framebrokerd: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	slog.Info("starting framebroker service",
		"config", *configPath,
		"instance_id", cfg.InstanceID,
		"provider", cfg.Provider.Kind,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	svc, err := newService(cfg)
	if err != nil {
		slog.Error("failed to create framebroker service", "error", err)
		os.Exit(1)
	}

	if err := svc.Start(ctx); err != nil {
		slog.Error("failed to start framebroker service", "error", err)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		_ = svc.Shutdown(shutdownCtx)
		shutdownCancel()
		os.Exit(1)
	}

	sig := <-sigChan
	slog.Info("received shutdown signal", "signal", sig)
	cancel()

	timeout := cfg.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", timeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()

	if err := svc.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		os.Exit(1)
	}

	slog.Info("framebroker service stopped successfully")
}

// setupLogger installs the default slog logger. The returned func closes the
// log file, if any.
func setupLogger(cfg config.LogConfig, debug bool) (func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	if debug {
		level = slog.LevelDebug
	}

	var (
		out     io.Writer = os.Stdout
		closeFn           = func() {}
	)
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
		closeFn = func() { f.Close() }
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	slog.SetDefault(slog.New(handler))
	return closeFn, nil
}
