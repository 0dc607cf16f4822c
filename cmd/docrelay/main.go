// Package main is the docrelay entry point: it loads configuration, builds
// the service and runs it until SIGINT or SIGTERM.
package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/docrelay/config"
	"github.com/c360/docrelay/service"
)

// Build information
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "docrelay"
)

const startupTimeout = 30 * time.Second

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cliCfg, logger, shouldExit, err := initializeCLI(args)
	if shouldExit || err != nil {
		return err
	}

	if cliCfg.PrintConfig {
		return printConfig(os.Stdout, cliCfg.ConfigPath)
	}

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return err
	}
	if cliCfg.Validate {
		logger.Info("Configuration is valid")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	svc, err := service.New(ctx, cfg, service.WithLogger(logger))
	cancel()
	if err != nil {
		return fmt.Errorf("build service: %w", err)
	}

	return runWithSignalHandling(svc, cliCfg.ShutdownTimeout)
}

// initializeCLI parses flags and sets up logging
func initializeCLI(args []string) (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg, fs, err := parseFlags(args, os.Stderr)
	if err != nil {
		if stderrors.Is(err, flag.ErrHelp) {
			return nil, nil, true, nil
		}
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp(fs, os.Stderr)
		return nil, nil, true, nil
	}

	logger := setupLogger(os.Stdout, cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	logger.Info("Starting docrelay",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// loadConfig layers the file (if any) and DOCRELAY_* overrides on the defaults
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader.AddLayer(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// printConfig writes the merged configuration before validating it, so a
// layer that breaks validation can still be inspected.
func printConfig(w io.Writer, path string) error {
	loader := config.NewLoader()
	loader.EnableValidation(false)
	if path != "" {
		loader.AddLayer(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if _, err := fmt.Fprintln(w, cfg.String()); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// runWithSignalHandling starts the service and stops it on SIGINT/SIGTERM
func runWithSignalHandling(svc *service.Service, shutdownTimeout time.Duration) error {
	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := svc.Start(signalCtx); err != nil {
		_ = svc.Stop(shutdownTimeout)
		return fmt.Errorf("start service: %w", err)
	}
	slog.Info("docrelay started")

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	if err := svc.Stop(shutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	slog.Info("docrelay shutdown complete")
	return nil
}
