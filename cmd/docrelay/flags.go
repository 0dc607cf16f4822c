package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	Debug           bool
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
	PrintConfig     bool
}

func parseFlags(args []string, stderr io.Writer) (*CLIConfig, *flag.FlagSet, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&cfg.ConfigPath, "config", getEnv("DOCRELAY_CONFIG", ""),
		"Path to a JSON or YAML configuration file; defaults apply when empty (env: DOCRELAY_CONFIG)")
	fs.StringVar(&cfg.ConfigPath, "c", getEnv("DOCRELAY_CONFIG", ""),
		"Path to configuration file (env: DOCRELAY_CONFIG)")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("DOCRELAY_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: DOCRELAY_LOG_LEVEL)")
	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("DOCRELAY_LOG_FORMAT", "json"),
		"Log format: json, text (env: DOCRELAY_LOG_FORMAT)")
	fs.BoolVar(&cfg.Debug, "debug", getEnvBool("DOCRELAY_DEBUG", false),
		"Enable debug logging (env: DOCRELAY_DEBUG)")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("DOCRELAY_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: DOCRELAY_SHUTDOWN_TIMEOUT)")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")
	fs.BoolVar(&cfg.PrintConfig, "print-config", false,
		"Print the merged configuration with secrets masked, then validate it and exit")

	fs.Usage = func() { printDetailedHelp(fs, stderr) }

	if err := fs.Parse(args); err != nil {
		return nil, fs, err
	}
	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	return cfg, fs, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive: %s", cfg.ShutdownTimeout)
	}
	return nil
}

func printDetailedHelp(fs *flag.FlagSet, w io.Writer) {
	_, _ = fmt.Fprintf(w, `%s - document relay: per-user messaging sessions in, document summaries out

Usage: %s [options]

Options:
`, appName, appName)
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(w, `
Examples:
  # Run with a config file
  %[1]s --config=/etc/docrelay/config.yaml

  # Run on defaults with text logs
  %[1]s --log-level=debug --log-format=text

  # Override settings from the environment
  export DOCRELAY_NATS_URL=nats://nats:4222
  export DOCRELAY_STORAGE_BACKEND=nats
  export DOCRELAY_QUEUE_BACKEND=jetstream
  export DOCRELAY_AI_API_KEY=...
  %[1]s

  # Validate configuration only
  %[1]s --validate

  # Show what the layers and environment merge into
  %[1]s --config=/etc/docrelay/config.yaml --print-config

Version: %[2]s
Build: %[3]s
`, appName, Version, BuildTime)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
