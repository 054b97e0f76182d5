// Package main is the entry point for the gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/vyrodovalexey/tenantgw/internal/config"
	"github.com/vyrodovalexey/tenantgw/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags. Empty log settings fall back to the
// configuration file.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		os.Exit(2)
	}

	if flags.showVersion {
		printVersion(os.Stdout)
		return
	}

	bootstrap := initLogger(observability.LogConfig{
		Level:  firstNonEmpty(flags.logLevel, "info"),
		Format: firstNonEmpty(flags.logFormat, "json"),
	})

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		bootstrap.Fatal("failed to load configuration",
			observability.String("path", flags.configPath),
			observability.Error(err),
		)
	}
	_ = bootstrap.Sync()

	logger := initLogger(logConfig(flags, cfg.Logging))
	defer func() { _ = logger.Sync() }()

	logger.Info("starting tenantgw",
		observability.String("version", version),
		observability.String("config", flags.configPath),
		observability.Int("routes", len(cfg.Routes)),
		observability.Int("services", len(cfg.Services)),
		observability.Bool("discovery", cfg.Discovery.Enabled),
		observability.Bool("rate_limit", cfg.RateLimit.IsEnabled()),
	)

	app, err := newApplication(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize gateway", observability.Error(err))
	}

	ctx := context.Background()
	if err := app.start(ctx); err != nil {
		logger.Fatal("failed to start gateway", observability.Error(err))
	}

	watcher := startConfigWatcher(ctx, app, flags.configPath)
	waitForShutdown(app, watcher)
}

// parseFlags parses command line flags with environment fallbacks.
func parseFlags(args []string, output io.Writer) (cliFlags, error) {
	fs := flag.NewFlagSet("gateway", flag.ContinueOnError)
	fs.SetOutput(output)

	var f cliFlags
	fs.StringVar(&f.configPath, "config", getEnvOrDefault("GATEWAY_CONFIG_PATH", "configs/gateway.yaml"),
		"Path to configuration file")
	fs.StringVar(&f.logLevel, "log-level", getEnvOrDefault("GATEWAY_LOG_LEVEL", ""),
		"Log level (debug, info, warn, error); overrides the configuration file")
	fs.StringVar(&f.logFormat, "log-format", getEnvOrDefault("GATEWAY_LOG_FORMAT", ""),
		"Log format (json, console); overrides the configuration file")
	fs.BoolVar(&f.showVersion, "version", false, "Show version information")

	if err := fs.Parse(args); err != nil {
		return cliFlags{}, err
	}
	return f, nil
}

// printVersion prints version information.
func printVersion(w io.Writer) {
	_, _ = fmt.Fprintf(w, "tenantgw version %s\n", version)
	_, _ = fmt.Fprintf(w, "  Build time: %s\n", buildTime)
	_, _ = fmt.Fprintf(w, "  Git commit: %s\n", gitCommit)
}

// logConfig merges command line log settings over the file's.
func logConfig(flags cliFlags, file config.LoggingConfig) observability.LogConfig {
	return observability.LogConfig{
		Level:  firstNonEmpty(flags.logLevel, file.Level),
		Format: firstNonEmpty(flags.logFormat, file.Format),
		Output: file.Output,
	}
}

// initLogger initializes the logger or exits.
func initLogger(cfg observability.LogConfig) observability.Logger {
	logger, err := observability.NewLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}
