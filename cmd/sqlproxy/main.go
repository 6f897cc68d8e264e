// sqlproxy runs the MySQL backend connection pools and their admin API.
//
// Usage:
//
//	sqlproxy [flags]
//	sqlproxy init          Write a starter configuration file
//
// Flags:
//
//	-config string
//	    Path to configuration file (default "~/.sqlproxy/config.toml")
//	-admin string
//	    Admin API listen address (overrides config)
//	-v
//	    Enable verbose logging
//	-version
//	    Print version and exit
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/go-i2p/sqlproxy/lib/admin"
	"github.com/go-i2p/sqlproxy/lib/config"
	"github.com/go-i2p/sqlproxy/lib/metrics"
	"github.com/go-i2p/sqlproxy/lib/pool"
	"github.com/go-i2p/sqlproxy/version"
)

const shutdownTimeout = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	defaultConfigPath := filepath.Join(homeDir, ".sqlproxy", "config.toml")

	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	adminAddr := flag.String("admin", "", "Admin API listen address (overrides config)")
	verbose := flag.Bool("v", false, "Enable verbose logging")
	showVersion := flag.Bool("version", false, "Print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "sqlproxy - MySQL backend connection pool\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  sqlproxy [flags]          Start the pools and admin API\n")
		fmt.Fprintf(os.Stderr, "  sqlproxy init             Write a starter configuration file\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("sqlproxy version %s\n", version.Full())
		return 0
	}

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "init":
			return writeStarterConfig(logger, *configPath)
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			flag.Usage()
			return 2
		}
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return 1
	}
	if *adminAddr != "" {
		cfg.Admin.Enabled = true
		cfg.Admin.Listen = *adminAddr
	}
	if len(cfg.Backends) == 0 {
		logger.Warn("no backends configured", "config", *configPath)
	}

	m := pool.New(pool.WithReapInterval(time.Duration(cfg.Pool.ReapInterval)))
	if err := m.Init(cfg.BackendConfigs()); err != nil {
		logger.Error("failed to initialize pools", "error", err)
		return 1
	}
	metrics.RecordStartTime()
	metrics.BackendsTotal.Set(int64(len(cfg.Backends)))

	var adminServer *admin.Server
	if cfg.Admin.Enabled {
		adminServer = admin.New(admin.Config{
			ListenAddr: cfg.Admin.Listen,
			RateLimit: admin.RateLimitConfig{
				RequestsPerSecond: cfg.Admin.RateLimit,
				BurstSize:         cfg.Admin.Burst,
			},
			Logger: logger,
		}, m)
		if err := adminServer.Start(); err != nil {
			logger.Error("failed to start admin server", "error", err)
			m.Shutdown(context.Background())
			return 1
		}
	}

	logger.Info("sqlproxy started",
		"backends", len(cfg.Backends),
		"version", version.Full(),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("received signal, shutting down", "signal", sig)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	code := 0
	if adminServer != nil {
		if err := adminServer.Stop(ctx); err != nil {
			logger.Error("admin server shutdown error", "error", err)
			code = 1
		}
	}
	if err := m.Shutdown(ctx); err != nil {
		logger.Error("pool shutdown error", "error", err)
		code = 1
	}

	logger.Info("sqlproxy stopped")
	return code
}

// writeStarterConfig writes a default configuration with one example
// backend, refusing to overwrite an existing file.
func writeStarterConfig(logger *slog.Logger, path string) int {
	if _, err := os.Stat(path); err == nil {
		logger.Error("config file already exists", "path", path)
		return 1
	}

	cfg := config.DefaultConfig()
	cfg.Backends["primary"] = config.DefaultBackend("127.0.0.1")

	if err := config.SaveConfig(cfg, path); err != nil {
		logger.Error("failed to write config", "error", err)
		return 1
	}
	logger.Info("wrote starter config", "path", path)
	return 0
}
