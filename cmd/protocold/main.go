// Protocold is the protocol execution daemon.
//
// It loads configuration, opens the configured state store, wires the
// engine to the directive publisher and artifact watcher, and serves the
// HTTP API. With mcp.enabled it also serves the MCP tools on stdio.
//
// Usage:
//
//	# Start the daemon with ~/.config/protocold/config.yaml
//	protocold
//
//	# Use the sqlite backend on another port
//	PROTOCOLD_STORE_BACKEND=sqlite PROTOCOLD_SERVER_HTTP_PORT=9292 protocold
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/protocold/internal/config"
	httpapi "github.com/fyrsmithlabs/protocold/internal/http"
	"github.com/fyrsmithlabs/protocold/internal/logging"
	"github.com/fyrsmithlabs/protocold/internal/mcp"
	"github.com/fyrsmithlabs/protocold/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.config/protocold/config.yaml)")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  protocold [-config path]   Start the protocold daemon\n")
			fmt.Fprintf(os.Stderr, "  protocold version          Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("protocold by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the daemon and blocks until ctx is cancelled.
//
//  1. Loads configuration and the logging, observability and secrets sections
//  2. Initializes telemetry and the logger
//  3. Opens NATS, the state store and the engine (initDependencies)
//  4. Starts the background workers (artifact watcher, branch sweeper)
//  5. Serves HTTP, and MCP on stdio when enabled
//  6. Shuts down within server.shutdown_timeout once ctx is done
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logCfg := logging.NewDefaultConfig()
	if err := cfg.Decode("logging", logCfg); err != nil {
		return err
	}
	if cfg.MCP.Enabled && logCfg.Output == logging.OutputStdout {
		// stdout carries the MCP stream.
		logCfg.Output = logging.OutputStderr
	}
	if err := logCfg.Validate(); err != nil {
		return fmt.Errorf("invalid logging configuration: %w", err)
	}

	telCfg := telemetry.NewDefaultConfig()
	if err := cfg.Decode("observability", telCfg); err != nil {
		return err
	}
	if version != "dev" {
		telCfg.ServiceVersion = version
	}
	tel, err := telemetry.New(ctx, telCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	lg, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger := lg.Underlying()
	defer func() {
		_ = lg.Sync()
	}()

	logger.Info("Starting protocold",
		zap.String("version", version),
		zap.String("store_backend", cfg.Store.Backend),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("telemetry_enabled", telCfg.Enabled),
		zap.Bool("mcp_enabled", cfg.MCP.Enabled))

	deps, err := initDependencies(ctx, cfg, tel, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	logger.Info("Dependencies initialized",
		zap.Bool("nats_connected", deps.natsConn != nil),
		zap.Bool("embedded_nats", deps.natsServer != nil),
		zap.Strings("kinds", deps.engine.Catalog().Kinds()))

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	deps.startWorkers(workerCtx)

	srv, err := httpapi.NewServer(deps.protocols, logger, &httpapi.Config{
		Host:      cfg.Server.Host,
		Port:      cfg.Server.Port,
		RateLimit: cfg.Server.RateLimit,
		RateBurst: cfg.Server.RateBurst,
	}, httpapi.WithTelemetry(tel))
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- srv.Start()
	}()

	if cfg.MCP.Enabled {
		mcpServer, err := mcp.NewServer(&mcp.Config{
			Version: version,
			Logger:  logger,
			Meter:   tel.Meter(mcpInstrumentation),
		}, deps.protocols)
		if err != nil {
			return fmt.Errorf("failed to create MCP server: %w", err)
		}
		fmt.Fprintf(os.Stderr, "protocold MCP stdio server started (HTTP on %s:%d)\n", cfg.Server.Host, cfg.Server.Port)
		go func() {
			if err := mcpServer.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("MCP stdio server stopped", zap.Error(err))
			}
		}()
	}

	logger.Info("Server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)),
		zap.String("api_prefix", "/v1/protocols"),
		zap.String("metrics_endpoint", "/metrics"))

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case runErr = <-errCh:
		if runErr != nil {
			logger.Error("HTTP server failed", zap.Error(runErr))
		}
	}
	cancelWorkers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown incomplete", zap.Error(err))
	}
	return runErr
}
