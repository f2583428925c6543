// Cortexd is a multi-tenant retrieval-augmented query service.
//
// This binary loads configuration, wires the query pipeline (identity,
// rate limiting, cache, retrieval, generation, redaction, audit) and serves
// the HTTP API until SIGINT or SIGTERM.
//
// Configuration comes from the embedded defaults, an optional YAML file and
// CORTEXD_* environment variables. See internal/config for details.
//
// Usage:
//
//	# Start server with defaults
//	cortexd
//
//	# Use a config file
//	cortexd -config /etc/cortexd/config.yaml
//
//	# Override via environment
//	CORTEXD_SERVER_HTTP_PORT=9090 CORTEXD_RETRIEVAL_BACKEND=qdrant cortexd
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
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cortexd/internal/config"
	cxhttp "github.com/fyrsmithlabs/cortexd/internal/http"
	"github.com/fyrsmithlabs/cortexd/internal/logging"
	"github.com/fyrsmithlabs/cortexd/internal/orchestrator"
	"github.com/fyrsmithlabs/cortexd/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", os.Getenv("CORTEXD_CONFIG"), "path to a YAML config file")
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
			fmt.Fprintf(os.Stderr, "  cortexd [-config path]   Start the cortexd server\n")
			fmt.Fprintf(os.Stderr, "  cortexd version          Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("cortexd: %v", err)
	}
}

func printVersion() {
	fmt.Printf("cortexd %s\n", version)
	fmt.Printf("  commit: %s\n", gitCommit)
	fmt.Printf("  built:  %s\n", buildDate)
}

func buildInfo() cxhttp.VersionResponse {
	return cxhttp.VersionResponse{Version: version, GitSHA: gitCommit, BuildTime: buildDate}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info(ctx, "starting cortexd",
		zap.String("version", version),
		zap.String("commit", gitCommit),
		zap.String("retrieval_backend", cfg.Retrieval.Backend),
		zap.String("cache_backend", cfg.Cache.Backend),
		zap.String("ratelimit_backend", cfg.RateLimit.Backend),
		zap.String("generator", cfg.Generator.Provider))

	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Observability, version))
	if err != nil {
		// Telemetry is never fatal; the server runs without export.
		logger.Warn(ctx, "telemetry disabled", zap.Error(err))
		tel, _ = telemetry.New(ctx, telemetry.NewDefaultConfig())
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn(shutdownCtx, "telemetry shutdown failed", zap.Error(err))
		}
	}()

	deps, err := initDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	orch, err := orchestrator.New(orchestrator.ConfigFromSettings(cfg), orchestrator.Deps{
		Limiter:   deps.limiter,
		Cache:     deps.cache,
		Retriever: deps.retriever,
		Assembler: deps.assembler,
		Generator: deps.generator,
		Redactor:  deps.redactor,
		Memory:    deps.memory,
		Audit:     deps.audit,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("creating orchestrator: %w", err)
	}

	srv, err := cxhttp.NewServer(cxhttp.ConfigFromSettings(cfg.Server), cxhttp.Deps{
		Querier:   orch,
		Resolver:  deps.resolver,
		Redactor:  deps.redactor,
		Store:     deps.retriever,
		Generator: deps.generator,
		Telemetry: tel,
		Metrics:   cxhttp.NewMetrics(tel.Meter("github.com/fyrsmithlabs/cortexd/internal/http"), logger),
		Logger:    logger,
		Build:     buildInfo(),
	})
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	deps.startBackground(ctx, cfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	logger.Info(ctx, "cortexd ready", zap.String("addr", srv.Addr()))

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
		return errors.New("http server stopped unexpectedly")
	}

	timeout := cfg.Server.ShutdownTimeout.Duration()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	logger.Info(shutdownCtx, "cortexd stopped")
	return nil
}

func initLogger(s config.LoggingConfig) (*logging.Logger, error) {
	logCfg, err := logging.FromSettings(s)
	if err != nil {
		return nil, fmt.Errorf("logging config: %w", err)
	}
	logger, err := logging.NewLogger(logCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	return logger, nil
}
