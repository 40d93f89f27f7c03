// Specflowd is the spec-driven delivery orchestration daemon.
//
// It drives design, analyze, implement, verify and merge phases over
// project task lists through an external skill runner, persists every
// state change to disk, and exposes an HTTP control API.
//
// Configuration is loaded from ~/.config/specflowd/config.yaml and
// environment variables. See internal/config for details.
//
// Usage:
//
//	# Start the daemon with defaults
//	specflowd
//
//	# Configure via environment
//	SERVER_PORT=9190 EXECUTOR_RUNNER=/usr/local/bin/specflow-runner specflowd
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/specflowd/internal/config"
	"github.com/fyrsmithlabs/specflowd/internal/executor"
	httpapi "github.com/fyrsmithlabs/specflowd/internal/http"
	"github.com/fyrsmithlabs/specflowd/internal/logging"
	"github.com/fyrsmithlabs/specflowd/internal/notify"
	"github.com/fyrsmithlabs/specflowd/internal/orchestrator"
	"github.com/fyrsmithlabs/specflowd/internal/tasksource"
	"github.com/fyrsmithlabs/specflowd/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  specflowd           Start the orchestration daemon\n")
			fmt.Fprintf(os.Stderr, "  specflowd version   Show version information\n")
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
		log.Fatalf("Daemon error: %v", err)
	}

	log.Println("Shutdown complete")
}

func printVersion() {
	fmt.Printf("specflowd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the daemon and blocks until context cancellation:
//  1. Loads and validates configuration
//  2. Initializes logger and telemetry
//  3. Opens the state store, gateway, task sources and notification sink
//  4. Reconciles state left by a previous process
//  5. Starts the engine and the HTTP control API
//  6. Performs graceful shutdown on context cancellation
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := config.EnsureStateDirs(cfg); err != nil {
		return fmt.Errorf("failed to prepare state directories: %w", err)
	}

	logger, err := logging.New(&logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info(ctx, "starting specflowd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("store_dir", cfg.Store.Dir),
		zap.String("projects_root", cfg.Projects.Root))

	tcfg := telemetry.NewDefaultConfig()
	tcfg.Enabled = cfg.Telemetry.Enabled
	tcfg.Endpoint = cfg.Telemetry.Endpoint
	tcfg.Protocol = cfg.Telemetry.Protocol
	tcfg.Insecure = cfg.Telemetry.Insecure
	tcfg.ServiceName = cfg.Telemetry.ServiceName
	tcfg.ServiceVersion = version
	tel, err := telemetry.New(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(),
			tcfg.ShutdownTimeout.Duration())
		defer done()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn(ctx, "telemetry shutdown failed", zap.Error(err))
		}
	}()
	if degraded, reason := tel.Degraded(); degraded {
		logger.Warn(ctx, "telemetry degraded", zap.String("reason", reason))
	}

	store, err := orchestrator.NewFileStore(cfg.Store.Dir)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}

	gateway, err := executor.NewLocalGateway(executor.LocalConfig{
		Runner:   cfg.Executor.Runner,
		Args:     cfg.Executor.Args,
		WorkDir:  cfg.Executor.WorkDir,
		StateDir: cfg.Executor.StateDir,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create executor gateway: %w", err)
	}

	sources, err := tasksource.NewDir(cfg.Projects.Root, cfg.Projects.TasksFile, logger)
	if err != nil {
		return fmt.Errorf("failed to create task sources: %w", err)
	}
	defer func() {
		if err := sources.Close(); err != nil {
			logger.Warn(ctx, "failed to close task sources", zap.Error(err))
		}
	}()

	probe, err := orchestrator.NewFileProbe(cfg.Projects.Root, sources.ForProject)
	if err != nil {
		return fmt.Errorf("failed to create completion probe: %w", err)
	}

	var sink notify.Sink = notify.NopSink{}
	if cfg.Notify.Enabled {
		natsSink, err := notify.NewNATSSink(cfg.Notify.URL, cfg.Notify.SubjectPrefix)
		if err != nil {
			// Notifications are best effort; the daemon runs without them.
			logger.Warn(ctx, "notifications disabled", zap.Error(err))
		} else {
			sink = natsSink
		}
	}
	defer func() {
		if err := sink.Close(); err != nil {
			logger.Warn(ctx, "failed to close notification sink", zap.Error(err))
		}
	}()

	engine, err := orchestrator.NewEngine(orchestrator.Options{
		Store:    store,
		Gateway:  gateway,
		Probe:    probe,
		Sources:  sources.ForProject,
		Sink:     sink,
		Logger:   logger,
		Defaults: cfg.Orchestration,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	defer engine.Close()

	// Repair state from a previous process before accepting requests.
	reconciler, err := orchestrator.NewReconciler(store, gateway,
		cfg.Orchestration.StaleThreshold.Duration(), logger)
	if err != nil {
		return fmt.Errorf("failed to create reconciler: %w", err)
	}
	repairs, err := reconciler.Run(ctx)
	if err != nil {
		return fmt.Errorf("reconciliation failed: %w", err)
	}
	for _, repair := range repairs {
		logger.Info(ctx, "reconciled execution",
			zap.String("project.id", repair.Project),
			zap.String("execution.id", repair.ExecutionID),
			zap.String("action", string(repair.Action)),
			zap.String("detail", repair.Detail))
		if repair.Action == orchestrator.ActionResume {
			if err := engine.Adopt(ctx, repair.Project); err != nil {
				logger.Error(ctx, "failed to adopt execution",
					zap.String("project.id", repair.Project), zap.Error(err))
			}
		}
	}

	server, err := httpapi.NewServer(engine, logger.Zap(), &httpapi.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, done := context.WithTimeout(context.Background(),
		cfg.Server.ShutdownTimeout.Duration())
	defer done()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown failed: %w", err)
	}
	return nil
}
