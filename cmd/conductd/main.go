// Conductd is a protocol-driven run orchestration daemon.
//
// It loads declarative protocol definitions, drives each run's
// build/verify/gate state machine, and exposes an HTTP API for starting
// runs, deciding gates, and streaming run events.
//
// Configuration is loaded from ~/.config/conductd/config.yaml and
// overridden by CONDUCTD_* environment variables. See internal/config.
//
// Usage:
//
//	# Start the daemon with defaults
//	conductd
//
//	# Use an explicit config file
//	conductd -config /etc/conductd/config.yaml
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

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/conductd/internal/agent"
	"github.com/fyrsmithlabs/conductd/internal/artifact"
	"github.com/fyrsmithlabs/conductd/internal/config"
	"github.com/fyrsmithlabs/conductd/internal/consult"
	"github.com/fyrsmithlabs/conductd/internal/events"
	"github.com/fyrsmithlabs/conductd/internal/executor"
	"github.com/fyrsmithlabs/conductd/internal/gate"
	"github.com/fyrsmithlabs/conductd/internal/gitops"
	conductdhttp "github.com/fyrsmithlabs/conductd/internal/http"
	"github.com/fyrsmithlabs/conductd/internal/logging"
	"github.com/fyrsmithlabs/conductd/internal/secrets"
	"github.com/fyrsmithlabs/conductd/internal/telemetry"
	"github.com/fyrsmithlabs/conductd/internal/verify"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.config/conductd/config.yaml)")
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
			fmt.Fprintf(os.Stderr, "  conductd           Start the conductd daemon\n")
			fmt.Fprintf(os.Stderr, "  conductd version   Show version information\n")
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

	if err := run(ctx, *configPath); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Daemon error: %v", err)
	}

	log.Println("Daemon shutdown complete")
}

// printVersion prints version information
func printVersion() {
	fmt.Printf("conductd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the daemon and blocks until ctx is cancelled.
//
// Startup order: config, telemetry, logger, scrubber, NATS, services,
// run manager, resume of unfinished runs, HTTP server. Shutdown reverses
// it: the HTTP server drains first, then live executors are cancelled
// (their runs stay resumable on disk), then the bus and telemetry close.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetryConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		_ = tel.Shutdown(context.Background())
	}()

	logger, err := initLogger(cfg, tel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()
	zl := logger.Underlying()

	zl.Info("starting conductd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("runner_mode", cfg.Runner.Mode),
		zap.Bool("nats_enabled", cfg.NATS.Enabled))

	scrubber, err := secrets.New(&secrets.Config{
		Enabled:       cfg.Secrets.Enabled,
		ProjectPath:   cfg.Secrets.ProjectPath,
		UserAllowlist: cfg.Secrets.UserAllowlist,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize scrubber: %w", err)
	}

	var nc *nats.Conn
	if cfg.NATS.Enabled {
		nc, err = events.Connect(cfg.NATS.URL, cfg.NATS.MaxReconnects, cfg.NATS.ReconnectWait.Duration())
		if err != nil {
			return err
		}
		defer nc.Close()
		zl.Info("connected to NATS", zap.String("url", cfg.NATS.URL))
	}
	publisher := events.NewPublisher(nc, zl)

	storeDir, err := config.ExpandHome(cfg.Store.Dir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(storeDir, 0o700); err != nil {
		return fmt.Errorf("failed to create store directory %s: %w", storeDir, err)
	}

	services, err := initServices(cfg, scrubber, publisher, zl)
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}

	workDir := cfg.Runner.WorkDir
	if workDir == "" {
		workDir = "."
	}
	manager, err := executor.NewManager(*services, executor.ManagerConfig{
		StoreDir: storeDir,
		Executor: executor.Config{
			OnUnavailable: cfg.Consult.OnUnavailable,
			RepoPath:      workDir,
		},
	}, zl)
	if err != nil {
		return fmt.Errorf("failed to create run manager: %w", err)
	}

	resumed, err := manager.ResumeAll()
	if err != nil {
		return fmt.Errorf("failed to resume runs: %w", err)
	}
	if resumed > 0 {
		zl.Info("resumed unfinished runs", zap.Int("count", resumed))
	}

	srv, err := conductdhttp.NewServer(manager, scrubber, nc, zl, &conductdhttp.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Duration(),
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	zl.Info("daemon configured",
		zap.String("health_endpoint", fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)),
		zap.String("metrics_endpoint", "/metrics"),
		zap.String("store_dir", storeDir))

	// Blocks until ctx cancellation, then drains in-flight requests.
	serveErr := srv.Start(ctx)

	// Park live executors; their runs resume on next start.
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := manager.Stop(stopCtx); err != nil {
		zl.Warn("executors did not stop cleanly", zap.Error(err))
	}

	return serveErr
}

// initLogger builds the daemon logger from config, bridging to OTEL when
// telemetry is enabled.
func initLogger(cfg *config.Config, tel *telemetry.Telemetry) (*logging.Logger, error) {
	logCfg := logging.NewDefaultConfig()
	logCfg.Format = cfg.Logging.Format

	switch cfg.Logging.Level {
	case "trace":
		logCfg.Level = logging.TraceLevel
	default:
		level, err := zapcore.ParseLevel(cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid logging.level %q: %w", cfg.Logging.Level, err)
		}
		logCfg.Level = level
	}

	var provider = tel.LoggerProvider()
	if provider != nil {
		logCfg.Output.OTEL = true
	}

	return logging.NewLogger(logCfg, provider)
}

// telemetryConfig maps the daemon config onto the telemetry package.
func telemetryConfig(cfg *config.Config) *telemetry.Config {
	tc := telemetry.NewDefaultConfig()
	tc.Enabled = cfg.Telemetry.Enabled
	tc.Endpoint = cfg.Telemetry.Endpoint
	tc.Protocol = cfg.Telemetry.Protocol
	tc.ServiceName = cfg.Telemetry.ServiceName
	tc.ServiceVersion = cfg.Telemetry.ServiceVersion
	tc.Insecure = cfg.Telemetry.Insecure
	tc.TLSSkipVerify = cfg.Telemetry.TLSSkipVerify
	tc.Sampling.Rate = cfg.Telemetry.SampleRate
	tc.Metrics.ExportInterval = cfg.Telemetry.MetricsInterval
	tc.Shutdown.Timeout = cfg.Telemetry.ShutdownTimeout
	return tc
}

// initServices wires the collaborators shared by every run.
func initServices(cfg *config.Config, scrubber secrets.Scrubber, publisher *events.Publisher, zl *zap.Logger) (*executor.Services, error) {
	runner, err := agent.New(agent.Config{
		Command:       cfg.Runner.Command,
		Args:          cfg.Runner.Args,
		WorkDir:       cfg.Runner.WorkDir,
		Mode:          cfg.Runner.Mode,
		SignalDir:     cfg.Runner.SignalDir,
		SignalTimeout: cfg.Runner.SignalTimeout.Duration(),
	}, zl)
	if err != nil {
		return nil, fmt.Errorf("agent runner: %w", err)
	}

	checker, err := verify.NewCommandChecker(cfg.Verify.CheckTimeout.Duration(), cfg.Runner.WorkDir, zl)
	if err != nil {
		return nil, fmt.Errorf("command checker: %w", err)
	}
	checks, err := verify.NewRunner(checker, verify.RetryConfig{}, zl)
	if err != nil {
		return nil, fmt.Errorf("verification runner: %w", err)
	}

	// A protocol that configures verify.models needs a reviewer command;
	// without one the consultation service stays unwired and such
	// protocols are rejected at run start.
	var reviewers *consult.Service
	reviewerCommand := cfg.Consult.Command
	if reviewerCommand == "" {
		reviewerCommand = cfg.Runner.Command
	}
	if reviewerCommand != "" {
		reviewer, err := consult.NewCommandReviewer(reviewerCommand, cfg.Consult.Args, cfg.Runner.WorkDir, zl)
		if err != nil {
			return nil, fmt.Errorf("command reviewer: %w", err)
		}
		reviewers, err = consult.NewService(reviewer, consult.Config{
			Timeout:           cfg.Consult.Timeout.Duration(),
			RequestsPerMinute: cfg.Consult.RequestsPerMinute,
			Burst:             cfg.Consult.Burst,
		}, zl)
		if err != nil {
			return nil, fmt.Errorf("consultation service: %w", err)
		}
	} else {
		zl.Warn("no reviewer command configured, protocols with verify.models cannot run")
	}

	workDir := cfg.Runner.WorkDir
	if workDir == "" {
		workDir = "."
	}

	return &executor.Services{
		Runner:    runner,
		Checks:    checks,
		Reviewers: reviewers,
		Gates:     gate.NewController(zl),
		Git: gitops.NewService(gitops.Config{
			AuthorName:  cfg.Git.AuthorName,
			AuthorEmail: cfg.Git.AuthorEmail,
			Remote:      cfg.Git.Remote,
			PushTimeout: cfg.Git.PushTimeout.Duration(),
		}, zl),
		Artifacts: artifact.NewStore(workDir),
		Scrubber:  scrubber,
		Events:    publisher,
	}, nil
}
