package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phaseflow/internal/config"
	"github.com/fyrsmithlabs/phaseflow/internal/definition"
	httpapi "github.com/fyrsmithlabs/phaseflow/internal/http"
	"github.com/fyrsmithlabs/phaseflow/internal/logging"
	"github.com/fyrsmithlabs/phaseflow/internal/natsbus"
	"github.com/fyrsmithlabs/phaseflow/internal/orchestrator"
	"github.com/fyrsmithlabs/phaseflow/internal/remediation"
	"github.com/fyrsmithlabs/phaseflow/internal/runs"
	"github.com/fyrsmithlabs/phaseflow/internal/secrets"
	"github.com/fyrsmithlabs/phaseflow/internal/telemetry"
	"github.com/fyrsmithlabs/phaseflow/internal/workflows"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestration server",
		Long: `Start the phaseflow engine and its HTTP API.

Pipeline definitions are loaded from definitions.dir. Tasks are dispatched
over NATS or Temporal depending on engine.executor, and fix requests go to
NATS fixers or wait for "phaseflow ack" depending on engine.remediator.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runServe(ctx, opts)
		},
	}
}

// signalContext returns a context canceled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(os.Stderr, "Received signal %v, shutting down gracefully...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}

// loadRuntime loads configuration, telemetry and the logger shared by the
// long-running commands.
func loadRuntime(ctx context.Context, opts *rootOptions) (*config.Config, *telemetry.Telemetry, *logging.Logger, error) {
	cfg, err := config.LoadWithFile(opts.configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, nil, nil, fmt.Errorf("invalid logging config: %w", err)
	}
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	for _, reason := range tel.Degraded() {
		logger.Warn(ctx, "telemetry degraded", zap.String("reason", reason))
	}
	return cfg, tel, logger, nil
}

// dependencies holds the backends selected by the engine configuration.
type dependencies struct {
	natsConn   *nats.Conn
	temporal   client.Client
	executor   orchestrator.TaskExecutor
	remediator orchestrator.Remediator
	desk       *remediation.Desk
	store      orchestrator.ArtifactStore
	publisher  *natsbus.Publisher
}

// Close releases all infrastructure resources.
func (d *dependencies) Close() {
	if d.desk != nil {
		_ = d.desk.Close()
	}
	if d.temporal != nil {
		d.temporal.Close()
	}
	if d.natsConn != nil {
		_ = d.natsConn.Drain()
	}
}

func needsNATS(e config.EngineConfig) bool {
	return e.Executor == "nats" || e.Remediator == "nats" || e.Store == "jetstream"
}

// initDependencies connects the executor, remediator and artifact store
// backends named in cfg.Engine.
func initDependencies(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*dependencies, error) {
	deps := &dependencies{}
	subjects := natsbus.Subjects{Prefix: cfg.NATS.SubjectPrefix}

	if needsNATS(cfg.Engine) {
		nc, err := natsbus.Connect(ctx, cfg.NATS, logger)
		if err != nil {
			return nil, err
		}
		deps.natsConn = nc
		deps.publisher = natsbus.NewPublisher(nc, subjects, logger)
	}

	switch cfg.Engine.Executor {
	case "temporal":
		c, err := workflows.Dial(ctx, cfg.Temporal, logger)
		if err != nil {
			deps.Close()
			return nil, err
		}
		deps.temporal = c
		deps.executor = workflows.NewExecutor(c, cfg.Temporal.TaskQueue)
	default:
		deps.executor = natsbus.NewExecutor(deps.natsConn, subjects)
	}

	switch cfg.Engine.Remediator {
	case "nats":
		deps.remediator = remediation.NewNATSRemediator(deps.natsConn, subjects, logger)
	default:
		deps.desk = remediation.NewDesk(logger)
		deps.remediator = deps.desk
	}

	switch cfg.Engine.Store {
	case "jetstream":
		store, err := natsbus.NewArtifactStore(deps.natsConn, cfg.NATS.Bucket)
		if err != nil {
			deps.Close()
			return nil, err
		}
		deps.store = store
	default:
		deps.store = orchestrator.NewMemoryStore()
	}

	return deps, nil
}

// engineLimits converts the engine section into pipeline defaults.
func engineLimits(e config.EngineConfig) orchestrator.Limits {
	return orchestrator.Limits{
		TaskTimeout:        e.TaskTimeout.Duration(),
		MaxIterations:      e.MaxIterations,
		RemediationTimeout: e.RemediationTimeout.Duration(),
		TaskDeadline:       e.TaskDeadline.Duration(),
		MaxConcurrency:     e.MaxConcurrency,
		DispatchRate:       e.DispatchRate,
	}
}

// runServe starts the engine and blocks until ctx is canceled.
func runServe(ctx context.Context, opts *rootOptions) error {
	cfg, tel, logger, err := loadRuntime(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info(ctx, "starting phaseflow",
		zap.String("version", version),
		zap.String("executor", cfg.Engine.Executor),
		zap.String("remediator", cfg.Engine.Remediator),
		zap.String("store", cfg.Engine.Store),
		zap.Int("port", cfg.Server.Port))

	deps, err := initDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	catalog := definition.NewCatalog(cfg.Definitions.Dir, logger)
	if err := catalog.Load(ctx); err != nil {
		// Valid definitions are still served; broken files are reported.
		logger.Warn(ctx, "some pipeline definitions were not loaded", zap.Error(err))
	}
	if cfg.Definitions.Watch {
		go func() {
			if err := catalog.Watch(ctx); err != nil && ctx.Err() == nil {
				logger.Error(ctx, "definition watcher stopped", zap.Error(err))
			}
		}()
	}

	executor := deps.executor
	if cfg.Redaction.Enabled {
		redactor, err := secrets.New(cfg.Redaction.Allow)
		if err != nil {
			return fmt.Errorf("failed to initialize redaction: %w", err)
		}
		executor = secrets.WrapExecutor(executor, redactor, logger)
	}
	table := orchestrator.NewExecutorTable().SetFallback(executor)
	limits := engineLimits(cfg.Engine)
	tracer := tel.Tracer("github.com/fyrsmithlabs/phaseflow")

	var manager *runs.Manager
	source := runs.SourceFunc(func(name string) (*orchestrator.Pipeline, error) {
		def, err := catalog.Get(name)
		if err != nil {
			return nil, err
		}
		sinks := orchestrator.MultiSink{manager}
		if deps.publisher != nil {
			sinks = append(sinks, deps.publisher)
		}
		return def.Build(table,
			orchestrator.WithStore(deps.store),
			orchestrator.WithRemediator(deps.remediator),
			orchestrator.WithEventSink(sinks),
			orchestrator.WithLogger(logger),
			orchestrator.WithTracer(tracer),
			orchestrator.WithLimits(limits),
		)
	})
	manager = runs.NewManager(source, deps.store, logger)

	var desk httpapi.RemediationDesk
	if deps.desk != nil {
		desk = deps.desk
	}
	srv, err := httpapi.NewServer(catalog, manager, desk, logger, &httpapi.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Or(10*time.Second))
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("run manager shutdown: %w", err))
	}
	logger.Info(shutdownCtx, "server shutdown complete")
	return errors.Join(errs...)
}
