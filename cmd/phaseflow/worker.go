package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phaseflow/internal/natsbus"
	"github.com/fyrsmithlabs/phaseflow/internal/orchestrator"
	"github.com/fyrsmithlabs/phaseflow/internal/workflows"
)

func newWorkerCmd(opts *rootOptions) *cobra.Command {
	var kinds []string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Host task workflows on a Temporal task queue",
		Long: `Run a Temporal worker for engine.executor=temporal.

The worker registers the task workflow plus one activity per task kind. Each
activity forwards the task to the NATS worker serving that kind, so Temporal
provides durable dispatch while the task code stays behind NATS.

Examples:
  phaseflow worker --kind analyze --kind test`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(kinds) == 0 {
				return errors.New("at least one --kind is required")
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runWorker(ctx, opts, kinds)
		},
	}
	cmd.Flags().StringSliceVar(&kinds, "kind", nil, "task kind to serve (repeatable)")
	return cmd
}

// kindExecutors maps every kind to exec after checking the names.
func kindExecutors(kinds []string, exec orchestrator.TaskExecutor) (map[string]orchestrator.TaskExecutor, error) {
	out := make(map[string]orchestrator.TaskExecutor, len(kinds))
	for _, kind := range kinds {
		if !orchestrator.ValidIdentifier(kind) {
			return nil, fmt.Errorf("%w: task kind %q", orchestrator.ErrInvalidIdentifier, kind)
		}
		out[kind] = exec
	}
	return out, nil
}

func runWorker(ctx context.Context, opts *rootOptions, kinds []string) error {
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

	nc, err := natsbus.Connect(ctx, cfg.NATS, logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = nc.Drain()
	}()

	executors, err := kindExecutors(kinds, natsbus.NewExecutor(nc, natsbus.Subjects{Prefix: cfg.NATS.SubjectPrefix}))
	if err != nil {
		return err
	}

	c, err := workflows.Dial(ctx, cfg.Temporal, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	w := worker.New(c, cfg.Temporal.TaskQueue, worker.Options{})
	workflows.Register(w, executors)
	if err := w.Start(); err != nil {
		return fmt.Errorf("failed to start temporal worker: %w", err)
	}
	logger.Info(ctx, "temporal worker started",
		zap.String("task_queue", cfg.Temporal.TaskQueue),
		zap.Strings("kinds", kinds))

	<-ctx.Done()
	w.Stop()
	logger.Info(context.Background(), "temporal worker stopped")
	return nil
}
