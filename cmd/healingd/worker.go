package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/healingd/internal/workflows"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the durable deployment worker",
		Long: `Run a Temporal worker executing deployment and verification workflows.

Workflows started by "healingd serve" with temporal.enabled survive a restart
of the orchestrator; the worker holds the GitHub and Prometheus credentials
so they never travel through workflow history.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runWorker(ctx)
		},
	}
}

func runWorker(ctx context.Context) error {
	rt, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	cfg := rt.cfg
	logger := rt.logger

	if !cfg.GitHub.Token.IsSet() {
		return errors.New("github.token not set")
	}

	_, host, monitor, err := rt.newCoordinator(ctx)
	if err != nil {
		return err
	}

	c, err := rt.dialTemporal(ctx)
	if err != nil {
		return err
	}

	w := workflows.NewWorker(c, cfg.Temporal.TaskQueue, &workflows.Activities{
		Host:    host,
		Monitor: monitor,
	})

	logger.Info(ctx, "worker configured",
		zap.String("task_queue", cfg.Temporal.TaskQueue),
		zap.Bool("monitoring", monitor != nil))

	if err := w.Start(); err != nil {
		return fmt.Errorf("worker error: %w", err)
	}
	<-ctx.Done()
	logger.Info(context.Background(), "shutdown signal received")
	w.Stop()
	logger.Info(context.Background(), "worker stopped gracefully")
	return nil
}
