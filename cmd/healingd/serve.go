package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/healingd/internal/config"
	"github.com/fyrsmithlabs/healingd/internal/constraint"
	"github.com/fyrsmithlabs/healingd/internal/deploy"
	"github.com/fyrsmithlabs/healingd/internal/healing"
	httpserver "github.com/fyrsmithlabs/healingd/internal/http"
	"github.com/fyrsmithlabs/healingd/internal/logging"
	"github.com/fyrsmithlabs/healingd/internal/notify"
	"github.com/fyrsmithlabs/healingd/internal/reasoner"
	"github.com/fyrsmithlabs/healingd/internal/remediation"
	"github.com/fyrsmithlabs/healingd/internal/sandbox"
	"github.com/fyrsmithlabs/healingd/internal/store"
	"github.com/fyrsmithlabs/healingd/internal/telemetry"
	"github.com/fyrsmithlabs/healingd/internal/workflows"
	"github.com/fyrsmithlabs/healingd/pkg/embeddings"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the healing orchestrator",
		Long: `Start signal ingress, the healing engine and its scheduler.

Sessions interrupted by a previous shutdown are restored from the store
before ingress opens. The config file is watched; changes to the healing
section (retry budget, cooldown, session budget, blocked patterns) apply
to the next decision without a restart.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runServe(ctx)
		},
	}
}

// runtime holds the process-level collaborators that need closing.
type runtime struct {
	cfg       *config.Config
	telemetry *telemetry.Telemetry
	logger    *logging.Logger
	closers   []func(context.Context) error
}

// bootstrap loads configuration and starts telemetry and logging.
func bootstrap(ctx context.Context) (*runtime, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version))
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}

	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("logging configuration: %w", err)
	}
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	rt := &runtime{cfg: cfg, telemetry: tel, logger: logger}
	rt.closers = append(rt.closers, tel.Shutdown)
	return rt, nil
}

func (rt *runtime) onClose(f func(context.Context) error) {
	rt.closers = append(rt.closers, f)
}

// close runs closers in reverse order.
func (rt *runtime) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			rt.logger.Warn(ctx, "shutdown step failed", zap.Error(err))
		}
	}
	_ = rt.logger.Sync()
}

// newCoordinator builds the GitHub code host, the optional Prometheus
// monitor and the deploy coordinator over them.
func (rt *runtime) newCoordinator(ctx context.Context) (*deploy.Coordinator, deploy.CodeHost, deploy.Monitor, error) {
	cfg := rt.cfg
	zl := rt.logger.Underlying()

	gh, err := deploy.NewGitHubClient(ctx, cfg.GitHub.Token, cfg.GitHub.BaseURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("github client: %w", err)
	}
	host := deploy.NewGitHubCodeHost(gh, deploy.DefaultRetryConfig(), zl.Named("github"))

	var monitor deploy.Monitor
	if cfg.Monitor.Enabled() {
		prom, err := deploy.NewPrometheusMonitor(cfg.Monitor.PrometheusURL, nil, zl.Named("prometheus"))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("prometheus monitor: %w", err)
		}
		monitor = prom
	} else {
		rt.logger.Warn(ctx, "monitor.prometheus_url not set; merged fixes resolve provisionally")
	}

	coordinator, err := deploy.NewCoordinator(deploy.Config{
		TargetBranch:    cfg.Deploy.TargetBranch,
		PollInterval:    cfg.Deploy.PollInterval,
		PipelineTimeout: cfg.Deploy.PipelineTimeout,
		MergeMethod:     cfg.Deploy.MergeMethod,
		ManifestDir:     cfg.Deploy.ManifestDir,
	}, host, monitor, zl.Named("deploy"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("deploy coordinator: %w", err)
	}
	return coordinator, host, monitor, nil
}

// dialTemporal connects to the configured Temporal frontend.
func (rt *runtime) dialTemporal(ctx context.Context) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  rt.cfg.Temporal.Host,
		Namespace: rt.cfg.Temporal.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create Temporal client: %w", err)
	}
	rt.onClose(func(context.Context) error { c.Close(); return nil })
	rt.logger.Info(ctx, "temporal client connected",
		zap.String("host", rt.cfg.Temporal.Host),
		zap.String("namespace", rt.cfg.Temporal.Namespace))
	return c, nil
}

func (rt *runtime) newSandbox(ctx context.Context) (*sandbox.Orchestrator, error) {
	cfg := rt.cfg
	zl := rt.logger.Underlying()

	provisioner, err := sandbox.NewDockerProvisioner(zl.Named("docker"))
	if err != nil {
		return nil, err
	}
	rt.onClose(func(context.Context) error { return provisioner.Close() })

	allowlist, err := sandbox.LoadAllowlist(cfg.Sandbox.AllowlistPath)
	if err != nil {
		return nil, err
	}
	opts := []sandbox.Option{
		sandbox.WithRedactor(sandbox.NewRedactor(allowlist)),
		sandbox.WithMeter(rt.telemetry.Meter("github.com/fyrsmithlabs/healingd/internal/sandbox")),
	}
	if cfg.Sandbox.CloneRepository {
		opts = append(opts, sandbox.WithCloner(&sandbox.GitCloner{Token: cfg.GitHub.Token, Depth: 1}))
	}

	orch, err := sandbox.NewOrchestrator(sandbox.Config{
		MaxConcurrent: cfg.Sandbox.MaxConcurrent,
		MaxQueueWait:  cfg.Sandbox.MaxQueueWait,
		LogLimitBytes: cfg.Sandbox.LogLimitBytes,
		WorkDir:       cfg.Sandbox.WorkDir,
	}, provisioner, zl.Named("sandbox"), opts...)
	if err != nil {
		return nil, err
	}
	rt.logger.Info(ctx, "sandbox ready",
		zap.Int("max_concurrent", cfg.Sandbox.MaxConcurrent),
		zap.Bool("clone_repository", cfg.Sandbox.CloneRepository))
	return orch, nil
}

func (rt *runtime) newMemory(ctx context.Context) (healing.Memory, error) {
	cfg := rt.cfg
	if !cfg.Memory.Enabled {
		return nil, nil
	}
	svc, err := embeddings.NewService(embeddings.FromConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("embedding service: %w", err)
	}
	mem, err := remediation.NewMemory(remediation.MemoryConfig{
		Path:       cfg.Memory.Path,
		Collection: cfg.Memory.Collection,
		Compress:   cfg.Memory.Path != "",
	}, svc.EmbeddingFunc(), rt.logger.Underlying().Named("memory"))
	if err != nil {
		return nil, fmt.Errorf("remediation memory: %w", err)
	}
	rt.onClose(func(context.Context) error { return mem.Close() })
	rt.logger.Info(ctx, "remediation memory enabled",
		zap.String("collection", cfg.Memory.Collection),
		zap.Int("entries", mem.Count()))
	return mem, nil
}

func (rt *runtime) newNotifier(ctx context.Context) (healing.Notifier, error) {
	cfg := rt.cfg
	if cfg.Events.NATSURL == "" {
		return nil, nil
	}
	zl := rt.logger.Underlying().Named("notify")
	nc, err := notify.Connect(cfg.Events.NATSURL, zl)
	if err != nil {
		return nil, err
	}
	pub, err := notify.NewPublisher(nc, cfg.Events.SubjectPrefix, zl)
	if err != nil {
		nc.Close()
		return nil, err
	}
	rt.onClose(func(ctx context.Context) error {
		defer nc.Close()
		return pub.Flush(ctx)
	})
	rt.logger.Info(ctx, "publishing session events", zap.String("prefix", cfg.Events.SubjectPrefix))
	return pub, nil
}

func runServe(ctx context.Context) error {
	rt, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	cfg := rt.cfg
	logger := rt.logger
	zl := logger.Underlying()

	logger.Info(ctx, "starting healingd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("temporal", cfg.Temporal.Enabled),
		zap.Bool("monitoring", cfg.Monitor.Enabled()))

	constraints, err := constraint.NewManager(constraint.PolicyFromConfig(cfg))
	if err != nil {
		return fmt.Errorf("constraint policy: %w", err)
	}

	st, err := store.Open(store.FromConfig(cfg.Store), zl.Named("store"))
	if err != nil {
		return err
	}
	rt.onClose(func(context.Context) error { return st.Close() })

	rsn, err := reasoner.New(cfg.Reasoner, zl.Named("reasoner"))
	if err != nil {
		return fmt.Errorf("reasoner: %w", err)
	}

	sb, err := rt.newSandbox(ctx)
	if err != nil {
		return fmt.Errorf("sandbox: %w", err)
	}

	coordinator, _, _, err := rt.newCoordinator(ctx)
	if err != nil {
		return err
	}
	var deployer healing.Deployer = coordinator
	if cfg.Temporal.Enabled {
		tc, err := rt.dialTemporal(ctx)
		if err != nil {
			return err
		}
		deployer, err = workflows.NewDeployer(tc, coordinator, workflows.DeployerConfig{
			TaskQueue:       cfg.Temporal.TaskQueue,
			MergeMethod:     cfg.Deploy.MergeMethod,
			PollInterval:    cfg.Deploy.PollInterval,
			PipelineTimeout: cfg.Deploy.PipelineTimeout,
		}, zl.Named("workflows"))
		if err != nil {
			return err
		}
	}

	memory, err := rt.newMemory(ctx)
	if err != nil {
		return err
	}
	notifier, err := rt.newNotifier(ctx)
	if err != nil {
		return err
	}

	engine, err := healing.NewEngine(healing.ConfigFromConfig(cfg), healing.Dependencies{
		Constraints: constraints,
		Reasoner:    rsn,
		Sandbox:     sb,
		Deployer:    deployer,
		Store:       st,
		Notifier:    notifier,
		Memory:      memory,
		Logger:      logger,
		Meter:       rt.telemetry.Meter("github.com/fyrsmithlabs/healingd/internal/healing"),
	})
	if err != nil {
		return err
	}

	restored, err := engine.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restoring sessions: %w", err)
	}
	logger.Info(ctx, "live sessions restored", zap.Int("count", restored))

	scheduler := healing.NewScheduler(engine, cfg.Healing.TickInterval, logger)

	srv, err := httpserver.NewServer(httpserver.Dependencies{
		Engine:  engine,
		Waker:   scheduler,
		Reports: st,
		Logger:  zl.Named("http"),
	}, httpserver.ConfigFromConfig(cfg, version, rt.telemetry.MetricsHandler()))
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		return watchConfig(gctx, constraints, logger)
	})

	err = g.Wait()
	logger.Info(context.Background(), "healingd stopped", zap.Int("live_sessions", engine.Live()))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// watchConfig applies healing-policy changes from the config file. Other
// sections need a restart.
func watchConfig(ctx context.Context, constraints *constraint.Manager, logger *logging.Logger) error {
	path := configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil
		}
		path = p
	}
	err := config.Watch(ctx, path, func(cfg *config.Config) {
		if err := constraints.Update(constraint.PolicyFromConfig(cfg)); err != nil {
			logger.Warn(ctx, "rejected policy reload", zap.Error(err))
			return
		}
		logger.Info(ctx, "healing policy reloaded",
			zap.Int("max_attempts", cfg.Healing.MaxAttempts),
			zap.Duration("cooldown", cfg.Healing.Cooldown),
			zap.Duration("session_budget", cfg.Healing.SessionBudget))
	}, func(err error) {
		logger.Warn(ctx, "config reload failed", zap.Error(err))
	})
	if err != nil {
		// A missing config directory is not fatal; the service runs on
		// defaults and environment overrides.
		logger.Warn(ctx, "config watch disabled", zap.String("path", path), zap.Error(err))
	}
	return nil
}
