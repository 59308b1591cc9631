package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Config configures an Orchestrator.
type Config struct {
	MaxConcurrent int
	// MaxQueueWait bounds how long a job waits for a slot.
	MaxQueueWait  time.Duration
	LogLimitBytes int
	// TeardownTimeout bounds environment teardown. Default 1m.
	TeardownTimeout time.Duration
	// WorkDir holds cloned workspaces. Default os.TempDir().
	WorkDir string
}

// Orchestrator runs sandbox jobs under a global concurrency cap.
type Orchestrator struct {
	config      Config
	provisioner Provisioner
	cloner      Cloner
	redactor    *Redactor
	logger      *zap.Logger
	tracer      trace.Tracer
	meter       metric.Meter
	metrics     *metrics

	slots *semaphore.Weighted

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// Option configures optional Orchestrator collaborators.
type Option func(*Orchestrator)

// WithCloner enables workspace checkout for jobs that name a repository.
func WithCloner(c Cloner) Option {
	return func(o *Orchestrator) { o.cloner = c }
}

// WithRedactor replaces the default redactor.
func WithRedactor(r *Redactor) Option {
	return func(o *Orchestrator) { o.redactor = r }
}

// WithMeter records job metrics on m instead of the global meter provider.
func WithMeter(m metric.Meter) Option {
	return func(o *Orchestrator) { o.meter = m }
}

// NewOrchestrator returns an Orchestrator provisioning through p.
func NewOrchestrator(cfg Config, p Provisioner, logger *zap.Logger, opts ...Option) (*Orchestrator, error) {
	if p == nil {
		return nil, errors.New("provisioner is required")
	}
	if cfg.MaxConcurrent < 1 {
		return nil, fmt.Errorf("max concurrent must be >= 1, got %d", cfg.MaxConcurrent)
	}
	if cfg.MaxQueueWait <= 0 {
		return nil, errors.New("max queue wait must be positive")
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = time.Minute
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		config:      cfg,
		provisioner: p,
		redactor:    NewRedactor(nil),
		logger:      logger,
		tracer:      otel.Tracer(instrumentationName),
		meter:       otel.Meter(instrumentationName),
		slots:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		inFlight:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.metrics = newMetrics(o.meter, logger)
	return o, nil
}

// Run executes spec and reports whether every step and validation passed.
//
// A failing or timed-out job is a Result, not an error. Errors are reserved
// for jobs that could not be judged: ErrInvalidJob, ErrJobInFlight,
// ErrSandboxUnavailable.
func (o *Orchestrator) Run(ctx context.Context, spec JobSpec) (result Result, err error) {
	if err := spec.validate(); err != nil {
		return Result{}, err
	}
	if !o.claim(spec.SessionKey) {
		return Result{}, ErrJobInFlight
	}
	defer o.release(spec.SessionKey)

	ctx, span := o.tracer.Start(ctx, "sandbox.run", trace.WithAttributes(
		attribute.String("session.key", spec.SessionKey),
		attribute.Int("session.attempt", spec.Attempt),
		attribute.String("fix_type", string(spec.FixType)),
		attribute.String("image", spec.Image),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.Bool("pass", result.Pass))
			o.metrics.record(ctx, outcomeOf(result), result)
		}
		span.End()
	}()

	queued := time.Now()
	qctx, cancel := context.WithTimeout(ctx, o.config.MaxQueueWait)
	acquireErr := o.slots.Acquire(qctx, 1)
	cancel()
	wait := time.Since(queued)
	if acquireErr != nil {
		if ctx.Err() != nil {
			return Result{TimedOut: true, QueueWait: wait}, nil
		}
		o.logger.Warn("no sandbox slot available",
			zap.String("session.key", spec.SessionKey),
			zap.Duration("queue_wait", wait),
		)
		return Result{QueueTimedOut: true, QueueWait: wait}, nil
	}
	o.metrics.slot(ctx, 1)
	defer func() {
		o.slots.Release(1)
		o.metrics.slot(context.WithoutCancel(ctx), -1)
	}()

	result, err = o.execute(ctx, spec)
	result.QueueWait = wait
	return result, err
}

func (o *Orchestrator) execute(ctx context.Context, spec JobSpec) (result Result, err error) {
	jobCtx, cancel := context.WithTimeout(ctx, spec.Budget)
	defer cancel()
	started := time.Now()
	defer func() { result.Elapsed = time.Since(started) }()

	result.Usage = Usage{MemoryLimit: spec.Limits.MemoryBytes, NanoCPUs: spec.Limits.NanoCPUs}

	envSpec := EnvSpec{
		Name:   fmt.Sprintf("healing-%s-%d-%d", spec.SessionKey, spec.Attempt, started.UnixNano()),
		Image:  spec.Image,
		Script: BuildScript(spec.Steps, spec.Validations),
		Limits: spec.Limits,
		Labels: map[string]string{
			"healingd.session": spec.SessionKey,
			"healingd.attempt": strconv.Itoa(spec.Attempt),
		},
	}

	if spec.Repository != nil && o.cloner != nil {
		dir, err := os.MkdirTemp(o.config.WorkDir, "healing-ws-")
		if err != nil {
			return result, fmt.Errorf("%w: workspace: %v", ErrSandboxUnavailable, err)
		}
		defer os.RemoveAll(dir)
		if err := o.cloner.Clone(jobCtx, *spec.Repository, dir); err != nil {
			if jobCtx.Err() != nil {
				result.TimedOut = true
				return result, nil
			}
			return result, fmt.Errorf("%w: %v", ErrSandboxUnavailable, err)
		}
		envSpec.WorkspaceDir = dir
	}

	env, err := o.provisioner.Provision(jobCtx, envSpec)
	if err != nil {
		if jobCtx.Err() != nil {
			result.TimedOut = true
			return result, nil
		}
		return result, fmt.Errorf("%w: %v", ErrSandboxUnavailable, err)
	}

	var once sync.Once
	teardown := func() {
		once.Do(func() {
			tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.config.TeardownTimeout)
			defer cancel()
			if terr := env.Teardown(tctx); terr != nil {
				o.logger.Error("sandbox teardown failed",
					zap.String("session.key", spec.SessionKey),
					zap.Error(terr),
				)
			}
		})
	}
	defer teardown()
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("sandbox job panicked",
				zap.String("session.key", spec.SessionKey),
				zap.Any("panic", r),
			)
			teardown()
			err = fmt.Errorf("%w: panic: %v", ErrSandboxUnavailable, r)
		}
	}()

	logs := newTailBuffer(o.config.LogLimitBytes)
	markers := &markerTracker{}
	exit, runErr := env.Run(jobCtx, io.MultiWriter(logs, markers))

	result.FailedStep = markers.Last()
	result.Logs = o.scrub(logs.String())

	switch {
	case jobCtx.Err() != nil:
		result.TimedOut = true
		return result, nil
	case runErr != nil:
		return result, fmt.Errorf("%w: %v", ErrSandboxUnavailable, runErr)
	}

	result.ExitCode = exit.Code
	result.Usage.OOMKilled = exit.OOMKilled
	result.Usage.PeakMemoryBytes = exit.PeakMemoryBytes
	result.Pass = exit.Code == 0 && !exit.OOMKilled
	if result.Pass || result.FailedStep == "done" {
		result.FailedStep = ""
	}
	return result, nil
}

func (o *Orchestrator) scrub(logs string) string {
	clean, n, err := o.redactor.Redact(logs)
	if err != nil {
		o.logger.Error("failed to scrub sandbox logs, dropping them", zap.Error(err))
		return "[logs withheld: redaction failed]"
	}
	if n > 0 {
		o.logger.Info("redacted secrets from sandbox logs", zap.Int("count", n))
	}
	return clean
}

func (o *Orchestrator) claim(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inFlight[key]; busy {
		return false
	}
	o.inFlight[key] = struct{}{}
	return true
}

func (o *Orchestrator) release(key string) {
	o.mu.Lock()
	delete(o.inFlight, key)
	o.mu.Unlock()
}
