package healing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/healingd/internal/config"
	"github.com/fyrsmithlabs/healingd/internal/constraint"
	"github.com/fyrsmithlabs/healingd/internal/deploy"
	"github.com/fyrsmithlabs/healingd/internal/incident"
	"github.com/fyrsmithlabs/healingd/internal/logging"
	"github.com/fyrsmithlabs/healingd/internal/reasoner"
	"github.com/fyrsmithlabs/healingd/internal/remediation"
	"github.com/fyrsmithlabs/healingd/internal/sandbox"
)

const instrumentationName = "github.com/fyrsmithlabs/healingd/internal/healing"

// Reasoner proposes fixes.
type Reasoner interface {
	Propose(ctx context.Context, req reasoner.ReasonRequest) (remediation.Proposal, error)
}

// Sandbox validates proposals in isolation.
type Sandbox interface {
	Run(ctx context.Context, spec sandbox.JobSpec) (sandbox.Result, error)
}

// Deployer ships validated fixes and verifies them. Both the in-process
// deploy.Coordinator and the durable workflow client satisfy it.
type Deployer interface {
	Deploy(ctx context.Context, req deploy.Request) (deploy.Record, error)
	Verify(ctx context.Context, req deploy.VerifyRequest) (deploy.Record, error)
	Merged(ctx context.Context, rec deploy.Record) (bool, error)
	Abandon(ctx context.Context, rec deploy.Record, reason string) (deploy.Record, error)
	MonitoringEnabled() bool
}

// Store persists live sessions and archives reports.
type Store interface {
	SaveSession(ctx context.Context, s *Session) error
	// ArchiveSession removes s from the live set and stores r atomically.
	ArchiveSession(ctx context.Context, s *Session, r Report) error
	LiveSessions(ctx context.Context) ([]*Session, error)
}

// Notifier is told about every saved state change and every archive.
type Notifier interface {
	SessionChanged(ctx context.Context, s *Session)
	SessionArchived(ctx context.Context, r Report)
}

// Memory recalls similar past remediations and learns from finished ones.
type Memory interface {
	Search(ctx context.Context, problem string, k int) ([]remediation.Hint, error)
	Record(ctx context.Context, e remediation.Entry) error
}

// VerifySettings configure post-deploy verification.
type VerifySettings struct {
	Window    time.Duration
	Threshold float64
	Step      time.Duration
	// Query is the default expression; {origin} and {subject} are replaced
	// from the session's first event. A "query" context value on any event
	// takes precedence.
	Query string
}

// Config configures an Engine.
type Config struct {
	Profile sandbox.Profile
	Verify  VerifySettings
	// DefaultRepository receives fixes when no event names a repository.
	DefaultRepository string
	TargetBranch      string
	MaxLiveSessions   int
	MaxHints          int
	// CloneRepository asks the sandbox to mount a checkout of the
	// repository; GitHubBaseURL selects the host to clone from.
	CloneRepository bool
	GitHubBaseURL   string
	// StoreTimeout bounds each persistence call. Default 10s.
	StoreTimeout time.Duration
}

// ConfigFromConfig derives an Engine Config from the service configuration.
func ConfigFromConfig(cfg *config.Config) Config {
	return Config{
		Profile: sandbox.ProfileFromConfig(cfg.Sandbox),
		Verify: VerifySettings{
			Window:    cfg.Verify.Window,
			Threshold: cfg.Verify.Threshold,
			Step:      cfg.Verify.Step,
			Query:     cfg.Verify.Query,
		},
		DefaultRepository: cfg.Deploy.Repository,
		TargetBranch:      cfg.Deploy.TargetBranch,
		MaxLiveSessions:   cfg.Healing.MaxLiveSessions,
		MaxHints:          cfg.Memory.MaxHints,
		CloneRepository:   cfg.Sandbox.CloneRepository,
		GitHubBaseURL:     cloneBaseURL(cfg.GitHub.BaseURL),
	}
}

// cloneBaseURL turns a REST API base URL into the host repositories are
// cloned from.
func cloneBaseURL(api string) string {
	api = strings.TrimSuffix(api, "/")
	if api == "" || strings.Contains(api, "api.github.com") {
		return ""
	}
	return strings.TrimSuffix(api, "/api/v3")
}

// Dependencies are the Engine's collaborators. Constraints, Reasoner,
// Sandbox and Deployer are required.
type Dependencies struct {
	Constraints *constraint.Manager
	Reasoner    Reasoner
	Sandbox     Sandbox
	Deployer    Deployer
	Store       Store
	Notifier    Notifier
	Memory      Memory
	Logger      *logging.Logger
	Clock       func() time.Time
	// Meter records engine metrics. Defaults to the global meter provider.
	Meter metric.Meter
}

// Engine drives healing sessions.
type Engine struct {
	config      Config
	constraints *constraint.Manager
	reasoner    Reasoner
	sandbox     Sandbox
	deployer    Deployer
	store       Store
	notifier    Notifier
	memory      Memory
	logger      *logging.Logger
	now         func() time.Time
	tracer      trace.Tracer
	metrics     *metrics
	registry    *registry
}

// NewEngine creates an Engine.
func NewEngine(cfg Config, deps Dependencies) (*Engine, error) {
	var missing []string
	if deps.Constraints == nil {
		missing = append(missing, "constraints")
	}
	if deps.Reasoner == nil {
		missing = append(missing, "reasoner")
	}
	if deps.Sandbox == nil {
		missing = append(missing, "sandbox")
	}
	if deps.Deployer == nil {
		missing = append(missing, "deployer")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("healing engine missing %s", strings.Join(missing, ", "))
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 10 * time.Second
	}
	if cfg.TargetBranch == "" {
		cfg.TargetBranch = "main"
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Meter == nil {
		deps.Meter = otel.Meter(instrumentationName)
	}
	return &Engine{
		config:      cfg,
		constraints: deps.Constraints,
		reasoner:    deps.Reasoner,
		sandbox:     deps.Sandbox,
		deployer:    deps.Deployer,
		store:       deps.Store,
		notifier:    deps.Notifier,
		memory:      deps.Memory,
		logger:      deps.Logger.Named("healing"),
		now:         deps.Clock,
		tracer:      otel.Tracer(instrumentationName),
		metrics:     newMetrics(deps.Meter),
		registry:    newRegistry(),
	}, nil
}

// CorrelateResult says what Correlate did with an event.
type CorrelateResult struct {
	Key string `json:"key"`
	// Created is false when the event joined an existing live session.
	Created bool  `json:"created"`
	State   State `json:"state"`
}

// Correlate attaches ev to the live session for its identity, creating one
// if none exists.
func (e *Engine) Correlate(ctx context.Context, ev incident.NormalizedEvent) (CorrelateResult, error) {
	if err := ev.Validate(); err != nil {
		return CorrelateResult{}, err
	}
	key := incident.IdentityOf(ev)
	now := e.now()

	r := e.registry
	r.mu.Lock()
	if existing, ok := r.live[key.String()]; ok {
		existing.inbox = append(existing.inbox, ev)
		existing.duplicates++
		state := StateOpen
		if snap := existing.snapshot.Load(); snap != nil {
			state = snap.State
		}
		r.mu.Unlock()

		e.metrics.duplicate(ctx)
		e.logger.Debug(ctx, "duplicate signal suppressed",
			zap.String("session.key", key.String()),
			zap.String("event.id", ev.ID),
		)
		return CorrelateResult{Key: key.String(), State: state}, nil
	}
	if max := e.config.MaxLiveSessions; max > 0 && len(r.live) >= max {
		r.mu.Unlock()
		return CorrelateResult{}, fmt.Errorf("%w (%d)", ErrCapacity, max)
	}

	s := newSession(key, ev, now, e.constraints.SessionDeadline(now), e.deployer.MonitoringEnabled())
	s.ID = uuid.NewString()
	ent := &entry{session: s}
	ent.snapshot.Store(s.Clone())
	// Lock before publishing so no transition runs ahead of the first save.
	ent.mu.Lock()
	r.live[s.Key] = ent
	r.mu.Unlock()
	defer ent.mu.Unlock()

	e.metrics.created(ctx, ev.Kind)
	e.logger.Info(ctx, "healing session opened",
		zap.String("session.key", s.Key),
		zap.String("origin", s.Origin),
		zap.String("category", s.Category),
		zap.Bool("monitoring", s.MonitoringEnabled),
	)
	e.save(ctx, ent)
	return CorrelateResult{Key: s.Key, Created: true, State: s.State}, nil
}

// Advance performs the work of the session's current state and makes
// exactly one transition. It returns the new state. ErrCoolingDown means
// nothing happened because the retry cooldown is still running.
func (e *Engine) Advance(ctx context.Context, key string) (State, error) {
	ent := e.registry.get(key)
	if ent == nil {
		return "", ErrSessionNotFound
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()

	s := ent.session
	if s.State.Terminal() {
		return s.State, nil
	}
	e.registry.drain(ent)

	ctx = logging.WithSession(ctx, s.Key, s.Attempts)
	ctx, span := e.tracer.Start(ctx, "healing.advance", trace.WithAttributes(
		sessionAttrs(s)...,
	))
	defer span.End()

	err := e.step(ctx, ent)
	return s.State, err
}

// Drive advances the session until it is terminal, cooling down, or ctx
// ends.
func (e *Engine) Drive(ctx context.Context, key string) (State, error) {
	for {
		state, err := e.Advance(ctx, key)
		switch {
		case errors.Is(err, ErrCoolingDown):
			return state, nil
		case err != nil:
			return state, err
		case state.Terminal():
			return state, nil
		}
		if err := ctx.Err(); err != nil {
			return state, err
		}
	}
}

// Sessions returns a snapshot of every live session, oldest first.
func (e *Engine) Sessions() []*Session {
	return e.registry.snapshots()
}

// Session returns a copy of the last saved state of the live session for
// key. Callers may modify it freely.
func (e *Engine) Session(key string) (*Session, bool) {
	ent := e.registry.get(key)
	if ent == nil {
		return nil, false
	}
	s := ent.snapshot.Load()
	if s == nil {
		return nil, false
	}
	return s.Clone(), true
}

// Due returns the keys of live sessions that can make progress at now.
func (e *Engine) Due(now time.Time) []string {
	var keys []string
	for _, s := range e.registry.snapshots() {
		if s.State.Terminal() || now.Before(s.CooldownUntil) {
			continue
		}
		keys = append(keys, s.Key)
	}
	return keys
}

// Live returns the number of live sessions.
func (e *Engine) Live() int {
	return e.registry.len()
}

// save persists the session and publishes the change. Persistence
// failures are logged; the in-memory session stays authoritative.
func (e *Engine) save(ctx context.Context, ent *entry) {
	s := ent.session
	s.UpdatedAt = e.now()
	snap := s.Clone()
	ent.snapshot.Store(snap)

	if e.store != nil {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.StoreTimeout)
		if err := e.store.SaveSession(sctx, snap); err != nil {
			e.logger.Error(ctx, "failed to persist session", zap.String("session.key", s.Key), zap.Error(err))
		}
		cancel()
	}
	if e.notifier != nil {
		e.notifier.SessionChanged(ctx, snap)
	}
}
