package healing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"

	"github.com/fyrsmithlabs/healingd/internal/constraint"
	"github.com/fyrsmithlabs/healingd/internal/deploy"
	"github.com/fyrsmithlabs/healingd/internal/incident"
	"github.com/fyrsmithlabs/healingd/internal/logging"
	"github.com/fyrsmithlabs/healingd/internal/reasoner"
	"github.com/fyrsmithlabs/healingd/internal/remediation"
	"github.com/fyrsmithlabs/healingd/internal/sandbox"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func validProposal(n int) remediation.Proposal {
	return remediation.Proposal{
		ID:          uuid.NewString(),
		FixType:     remediation.FixCodeFix,
		Title:       fmt.Sprintf("pin flaky dependency (try %d)", n),
		Steps:       []string{"go get example.com/dep@v1.2.3"},
		Validations: []string{"go test ./..."},
		Risk:        remediation.RiskLow,
		Confidence:  0.9,
	}
}

type fakeReasoner struct {
	mu       sync.Mutex
	requests []reasoner.ReasonRequest
	propose  func(ctx context.Context, n int) (remediation.Proposal, error)
}

func (r *fakeReasoner) Propose(ctx context.Context, req reasoner.ReasonRequest) (remediation.Proposal, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	n := len(r.requests)
	fn := r.propose
	r.mu.Unlock()
	if fn == nil {
		return validProposal(n), nil
	}
	return fn(ctx, n)
}

func (r *fakeReasoner) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

type fakeSandbox struct {
	mu      sync.Mutex
	jobs    []sandbox.JobSpec
	results []sandbox.Result // returned in order, the last one repeats
	err     error
}

func (s *fakeSandbox) Run(_ context.Context, spec sandbox.JobSpec) (sandbox.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, spec)
	if s.err != nil {
		return sandbox.Result{}, s.err
	}
	if len(s.results) == 0 {
		return sandbox.Result{Pass: true, Elapsed: 3 * time.Second}, nil
	}
	r := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	return r, nil
}

func (s *fakeSandbox) runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

var (
	failedRun = sandbox.Result{ExitCode: 1, FailedStep: "validation 1", Elapsed: 2 * time.Second}
	passedRun = sandbox.Result{Pass: true, Elapsed: 4 * time.Second}
)

type fakeDeployer struct {
	mu           sync.Mutex
	monitoring   bool
	deployErr    error
	verifyStatus deploy.VerificationStatus
	verifyErr    error
	merged       bool
	mergedErr    error

	deploys   []deploy.Request
	verifies  []deploy.VerifyRequest
	abandoned []deploy.Record
}

func (d *fakeDeployer) Deploy(_ context.Context, req deploy.Request) (deploy.Record, error) {
	d.mu.Lock()
	d.deploys = append(d.deploys, req)
	deployErr := d.deployErr
	d.mu.Unlock()

	if !req.Sandbox.Pass {
		return deploy.Record{}, deploy.ErrPreconditionFailed
	}
	rec := deploy.Record{
		Repo:               req.Repo,
		ChangeID:           7,
		ChangeURL:          "https://example.test/pr/7",
		Branch:             fmt.Sprintf("healing/%s-%d", req.SessionKey, req.Attempt),
		PipelineStatus:     deploy.PipelinePending,
		MergeStatus:        deploy.NotMerged,
		VerificationStatus: deploy.VerificationPending,
		SubmittedAt:        time.Now(),
	}
	if req.OnSubmitted != nil {
		req.OnSubmitted(rec)
	}
	switch {
	case deployErr == nil:
		rec.PipelineStatus = deploy.PipelineSuccess
		rec.MergeStatus = deploy.Merged
		rec.MergedAt = time.Now()
		return rec, nil
	case errors.Is(deployErr, deploy.ErrCodeHostUnavailable):
		return rec, deployErr
	default:
		rec.PipelineStatus = deploy.PipelineFailure
		rec.MergeStatus = deploy.Closed
		return rec, deployErr
	}
}

func (d *fakeDeployer) Verify(_ context.Context, req deploy.VerifyRequest) (deploy.Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.verifies = append(d.verifies, req)
	rec := req.Record
	if !d.monitoring {
		rec.VerificationStatus = deploy.VerificationSkipped
		return rec, nil
	}
	if d.verifyErr != nil {
		return rec, d.verifyErr
	}
	rec.Query = req.Expr
	rec.Threshold = req.Threshold
	rec.VerificationStatus = deploy.VerificationCleared
	rec.ObservedValues = []float64{0, 0}
	if d.verifyStatus != "" {
		rec.VerificationStatus = d.verifyStatus
	}
	if rec.VerificationStatus == deploy.VerificationNotCleared {
		rec.ObservedValues = []float64{0.4, 0.2}
	}
	rec.VerifiedAt = time.Now()
	return rec, nil
}

func (d *fakeDeployer) Merged(context.Context, deploy.Record) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.merged, d.mergedErr
}

func (d *fakeDeployer) Abandon(_ context.Context, rec deploy.Record, _ string) (deploy.Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.abandoned = append(d.abandoned, rec)
	rec.MergeStatus = deploy.Closed
	return rec, nil
}

func (d *fakeDeployer) MonitoringEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.monitoring
}

type memStore struct {
	mu      sync.Mutex
	live    map[string]*Session
	reports []Report
	saves   int
}

func newMemStore() *memStore {
	return &memStore{live: make(map[string]*Session)}
}

func (m *memStore) SaveSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live[s.ID] = s.Clone()
	m.saves++
	return nil
}

func (m *memStore) ArchiveSession(_ context.Context, s *Session, r Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.live, s.ID)
	m.reports = append(m.reports, r)
	return nil
}

func (m *memStore) LiveSessions(context.Context) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.live))
	for _, s := range m.live {
		out = append(out, s.Clone())
	}
	return out, nil
}

func (m *memStore) archived() []Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Report(nil), m.reports...)
}

type recordingNotifier struct {
	mu       sync.Mutex
	states   []State
	archived []Report
}

func (n *recordingNotifier) SessionChanged(_ context.Context, s *Session) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.states = append(n.states, s.State)
}

func (n *recordingNotifier) SessionArchived(_ context.Context, r Report) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.archived = append(n.archived, r)
}

func (n *recordingNotifier) seen(state State) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.states {
		if s == state {
			return true
		}
	}
	return false
}

type fakeMemory struct {
	mu       sync.Mutex
	hints    []remediation.Hint
	recorded []remediation.Entry
}

func (m *fakeMemory) Search(context.Context, string, int) ([]remediation.Hint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hints, nil
}

func (m *fakeMemory) Record(_ context.Context, e remediation.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorded = append(m.recorded, e)
	return nil
}

type harness struct {
	engine   *Engine
	clock    *fakeClock
	reasoner *fakeReasoner
	sandbox  *fakeSandbox
	deployer *fakeDeployer
	store    *memStore
	notifier *recordingNotifier
	memory   *fakeMemory
	logger   *logging.TestLogger
	policy   constraint.Policy
}

func testPolicy() constraint.Policy {
	return constraint.Policy{
		MaxAttempts:   3,
		Cooldown:      time.Minute,
		SessionBudget: time.Hour,
		StageBudgets: map[constraint.Stage]time.Duration{
			constraint.StageReasoning:  10 * time.Minute,
			constraint.StageValidating: 10 * time.Minute,
			constraint.StageDeploying:  10 * time.Minute,
			constraint.StageVerifying:  10 * time.Minute,
		},
		BlockedPatterns: []string{"database_down"},
	}
}

func testConfig() Config {
	return Config{
		Profile: sandbox.Profile{
			DefaultImage: "ubuntu:24.04",
			Base:         sandbox.Limits{MemoryBytes: 1 << 30, NanoCPUs: 1e9, PidsLimit: 256},
			Max:          sandbox.Limits{MemoryBytes: 2 << 30, NanoCPUs: 2e9, PidsLimit: 256},
			Budget:       5 * time.Minute,
		},
		Verify: VerifySettings{
			Window: 10 * time.Minute,
			Step:   30 * time.Second,
			Query:  `sum(rate(errors_total{service="{origin}",check="{subject}"}[5m]))`,
		},
		DefaultRepository: "acme/platform",
		MaxLiveSessions:   10,
		MaxHints:          2,
	}
}

type harnessOption func(*Config, *constraint.Policy)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	return newMeteredHarness(t, nil, opts...)
}

// newMeteredHarness records engine metrics on meter when it is not nil.
func newMeteredHarness(t *testing.T, meter metric.Meter, opts ...harnessOption) *harness {
	t.Helper()
	cfg := testConfig()
	policy := testPolicy()
	for _, opt := range opts {
		opt(&cfg, &policy)
	}
	manager, err := constraint.NewManager(policy)
	require.NoError(t, err)

	h := &harness{
		clock:    &fakeClock{now: time.Now()},
		reasoner: &fakeReasoner{},
		sandbox:  &fakeSandbox{},
		deployer: &fakeDeployer{monitoring: true},
		store:    newMemStore(),
		notifier: &recordingNotifier{},
		memory:   &fakeMemory{},
		logger:   logging.NewTestLogger(),
		policy:   policy,
	}
	h.engine, err = NewEngine(cfg, Dependencies{
		Constraints: manager,
		Reasoner:    h.reasoner,
		Sandbox:     h.sandbox,
		Deployer:    h.deployer,
		Store:       h.store,
		Notifier:    h.notifier,
		Memory:      h.memory,
		Logger:      h.logger.Logger,
		Clock:       h.clock.Now,
		Meter:       meter,
	})
	require.NoError(t, err)
	return h
}

func testEvent(desc string) incident.NormalizedEvent {
	now := time.Now().UTC()
	return incident.NormalizedEvent{
		ID:          uuid.NewString(),
		Kind:        incident.KindGitHub,
		Origin:      "acme/api",
		Subject:     "ci/unit-tests",
		Category:    "ci_failure",
		Severity:    incident.SeverityHigh,
		Description: desc,
		OccurredAt:  now,
		ReceivedAt:  now,
	}
}

// open correlates a fresh event and returns its session key.
func (h *harness) open(t *testing.T, desc string) string {
	t.Helper()
	res, err := h.engine.Correlate(context.Background(), testEvent(desc))
	require.NoError(t, err)
	require.True(t, res.Created)
	return res.Key
}

func (h *harness) report(t *testing.T, key string) Report {
	t.Helper()
	for _, r := range h.store.archived() {
		if r.Key == key {
			return r
		}
	}
	t.Fatalf("no report archived for %s", key)
	return Report{}
}
