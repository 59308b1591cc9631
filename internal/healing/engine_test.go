package healing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/healingd/internal/constraint"
	"github.com/fyrsmithlabs/healingd/internal/deploy"
	"github.com/fyrsmithlabs/healingd/internal/incident"
	"github.com/fyrsmithlabs/healingd/internal/reasoner"
	"github.com/fyrsmithlabs/healingd/internal/remediation"
	"github.com/fyrsmithlabs/healingd/internal/sandbox"
	"github.com/fyrsmithlabs/healingd/internal/telemetry"
)

func TestNewEngine_RequiresCollaborators(t *testing.T) {
	_, err := NewEngine(testConfig(), Dependencies{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "constraints, reasoner, sandbox, deployer")
}

func TestCorrelate_RejectsMalformedEvent(t *testing.T) {
	h := newHarness(t)
	ev := testEvent("boom")
	ev.Origin = ""

	_, err := h.engine.Correlate(context.Background(), ev)
	require.ErrorIs(t, err, incident.ErrMalformedSignal)
	assert.Zero(t, h.engine.Live())
}

func TestCorrelate_ConcurrentSignalsShareOneSession(t *testing.T) {
	tt := telemetry.NewTestTelemetry()
	h := newMeteredHarness(t, tt.Meter(instrumentationName))
	const signals = 50

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		keys    = map[string]struct{}{}
	)
	for i := range signals {
		wg.Add(1)
		go func() {
			defer wg.Done()
			desc := fmt.Sprintf("unit tests failed at 2026-03-14T09:%02d:00Z in run %d", i%60, 1000+i)
			res, err := h.engine.Correlate(context.Background(), testEvent(desc))
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			keys[res.Key] = struct{}{}
			if res.Created {
				created++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Len(t, keys, 1)
	assert.Equal(t, 1, h.engine.Live())
	assert.Equal(t, int64(signals-1), tt.Int64Sum(t, "healingd.signals.duplicates_total"))
	assert.Equal(t, int64(1), tt.Int64Sum(t, "healingd.sessions.created_total", attribute.String("kind", string(incident.KindGitHub))))
	assert.Equal(t, int64(1), tt.Int64Sum(t, "healingd.sessions.live"))

	var key string
	for k := range keys {
		key = k
	}
	_, err := h.engine.Advance(context.Background(), key)
	require.NoError(t, err)

	s, ok := h.engine.Session(key)
	require.True(t, ok)
	assert.Len(t, s.Events, signals)
	assert.Equal(t, signals-1, s.DuplicatesSuppressed)
}

func TestCorrelate_TimestampsDoNotSplitSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.engine.Correlate(ctx, testEvent("TestLogin failed at 2026-03-14T09:00:00Z"))
	require.NoError(t, err)
	second, err := h.engine.Correlate(ctx, testEvent("TestLogin  FAILED at 2026-03-14T09:17:42Z"))
	require.NoError(t, err)

	assert.True(t, first.Created)
	assert.False(t, second.Created)
	assert.Equal(t, first.Key, second.Key)

	_, err = h.engine.Advance(ctx, first.Key)
	require.NoError(t, err)
	s, _ := h.engine.Session(first.Key)
	require.Len(t, s.Events, 2)
	assert.Contains(t, s.Events[1].Description, "09:17:42")
}

func TestCorrelate_Capacity(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *constraint.Policy) { c.MaxLiveSessions = 1 })
	h.open(t, "first problem")

	_, err := h.engine.Correlate(context.Background(), testEvent("an unrelated second problem"))
	require.ErrorIs(t, err, ErrCapacity)
}

func TestAdvance_UnknownSession(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Advance(context.Background(), "pi_00000000000000000000000000000000")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestAdvance_OneTransitionPerCall(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := h.open(t, "checkout service returns 500")

	want := []State{StateReasoning, StateValidating, StateDeploying, StateVerifying, StateResolved}
	for _, next := range want {
		state, err := h.engine.Advance(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, next, state)
	}

	assert.Equal(t, 1, h.reasoner.calls())
	assert.Equal(t, 1, h.sandbox.runs())
	r := h.report(t, key)
	assert.Equal(t, OutcomeResolved, r.Outcome)
	require.Len(t, r.Attempts, 1)
	assert.Equal(t, StateVerifying, r.Attempts[0].FinalStage)
	assert.False(t, r.Attempts[0].EndedAt.IsZero())
}

func TestDrive_ResolvedHasVerifiedDeployment(t *testing.T) {
	h := newHarness(t)
	h.memory.hints = []remediation.Hint{{Key: "pi_old", Title: "bump dep", Similarity: 0.9}}
	key := h.open(t, "checkout service returns 500")

	state, err := h.engine.Drive(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, StateResolved, state)

	r := h.report(t, key)
	assert.Equal(t, OutcomeResolved, r.Outcome)
	assert.False(t, r.Provisional)
	require.NotNil(t, r.Deployment)
	assert.Equal(t, deploy.Merged, r.Deployment.MergeStatus)
	assert.Equal(t, deploy.VerificationCleared, r.Deployment.VerificationStatus)

	require.Len(t, h.deployer.verifies, 1)
	assert.Equal(t, `sum(rate(errors_total{service="acme/api",check="ci/unit-tests"}[5m]))`, h.deployer.verifies[0].Expr)
	assert.Equal(t, 10*time.Minute, h.deployer.verifies[0].Window)

	require.Len(t, h.reasoner.requests, 1)
	assert.Equal(t, key, h.reasoner.requests[0].Key)
	assert.Len(t, h.reasoner.requests[0].Hints, 1)

	require.Len(t, h.memory.recorded, 1)
	assert.Equal(t, "resolved", h.memory.recorded[0].Outcome)
	assert.Len(t, h.notifier.archived, 1)
	assert.Zero(t, h.engine.Live())
}

func TestDrive_QueryFromEventContext(t *testing.T) {
	h := newHarness(t)
	ev := testEvent("latency alert")
	ev.Kind = incident.KindMonitor
	ev.Origin = "checkout"
	ev.Context = map[string]any{"query": "histogram_quantile(0.99, rate(latency_bucket[5m])) > 2"}
	res, err := h.engine.Correlate(context.Background(), ev)
	require.NoError(t, err)

	_, err = h.engine.Drive(context.Background(), res.Key)
	require.NoError(t, err)

	require.Len(t, h.deployer.verifies, 1)
	assert.Equal(t, ev.Context["query"], h.deployer.verifies[0].Expr)
	require.Len(t, h.deployer.deploys, 1)
	assert.Equal(t, "acme/platform", h.deployer.deploys[0].Repo, "monitor signals fall back to the default repository")
}

func TestDrive_ProvisionalWithoutMonitoring(t *testing.T) {
	h := newHarness(t)
	h.deployer.monitoring = false
	key := h.open(t, "nightly build broken")

	state, err := h.engine.Drive(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, StateResolved, state)

	r := h.report(t, key)
	assert.True(t, r.Provisional)
	require.NotNil(t, r.Deployment)
	assert.Empty(t, h.deployer.verifies)
	assert.False(t, h.notifier.seen(StateVerifying))
}

func TestDrive_SandboxFailsTwiceThenPasses(t *testing.T) {
	h := newHarness(t)
	h.sandbox.results = []sandbox.Result{failedRun, failedRun, passedRun}
	ctx := context.Background()
	key := h.open(t, "integration tests failing on main")

	for i := 1; i <= 2; i++ {
		state, err := h.engine.Drive(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, StateOpen, state)

		s, _ := h.engine.Session(key)
		assert.Equal(t, i, s.Attempts)
		assert.Equal(t, KindSandboxFailed, s.History[i-1].ErrorKind)
		assert.Equal(t, "validation 1 exited 1", s.History[i-1].Sandbox)
		assert.Empty(t, h.deployer.deploys)

		h.clock.Advance(time.Minute)
	}

	state, err := h.engine.Drive(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, StateResolved, state)
	assert.True(t, h.notifier.seen(StateDeploying))

	assert.Equal(t, 3, h.reasoner.calls())
	assert.Len(t, h.reasoner.requests[2].PriorAttempts, 2)
	assert.Equal(t, string(StateValidating), h.reasoner.requests[2].PriorAttempts[0].FinalStage)
	r := h.report(t, key)
	assert.Len(t, r.Attempts, 3)
}

func TestDrive_DefaultPolicyReachesThirdAttempt(t *testing.T) {
	h := newHarness(t, func(_ *Config, p *constraint.Policy) { *p = constraint.DefaultPolicy() })
	h.sandbox.results = []sandbox.Result{failedRun, failedRun, passedRun}
	ctx := context.Background()
	key := h.open(t, "integration tests failing on main")

	for i := 1; i <= 2; i++ {
		state, err := h.engine.Drive(ctx, key)
		require.NoError(t, err)
		require.Equal(t, StateOpen, state)
		h.clock.Advance(h.policy.Cooldown + time.Second)
	}

	state, err := h.engine.Drive(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, StateResolved, state)
	assert.Equal(t, 3, h.reasoner.calls())
	assert.Equal(t, OutcomeResolved, h.report(t, key).Outcome)
}

func TestDrive_EscalatesAfterRetryBudget(t *testing.T) {
	h := newHarness(t)
	h.sandbox.results = []sandbox.Result{failedRun}
	ctx := context.Background()
	key := h.open(t, "integration tests failing on main")

	var state State
	for range 3 {
		var err error
		state, err = h.engine.Drive(ctx, key)
		require.NoError(t, err)
		h.clock.Advance(time.Minute)
	}
	assert.Equal(t, StateEscalated, state)

	_, err := h.engine.Drive(ctx, key)
	require.ErrorIs(t, err, ErrSessionNotFound)

	assert.Equal(t, 3, h.reasoner.calls(), "no fourth reasoning call")
	assert.Equal(t, 3, h.sandbox.runs())
	assert.Empty(t, h.deployer.deploys)

	r := h.report(t, key)
	assert.Equal(t, OutcomeEscalated, r.Outcome)
	assert.Contains(t, r.Reason, string(constraint.DenyRetryBudgetExceeded))
	require.Len(t, r.Attempts, 3)
	for i, a := range r.Attempts {
		assert.Equal(t, i+1, a.Number)
		assert.Equal(t, KindSandboxFailed, a.ErrorKind)
	}
}

func TestDrive_VerificationNotCleared(t *testing.T) {
	h := newHarness(t)
	h.deployer.verifyStatus = deploy.VerificationNotCleared
	key := h.open(t, "error rate above SLO")

	state, err := h.engine.Drive(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, state)

	r := h.report(t, key)
	assert.Equal(t, OutcomeFailed, r.Outcome)
	require.NotNil(t, r.Deployment)
	assert.Equal(t, deploy.VerificationNotCleared, r.Deployment.VerificationStatus)
	require.Len(t, r.Attempts, 1)
	assert.Equal(t, KindVerificationTimeout, r.Attempts[0].ErrorKind)
	assert.Contains(t, r.Attempts[0].Error, "peak 0.4")
	assert.Equal(t, 1, h.reasoner.calls(), "a failed verification is not retried")
}

func TestDrive_VerificationMonitorDown(t *testing.T) {
	h := newHarness(t)
	h.deployer.verifyErr = fmt.Errorf("%w: connection refused", deploy.ErrMonitorUnavailable)
	key := h.open(t, "error rate above SLO")

	state, err := h.engine.Drive(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, state)
	assert.Equal(t, KindMonitorUnavailable, h.report(t, key).Attempts[0].ErrorKind)
}

func TestDrive_SandboxTimeout(t *testing.T) {
	h := newHarness(t)
	h.sandbox.results = []sandbox.Result{{TimedOut: true, ExitCode: -1, Elapsed: 5 * time.Minute}}
	key := h.open(t, "slow migration")

	state, err := h.engine.Drive(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, state)

	s, _ := h.engine.Session(key)
	assert.Equal(t, 1, s.Attempts)
	require.Len(t, s.History, 1)
	assert.Equal(t, KindVerificationTimeout, s.History[0].ErrorKind)
	assert.Contains(t, s.History[0].Sandbox, "timed out")
	assert.Equal(t, h.clock.Now().Add(time.Minute), s.CooldownUntil)
}

func TestDrive_SandboxQueueTimeout(t *testing.T) {
	h := newHarness(t)
	h.sandbox.results = []sandbox.Result{{QueueTimedOut: true, QueueWait: 5 * time.Minute}}
	key := h.open(t, "slow migration")

	_, err := h.engine.Drive(context.Background(), key)
	require.NoError(t, err)
	s, _ := h.engine.Session(key)
	assert.Equal(t, KindTimeBudget, s.History[0].ErrorKind)
}

func TestDrive_AttemptFailures(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(h *harness)
		kind      Kind
		sandboxed bool
		deployed  bool
		abandoned bool
	}{
		{
			name: "reasoner unavailable",
			setup: func(h *harness) {
				h.reasoner.propose = func(context.Context, int) (remediation.Proposal, error) {
					return remediation.Proposal{}, fmt.Errorf("%w: status 503", reasoner.ErrReasonerUnavailable)
				}
			},
			kind: KindReasonerUnavailable,
		},
		{
			name: "no proposal",
			setup: func(h *harness) {
				h.reasoner.propose = func(context.Context, int) (remediation.Proposal, error) {
					return remediation.Proposal{}, reasoner.ErrNoProposal
				}
			},
			kind: KindNoProposal,
		},
		{
			name: "invalid proposal consumes no sandbox slot",
			setup: func(h *harness) {
				h.reasoner.propose = func(_ context.Context, n int) (remediation.Proposal, error) {
					p := validProposal(n)
					p.Validations = nil
					return p, nil
				}
			},
			kind: KindInvalidProposal,
		},
		{
			name:      "sandbox unavailable",
			setup:     func(h *harness) { h.sandbox.err = sandbox.ErrSandboxUnavailable },
			kind:      KindSandboxUnavailable,
			sandboxed: true,
		},
		{
			name:      "pipeline failed",
			setup:     func(h *harness) { h.deployer.deployErr = deploy.ErrPipelineFailed },
			kind:      KindPipelineFailed,
			sandboxed: true,
			deployed:  true,
		},
		{
			name: "code host down leaves change to close",
			setup: func(h *harness) {
				h.deployer.deployErr = fmt.Errorf("%w: 502", deploy.ErrCodeHostUnavailable)
			},
			kind:      KindDeploymentPipelineUnavailable,
			sandboxed: true,
			deployed:  true,
			abandoned: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h)
			key := h.open(t, "payments worker crash looping")

			state, err := h.engine.Drive(context.Background(), key)
			require.NoError(t, err)
			assert.Equal(t, StateOpen, state)

			s, ok := h.engine.Session(key)
			require.True(t, ok)
			assert.Equal(t, 1, s.Attempts)
			assert.Equal(t, tt.kind, s.History[0].ErrorKind)
			assert.Nil(t, s.Proposal)
			assert.Nil(t, s.Deployment)
			assert.False(t, s.CooldownUntil.IsZero())

			assert.Equal(t, tt.sandboxed, h.sandbox.runs() > 0)
			assert.Equal(t, tt.deployed, len(h.deployer.deploys) > 0)
			assert.Equal(t, tt.abandoned, len(h.deployer.abandoned) > 0)
			if tt.deployed {
				assert.NotEmpty(t, s.History[0].Deployment)
			}
			h.logger.AssertLogged(t, zapcore.WarnLevel, "healing attempt failed")
		})
	}
}

func TestAdvance_CooldownLeavesSessionUnchanged(t *testing.T) {
	h := newHarness(t)
	h.sandbox.results = []sandbox.Result{failedRun, passedRun}
	ctx := context.Background()
	key := h.open(t, "queue consumer lagging")

	_, err := h.engine.Drive(ctx, key)
	require.NoError(t, err)
	before, _ := h.engine.Session(key)
	assert.Empty(t, h.engine.Due(h.clock.Now()))

	state, err := h.engine.Advance(ctx, key)
	require.ErrorIs(t, err, ErrCoolingDown)
	assert.Equal(t, StateOpen, state)
	after, _ := h.engine.Session(key)
	assert.Equal(t, before.Attempts, after.Attempts)
	assert.Equal(t, 1, h.reasoner.calls())

	h.clock.Advance(time.Minute)
	assert.Equal(t, []string{key}, h.engine.Due(h.clock.Now()))
	state, err = h.engine.Advance(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, StateReasoning, state)
}

func TestAdvance_BlockedPatternEscalatesImmediately(t *testing.T) {
	h := newHarness(t)
	key := h.open(t, "DATABASE_DOWN: primary unreachable")

	state, err := h.engine.Advance(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, StateEscalated, state)
	assert.Zero(t, h.reasoner.calls())

	r := h.report(t, key)
	assert.Contains(t, r.Reason, "database_down")
	assert.Empty(t, r.Attempts)
}

func TestAdvance_SessionBudgetEscalates(t *testing.T) {
	h := newHarness(t)
	h.sandbox.results = []sandbox.Result{failedRun}
	ctx := context.Background()
	key := h.open(t, "cache stampede")

	_, err := h.engine.Drive(ctx, key)
	require.NoError(t, err)

	h.clock.Advance(2 * time.Hour)
	state, err := h.engine.Advance(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, StateEscalated, state)
	assert.Contains(t, h.report(t, key).Reason, string(constraint.DenyTimeBudgetExceeded))
}

func TestAdvance_StageDeadlineFailsAttempt(t *testing.T) {
	h := newHarness(t, func(_ *Config, p *constraint.Policy) {
		p.StageBudgets[constraint.StageReasoning] = 20 * time.Millisecond
	})
	h.reasoner.propose = func(ctx context.Context, _ int) (remediation.Proposal, error) {
		<-ctx.Done()
		return remediation.Proposal{}, ctx.Err()
	}
	key := h.open(t, "hung dependency")

	state, err := h.engine.Drive(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, state)
	s, _ := h.engine.Session(key)
	assert.Equal(t, KindTimeBudget, s.History[0].ErrorKind)
}

func TestAdvance_CancelledCallLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	h.reasoner.propose = func(ctx context.Context, _ int) (remediation.Proposal, error) {
		close(started)
		<-ctx.Done()
		return remediation.Proposal{}, ctx.Err()
	}
	key := h.open(t, "hung dependency")
	_, err := h.engine.Advance(context.Background(), key)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, err = h.engine.Advance(ctx, key)
	require.ErrorIs(t, err, context.Canceled)

	s, _ := h.engine.Session(key)
	assert.Equal(t, StateReasoning, s.State)
	assert.Equal(t, 1, s.Attempts)
	assert.True(t, s.History[0].EndedAt.IsZero())
}

func TestAdvance_DeployWithoutPassEscalates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := h.open(t, "checkout service returns 500")
	for range 3 {
		_, err := h.engine.Advance(ctx, key)
		require.NoError(t, err)
	}

	ent := h.engine.registry.get(key)
	require.NotNil(t, ent)
	ent.mu.Lock()
	require.Equal(t, StateDeploying, ent.session.State)
	ent.session.SandboxResult.Pass = false
	ent.mu.Unlock()

	state, err := h.engine.Advance(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, StateEscalated, state)
	assert.Empty(t, h.deployer.deploys)
	h.logger.AssertLogged(t, zapcore.DPanicLevel, "without a passing sandbox result")
}

func TestDrive_NeverDeploysWithoutPass(t *testing.T) {
	outcomes := [][]sandbox.Result{
		{failedRun, failedRun, failedRun},
		{failedRun, passedRun},
		{{TimedOut: true}, failedRun, passedRun},
		{{QueueTimedOut: true}, {TimedOut: true}, failedRun},
	}
	for i, results := range outcomes {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			h := newHarness(t)
			h.sandbox.results = results
			key := h.open(t, "flaky deploy job")
			for range 3 {
				_, err := h.engine.Drive(context.Background(), key)
				if errors.Is(err, ErrSessionNotFound) {
					break
				}
				require.NoError(t, err)
				h.clock.Advance(time.Minute)
			}
			for _, req := range h.deployer.deploys {
				assert.True(t, req.Sandbox.Pass)
			}
			for _, r := range h.store.archived() {
				assert.LessOrEqual(t, len(r.Attempts), 3)
				if r.Outcome == OutcomeResolved {
					require.NotNil(t, r.Deployment)
					assert.Equal(t, deploy.VerificationCleared, r.Deployment.VerificationStatus)
				}
			}
		})
	}
}

func TestCorrelate_KeyReusableAfterArchive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := h.open(t, "DATABASE_DOWN again")
	_, err := h.engine.Drive(ctx, key)
	require.NoError(t, err)
	first := h.report(t, key)

	res, err := h.engine.Correlate(ctx, testEvent("DATABASE_DOWN again"))
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, key, res.Key)
	s, _ := h.engine.Session(key)
	assert.True(t, s.ClosedAt.IsZero())
	assert.Equal(t, OutcomeEscalated, first.Outcome)
}

func TestSessions_SnapshotsAreCopies(t *testing.T) {
	h := newHarness(t)
	key := h.open(t, "disk pressure on builders")

	list := h.engine.Sessions()
	require.Len(t, list, 1)
	list[0].Events = nil
	list[0].State = StateResolved

	s, ok := h.engine.Session(key)
	require.True(t, ok)
	assert.Equal(t, StateOpen, s.State)
	assert.Len(t, s.Events, 1)

	s.State = StateFailed
	s.Events[0].Description = "rewritten"
	again, ok := h.engine.Session(key)
	require.True(t, ok)
	assert.Equal(t, StateOpen, again.State)
	assert.Equal(t, "disk pressure on builders", again.Events[0].Description)
	assert.Equal(t, []string{key}, h.engine.Due(h.clock.Now()))
}

func TestStore_PersistsEveryTransition(t *testing.T) {
	h := newHarness(t)
	key := h.open(t, "checkout service returns 500")
	_, err := h.engine.Advance(context.Background(), key)
	require.NoError(t, err)

	live, err := h.store.LiveSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, StateReasoning, live[0].State)
	assert.NotEmpty(t, live[0].ID)

	_, err = h.engine.Drive(context.Background(), key)
	require.NoError(t, err)
	live, err = h.store.LiveSessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestCloneBaseURL(t *testing.T) {
	assert.Equal(t, "", cloneBaseURL(""))
	assert.Equal(t, "", cloneBaseURL("https://api.github.com/"))
	assert.Equal(t, "https://ghe.example.com", cloneBaseURL("https://ghe.example.com/api/v3/"))
}
