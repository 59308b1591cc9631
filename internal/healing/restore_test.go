package healing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/healingd/internal/deploy"
	"github.com/fyrsmithlabs/healingd/internal/incident"
	"github.com/fyrsmithlabs/healingd/internal/sandbox"
)

// persisted builds a session as it would have been saved mid-attempt.
func persisted(t *testing.T, h *harness, desc string, state State) *Session {
	t.Helper()
	ev := testEvent(desc)
	now := h.clock.Now()
	s := newSession(incident.IdentityOf(ev), ev, now, now.Add(time.Hour), true)
	s.ID = uuid.NewString()
	s.State = state
	if state != StateOpen {
		s.Attempts = 1
		s.LastAttempt = now
		s.History = append(s.History, Attempt{Number: 1, StartedAt: now, FinalStage: state})
		p := validProposal(1)
		s.Proposal = &p
	}
	if state == StateDeploying || state == StateVerifying {
		s.SandboxResult = &sandbox.Result{Pass: true}
		s.Deployment = &deploy.Record{
			Repo:           "acme/api",
			ChangeID:       11,
			ChangeURL:      "https://example.test/pr/11",
			PipelineStatus: deploy.PipelinePending,
			MergeStatus:    deploy.NotMerged,
		}
	}
	if state == StateVerifying {
		s.Deployment.PipelineStatus = deploy.PipelineSuccess
		s.Deployment.MergeStatus = deploy.Merged
		s.Deployment.MergedAt = now
	}
	require.NoError(t, h.store.SaveSession(context.Background(), s))
	return s
}

func TestRestore_NoStore(t *testing.T) {
	h := newHarness(t)
	h.engine.store = nil
	n, err := h.engine.Restore(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRestore_InterruptedCallsFailTheAttempt(t *testing.T) {
	for _, state := range []State{StateReasoning, StateValidating} {
		t.Run(string(state), func(t *testing.T) {
			h := newHarness(t)
			s := persisted(t, h, "interrupted "+string(state), state)

			n, err := h.engine.Restore(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			got, ok := h.engine.Session(s.Key)
			require.True(t, ok)
			assert.Equal(t, StateOpen, got.State)
			assert.Equal(t, 1, got.Attempts)
			assert.Equal(t, KindInterrupted, got.History[0].ErrorKind)
			assert.False(t, got.CooldownUntil.IsZero())
			assert.Zero(t, h.reasoner.calls())
		})
	}
}

func TestRestore_DeployingMergedMovesToVerifying(t *testing.T) {
	h := newHarness(t)
	h.deployer.merged = true
	s := persisted(t, h, "merged before restart", StateDeploying)

	_, err := h.engine.Restore(context.Background())
	require.NoError(t, err)

	got, ok := h.engine.Session(s.Key)
	require.True(t, ok)
	assert.Equal(t, StateVerifying, got.State)
	require.NotNil(t, got.Deployment)
	assert.Equal(t, deploy.Merged, got.Deployment.MergeStatus)
	assert.False(t, got.Deployment.MergedAt.IsZero())

	state, err := h.engine.Drive(context.Background(), s.Key)
	require.NoError(t, err)
	assert.Equal(t, StateResolved, state)
}

func TestRestore_DeployingUnmergedIsAbandoned(t *testing.T) {
	tests := []struct {
		name      string
		mergedErr error
	}{
		{name: "not merged"},
		{name: "code host down", mergedErr: errors.New("502 bad gateway")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.deployer.mergedErr = tt.mergedErr
			s := persisted(t, h, "restart during pipeline "+tt.name, StateDeploying)

			_, err := h.engine.Restore(context.Background())
			require.NoError(t, err)

			got, ok := h.engine.Session(s.Key)
			require.True(t, ok)
			assert.Equal(t, StateOpen, got.State)
			assert.Equal(t, KindInterrupted, got.History[0].ErrorKind)
			require.Len(t, h.deployer.abandoned, 1)
			assert.Equal(t, 11, h.deployer.abandoned[0].ChangeID)
			assert.Contains(t, got.History[0].Deployment, "closed")
		})
	}
}

func TestRestore_VerifyingResumes(t *testing.T) {
	h := newHarness(t)
	s := persisted(t, h, "verifying before restart", StateVerifying)

	_, err := h.engine.Restore(context.Background())
	require.NoError(t, err)
	got, _ := h.engine.Session(s.Key)
	assert.Equal(t, StateVerifying, got.State)

	state, err := h.engine.Drive(context.Background(), s.Key)
	require.NoError(t, err)
	assert.Equal(t, StateResolved, state)
	assert.Len(t, h.deployer.verifies, 1)
}

func TestRestore_NewSignalsJoinRestoredSession(t *testing.T) {
	h := newHarness(t)
	s := persisted(t, h, "restored problem", StateOpen)
	_, err := h.engine.Restore(context.Background())
	require.NoError(t, err)

	res, err := h.engine.Correlate(context.Background(), testEvent("restored problem"))
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, s.Key, res.Key)
}
