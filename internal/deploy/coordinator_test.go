package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/healingd/internal/remediation"
	"github.com/fyrsmithlabs/healingd/internal/sandbox"
)

type fakeHost struct {
	mu sync.Mutex

	createErr error
	statuses  []PipelineStatus // returned in order, the last one repeats
	statusErr error
	mergeErr  error

	created []ChangeRequest
	polls   int
	merges  int
	closed  []string
}

func (h *fakeHost) CreateChange(_ context.Context, req ChangeRequest) (Change, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.createErr != nil {
		return Change{}, h.createErr
	}
	h.created = append(h.created, req)
	return Change{Repo: req.Repo, ID: 42, URL: "https://example.test/pr/42", Branch: req.Branch, HeadSHA: "abc123"}, nil
}

func (h *fakeHost) PipelineStatus(context.Context, Change) (PipelineStatus, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.polls++
	if h.statusErr != nil {
		return "", h.statusErr
	}
	if len(h.statuses) == 0 {
		return PipelinePending, nil
	}
	s := h.statuses[0]
	if len(h.statuses) > 1 {
		h.statuses = h.statuses[1:]
	}
	return s, nil
}

func (h *fakeHost) Merge(context.Context, Change, string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.merges++
	return h.mergeErr
}

func (h *fakeHost) Close(_ context.Context, _ Change, reason string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = append(h.closed, reason)
	return nil
}

func (h *fakeHost) Merged(context.Context, Change) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.merges > 0 && h.mergeErr == nil, nil
}

type fakeMonitor struct {
	values []float64
	err    error
	got    MetricQuery
}

func (m *fakeMonitor) Query(_ context.Context, q MetricQuery) ([]float64, error) {
	m.got = q
	return m.values, m.err
}

func testCoordinator(t *testing.T, host CodeHost, monitor Monitor) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(Config{
		PollInterval:    5 * time.Millisecond,
		PipelineTimeout: 200 * time.Millisecond,
	}, host, monitor, nil)
	require.NoError(t, err)
	return c
}

func passingRequest() Request {
	return Request{
		SessionKey: "pi_0123456789abcdef0123456789abcdef",
		Attempt:    2,
		Repo:       "acme/api",
		Problem:    "workflow ci failed on main",
		Proposal: remediation.Proposal{
			ID:           "prop-1",
			FixType:      remediation.FixConfigChange,
			Title:        "raise connection pool size",
			Description:  "pool exhausted under load",
			Steps:        []string{"sed -i 's/pool: 5/pool: 20/' config.yml"},
			Validations:  []string{"grep -q 'pool: 20' config.yml"},
			Risk:         remediation.RiskLow,
			Confidence:   0.9,
			RollbackPlan: "revert the commit",
		},
		Sandbox: sandbox.Result{Pass: true, Elapsed: 12 * time.Second},
	}
}

func TestNewCoordinator_Validation(t *testing.T) {
	_, err := NewCoordinator(Config{PollInterval: time.Second, PipelineTimeout: time.Minute}, nil, nil, nil)
	require.Error(t, err)

	_, err = NewCoordinator(Config{}, &fakeHost{}, nil, nil)
	require.Error(t, err)
}

func TestCoordinator_DeployRequiresPass(t *testing.T) {
	host := &fakeHost{}
	c := testCoordinator(t, host, nil)

	req := passingRequest()
	req.Sandbox.Pass = false
	_, err := c.Deploy(context.Background(), req)

	require.ErrorIs(t, err, ErrPreconditionFailed)
	assert.Empty(t, host.created, "nothing may be submitted without a sandbox pass")
}

func TestCoordinator_DeploySuccess(t *testing.T) {
	host := &fakeHost{statuses: []PipelineStatus{PipelinePending, PipelinePending, PipelineSuccess}}
	c := testCoordinator(t, host, nil)

	rec, err := c.Deploy(context.Background(), passingRequest())
	require.NoError(t, err)

	assert.Equal(t, 42, rec.ChangeID)
	assert.Equal(t, PipelineSuccess, rec.PipelineStatus)
	assert.Equal(t, Merged, rec.MergeStatus)
	assert.Equal(t, VerificationPending, rec.VerificationStatus)
	assert.False(t, rec.MergedAt.IsZero())
	assert.Equal(t, 3, host.polls)
	assert.Empty(t, host.closed)
}

func TestCoordinator_DeployReportsSubmission(t *testing.T) {
	host := &fakeHost{statuses: []PipelineStatus{PipelineSuccess}}
	c := testCoordinator(t, host, nil)

	var submitted Record
	req := passingRequest()
	req.OnSubmitted = func(r Record) { submitted = r }
	_, err := c.Deploy(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 42, submitted.ChangeID)
	assert.Equal(t, NotMerged, submitted.MergeStatus)
}

func TestCoordinator_MergedAndAbandon(t *testing.T) {
	host := &fakeHost{}
	c := testCoordinator(t, host, nil)
	rec := Record{Repo: "acme/api", ChangeID: 42, MergeStatus: NotMerged}

	merged, err := c.Merged(context.Background(), rec)
	require.NoError(t, err)
	assert.False(t, merged)

	rec, err = c.Abandon(context.Background(), rec, "interrupted")
	require.NoError(t, err)
	assert.Equal(t, Closed, rec.MergeStatus)
	assert.Equal(t, []string{"interrupted"}, host.closed)
}

func TestCoordinator_DeployPipelineFailure(t *testing.T) {
	host := &fakeHost{statuses: []PipelineStatus{PipelinePending, PipelineFailure}}
	c := testCoordinator(t, host, nil)

	rec, err := c.Deploy(context.Background(), passingRequest())
	require.ErrorIs(t, err, ErrPipelineFailed)

	assert.Equal(t, PipelineFailure, rec.PipelineStatus)
	assert.Equal(t, Closed, rec.MergeStatus)
	assert.Zero(t, host.merges)
	assert.Len(t, host.closed, 1)
}

func TestCoordinator_DeployPipelineTimeout(t *testing.T) {
	host := &fakeHost{}
	c := testCoordinator(t, host, nil)

	rec, err := c.Deploy(context.Background(), passingRequest())
	require.ErrorIs(t, err, ErrPipelineTimeout)

	assert.Equal(t, PipelineTimeout, rec.PipelineStatus)
	assert.Equal(t, Closed, rec.MergeStatus)
	assert.Zero(t, host.merges)
}

func TestCoordinator_DeployCancelledClosesChange(t *testing.T) {
	host := &fakeHost{}
	c, err := NewCoordinator(Config{PollInterval: 5 * time.Millisecond, PipelineTimeout: time.Minute}, host, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	rec, err := c.Deploy(ctx, passingRequest())

	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Closed, rec.MergeStatus)
	assert.Len(t, host.closed, 1)
}

func TestCoordinator_DeployMergeRejected(t *testing.T) {
	host := &fakeHost{statuses: []PipelineStatus{PipelineSuccess}, mergeErr: ErrMergeRejected}
	c := testCoordinator(t, host, nil)

	rec, err := c.Deploy(context.Background(), passingRequest())
	require.ErrorIs(t, err, ErrMergeRejected)
	assert.Equal(t, Closed, rec.MergeStatus)
}

func TestCoordinator_DeployCodeHostDown(t *testing.T) {
	host := &fakeHost{createErr: ErrCodeHostUnavailable}
	c := testCoordinator(t, host, nil)

	_, err := c.Deploy(context.Background(), passingRequest())
	require.ErrorIs(t, err, ErrCodeHostUnavailable)
}

func TestCoordinator_UnobservablePipeline(t *testing.T) {
	host := &fakeHost{statusErr: ErrCodeHostUnavailable}
	c := testCoordinator(t, host, nil)

	rec, err := c.Deploy(context.Background(), passingRequest())
	require.ErrorIs(t, err, ErrCodeHostUnavailable)
	assert.Equal(t, NotMerged, rec.MergeStatus)
	assert.Empty(t, host.closed)
}

func TestCoordinator_ChangeRequest(t *testing.T) {
	c := testCoordinator(t, &fakeHost{}, nil)
	req := passingRequest()

	cr, err := c.ChangeRequest(req)
	require.NoError(t, err)

	assert.Equal(t, "main", cr.Base)
	assert.Equal(t, "healing/"+req.SessionKey+"-2", cr.Branch)
	assert.Equal(t, "fix(healing): raise connection pool size", cr.Title)
	assert.Contains(t, cr.Body, "sed -i")
	assert.Contains(t, cr.Body, "revert the commit")

	raw, ok := cr.Files[".healing/"+req.SessionKey+".json"]
	require.True(t, ok)
	var m Manifest
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, req.Proposal.Steps, m.Steps)
	assert.Equal(t, req.Proposal.Validations, m.Validations)
	assert.Equal(t, "prop-1", m.ProposalID)
	assert.Equal(t, 2, m.Attempt)
}

func mergedRecord(ago time.Duration) Record {
	return Record{ChangeID: 42, MergeStatus: Merged, MergedAt: time.Now().Add(-ago)}
}

func TestCoordinator_Verify(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   VerificationStatus
	}{
		{"all below threshold", []float64{0, 0.5, 1}, VerificationCleared},
		{"one sample above", []float64{0, 3, 0}, VerificationNotCleared},
		{"no samples", nil, VerificationCleared},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mon := &fakeMonitor{values: tt.values}
			c := testCoordinator(t, &fakeHost{}, mon)

			rec, err := c.Verify(context.Background(), VerifyRequest{
				Record:    mergedRecord(time.Hour),
				Expr:      "errors",
				Window:    10 * time.Minute,
				Threshold: 1,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, rec.VerificationStatus)
			assert.Equal(t, tt.values, rec.ObservedValues)
			assert.Equal(t, 10*time.Minute, mon.got.End.Sub(mon.got.Start))
		})
	}
}

func TestCoordinator_VerifyWaitsForWindow(t *testing.T) {
	mon := &fakeMonitor{}
	c := testCoordinator(t, &fakeHost{}, mon)

	start := time.Now()
	rec, err := c.Verify(context.Background(), VerifyRequest{
		Record: Record{ChangeID: 1, MergeStatus: Merged, MergedAt: start},
		Expr:   "errors",
		Window: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, VerificationCleared, rec.VerificationStatus)
}

func TestCoordinator_VerifyCancelled(t *testing.T) {
	c := testCoordinator(t, &fakeHost{}, &fakeMonitor{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := c.Verify(ctx, VerifyRequest{Record: mergedRecord(0), Expr: "errors", Window: time.Minute})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCoordinator_VerifyMonitorError(t *testing.T) {
	c := testCoordinator(t, &fakeHost{}, &fakeMonitor{err: ErrMonitorUnavailable})
	_, err := c.Verify(context.Background(), VerifyRequest{Record: mergedRecord(time.Hour), Expr: "errors", Window: time.Minute})
	require.ErrorIs(t, err, ErrMonitorUnavailable)
}

func TestCoordinator_VerifySkippedWithoutMonitor(t *testing.T) {
	c := testCoordinator(t, &fakeHost{}, nil)
	assert.False(t, c.MonitoringEnabled())

	rec, err := c.Verify(context.Background(), VerifyRequest{Record: mergedRecord(0), Window: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, VerificationSkipped, rec.VerificationStatus)
}

func TestCoordinator_VerifyRequiresMerge(t *testing.T) {
	c := testCoordinator(t, &fakeHost{}, &fakeMonitor{})
	_, err := c.Verify(context.Background(), VerifyRequest{Record: Record{MergeStatus: Closed}, Window: time.Minute})
	require.True(t, errors.Is(err, ErrPreconditionFailed))
}
