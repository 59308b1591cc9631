package workflows

import (
	"context"
	"sync"
	"time"

	"github.com/fyrsmithlabs/healingd/internal/deploy"
	"github.com/fyrsmithlabs/healingd/internal/remediation"
	"github.com/fyrsmithlabs/healingd/internal/sandbox"
)

type fakeHost struct {
	mu sync.Mutex

	statuses []deploy.PipelineStatus // returned in order, the last one repeats
	mergeErr error
	merged   bool

	created []deploy.ChangeRequest
	polls   int
	merges  []string
	closed  []string
}

func (h *fakeHost) CreateChange(_ context.Context, req deploy.ChangeRequest) (deploy.Change, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.created = append(h.created, req)
	return deploy.Change{Repo: req.Repo, ID: 42, URL: "https://example.test/pr/42", Branch: req.Branch, HeadSHA: "abc1234"}, nil
}

func (h *fakeHost) PipelineStatus(context.Context, deploy.Change) (deploy.PipelineStatus, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.polls++
	if len(h.statuses) == 0 {
		return deploy.PipelinePending, nil
	}
	s := h.statuses[0]
	if len(h.statuses) > 1 {
		h.statuses = h.statuses[1:]
	}
	return s, nil
}

func (h *fakeHost) Merge(_ context.Context, _ deploy.Change, method string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.merges = append(h.merges, method)
	return h.mergeErr
}

func (h *fakeHost) Close(_ context.Context, _ deploy.Change, reason string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = append(h.closed, reason)
	return nil
}

func (h *fakeHost) Merged(context.Context, deploy.Change) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.merged, nil
}

func (h *fakeHost) closedReasons() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.closed...)
}

type fakeMonitor struct {
	mu     sync.Mutex
	values []float64
	got    []deploy.MetricQuery
}

func (m *fakeMonitor) Query(_ context.Context, q deploy.MetricQuery) ([]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, q)
	return m.values, nil
}

func testInput() DeploymentInput {
	return DeploymentInput{
		SessionKey: "pi_0123456789abcdef0123456789abcdef",
		Attempt:    1,
		Change: deploy.ChangeRequest{
			Repo:   "acme/api",
			Base:   "main",
			Branch: "healing/pi_0123456789abcdef0123456789abcdef-1",
			Title:  "fix(healing): raise pool size",
			Body:   "Automated remediation",
			Files: map[string][]byte{
				".healing/pi_0123456789abcdef0123456789abcdef.json": []byte("{}\n"),
			},
		},
		MergeMethod:     "squash",
		PollInterval:    30 * time.Second,
		PipelineTimeout: 10 * time.Minute,
	}
}

func passingRequest() deploy.Request {
	return deploy.Request{
		SessionKey: "pi_0123456789abcdef0123456789abcdef",
		Attempt:    2,
		Repo:       "acme/api",
		Problem:    "workflow ci failed on main",
		Proposal: remediation.Proposal{
			ID:          "prop-1",
			FixType:     remediation.FixConfigChange,
			Title:       "raise connection pool size",
			Steps:       []string{"sed -i 's/pool: 5/pool: 20/' config.yml"},
			Validations: []string{"grep -q 'pool: 20' config.yml"},
			Risk:        remediation.RiskLow,
			Confidence:  0.9,
		},
		Sandbox: sandbox.Result{Pass: true, Elapsed: 12 * time.Second},
	}
}
