package reasoner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/healingd/internal/config"
	"github.com/fyrsmithlabs/healingd/internal/incident"
	"github.com/fyrsmithlabs/healingd/internal/remediation"
)

var (
	// ErrNoProposal is the reasoner's explicit "no fix" answer.
	ErrNoProposal = errors.New("reasoner returned no usable proposal")

	// ErrReasonerUnavailable wraps transport and provider failures.
	ErrReasonerUnavailable = errors.New("reasoner unavailable")
)

// PriorAttempt summarises an earlier failed attempt on the same problem.
type PriorAttempt struct {
	Number     int    `json:"number"`
	FixType    string `json:"fix_type,omitempty"`
	Title      string `json:"title,omitempty"`
	FinalStage string `json:"final_stage"`
	Error      string `json:"error,omitempty"`
}

// ReasonRequest is everything the reasoner sees about a problem.
type ReasonRequest struct {
	Key           string
	Events        []incident.NormalizedEvent
	PriorAttempts []PriorAttempt
	Hints         []remediation.Hint
}

// Reasoner proposes a fix for a problem.
type Reasoner interface {
	Propose(ctx context.Context, req ReasonRequest) (remediation.Proposal, error)
}

// completer sends one prompt to a model and returns its raw text.
type completer interface {
	complete(ctx context.Context, system, user string) (string, error)
	provider() string
}

// modelReasoner holds the logic shared by every provider.
type modelReasoner struct {
	model         completer
	limiter       *rate.Limiter
	minConfidence float64
	maxProposals  int
	logger        *zap.Logger
}

func newModelReasoner(m completer, cfg config.ReasonerConfig, logger *zap.Logger) *modelReasoner {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute))
		burst = max(1, cfg.RequestsPerMinute/10)
	}
	return &modelReasoner{
		model:         m,
		limiter:       rate.NewLimiter(limit, burst),
		minConfidence: cfg.MinConfidence,
		maxProposals:  cfg.MaxProposals,
		logger:        logger.With(zap.String("provider", m.provider())),
	}
}

// Propose rate limits, prompts the model and selects a proposal.
func (r *modelReasoner) Propose(ctx context.Context, req ReasonRequest) (remediation.Proposal, error) {
	if len(req.Events) == 0 {
		return remediation.Proposal{}, errors.New("reason request has no events")
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return remediation.Proposal{}, fmt.Errorf("waiting for reasoner rate limit: %w", err)
	}

	system, user, err := BuildPrompt(req)
	if err != nil {
		return remediation.Proposal{}, err
	}

	start := time.Now()
	text, err := r.model.complete(ctx, system, user)
	recordRequest(ctx, r.model.provider(), time.Since(start), err)
	if err != nil {
		if ctx.Err() != nil {
			return remediation.Proposal{}, ctx.Err()
		}
		return remediation.Proposal{}, fmt.Errorf("%w: %v", ErrReasonerUnavailable, err)
	}

	candidates, err := ParseProposals(text)
	if err != nil {
		r.logger.Warn("unparseable reasoner response",
			zap.String("session_key", req.Key),
			zap.Int("length", len(text)),
			zap.Error(err),
		)
		return remediation.Proposal{}, err
	}

	p, err := Select(candidates, r.minConfidence, r.maxProposals)
	if err != nil {
		return remediation.Proposal{}, err
	}
	r.logger.Info("proposal selected",
		zap.String("session_key", req.Key),
		zap.String("proposal_id", p.ID),
		zap.String("fix_type", string(p.FixType)),
		zap.Float64("confidence", p.Confidence),
		zap.Int("candidates", len(candidates)),
	)
	return p, nil
}

// Select returns the highest ranked candidate. When every candidate is
// malformed the first one is returned unchanged so the caller can record
// why it was unusable; when the well-formed ones all fall below
// minConfidence the answer is ErrNoProposal.
func Select(candidates []remediation.Proposal, minConfidence float64, maxProposals int) (remediation.Proposal, error) {
	if len(candidates) == 0 {
		return remediation.Proposal{}, ErrNoProposal
	}
	if ranked := remediation.Rank(candidates, minConfidence, maxProposals); len(ranked) > 0 {
		return ranked[0], nil
	}
	for _, c := range candidates {
		if c.Validate() == nil {
			return remediation.Proposal{}, fmt.Errorf("%w: best confidence below %.2f", ErrNoProposal, minConfidence)
		}
	}
	return candidates[0], nil
}

// New builds the reasoner named by cfg.Provider.
func New(cfg config.ReasonerConfig, logger *zap.Logger) (Reasoner, error) {
	switch strings.ToLower(cfg.Provider) {
	case "openai":
		return NewOpenAIReasoner(cfg, logger)
	case "ollama":
		return NewOllamaReasoner(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown reasoner provider %q", cfg.Provider)
	}
}
