package deploy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/healingd/internal/config"
)

// failingConclusions are check run conclusions that fail a pipeline.
var failingConclusions = map[string]bool{
	"failure":         true,
	"timed_out":       true,
	"cancelled":       true,
	"action_required": true,
	"startup_failure": true,
}

// NewGitHubClient creates an authenticated GitHub client. baseURL selects a
// GitHub Enterprise instance; empty means github.com.
func NewGitHubClient(ctx context.Context, token config.Secret, baseURL string) (*github.Client, error) {
	if !token.IsSet() {
		return nil, fmt.Errorf("GitHub token not set")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token.Value()})
	client := github.NewClient(oauth2.NewClient(ctx, ts))
	if baseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("GitHub base URL %q: %w", baseURL, err)
		}
	}
	return client, nil
}

// GitHubCodeHost submits changes as pull requests.
type GitHubCodeHost struct {
	client *github.Client
	retry  RetryConfig
	logger *zap.Logger
}

// NewGitHubCodeHost wraps client. A nil retry uses DefaultRetryConfig.
func NewGitHubCodeHost(client *github.Client, retry *RetryConfig, logger *zap.Logger) *GitHubCodeHost {
	if retry == nil {
		retry = DefaultRetryConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GitHubCodeHost{client: client, retry: *retry, logger: logger}
}

func (h *GitHubCodeHost) do(ctx context.Context, op string, call func() (*github.Response, error)) error {
	resp, err := retryGitHub(ctx, h.retry, h.logger, op, call)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("%w: %s (status %d): %v", ErrCodeHostUnavailable, op, statusCode(resp), err)
	}
	return nil
}

// CreateChange branches from Base, commits every file and opens a pull
// request.
func (h *GitHubCodeHost) CreateChange(ctx context.Context, req ChangeRequest) (Change, error) {
	owner, repo, err := splitRepo(req.Repo)
	if err != nil {
		return Change{}, err
	}

	var base *github.Reference
	if err := h.do(ctx, "get base ref", func() (resp *github.Response, err error) {
		base, resp, err = h.client.Git.GetRef(ctx, owner, repo, "heads/"+req.Base)
		return resp, err
	}); err != nil {
		return Change{}, err
	}

	if err := h.do(ctx, "create branch", func() (*github.Response, error) {
		_, resp, err := h.client.Git.CreateRef(ctx, owner, repo, &github.Reference{
			Ref:    github.String("refs/heads/" + req.Branch),
			Object: &github.GitObject{SHA: base.Object.SHA},
		})
		return resp, err
	}); err != nil {
		return Change{}, err
	}

	paths := make([]string, 0, len(req.Files))
	for p := range req.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	headSHA := base.GetObject().GetSHA()
	for _, path := range paths {
		content := req.Files[path]
		opts := &github.RepositoryContentFileOptions{
			Message: github.String(req.Title),
			Content: content,
			Branch:  github.String(req.Branch),
		}
		// Updating an existing file requires its blob SHA.
		existing, _, resp, err := h.client.Repositories.GetContents(ctx, owner, repo, path, &github.RepositoryContentGetOptions{Ref: req.Branch})
		switch {
		case err == nil && existing != nil:
			opts.SHA = existing.SHA
		case err != nil && statusCode(resp) != http.StatusNotFound:
			return Change{}, fmt.Errorf("%w: read %s: %v", ErrCodeHostUnavailable, path, err)
		}

		var out *github.RepositoryContentResponse
		if err := h.do(ctx, "commit "+path, func() (resp *github.Response, err error) {
			out, resp, err = h.client.Repositories.CreateFile(ctx, owner, repo, path, opts)
			return resp, err
		}); err != nil {
			return Change{}, err
		}
		headSHA = out.Commit.GetSHA()
	}

	var pr *github.PullRequest
	if err := h.do(ctx, "open pull request", func() (resp *github.Response, err error) {
		pr, resp, err = h.client.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
			Title: github.String(req.Title),
			Head:  github.String(req.Branch),
			Base:  github.String(req.Base),
			Body:  github.String(req.Body),
		})
		return resp, err
	}); err != nil {
		return Change{}, err
	}

	if sha := pr.GetHead().GetSHA(); sha != "" {
		headSHA = sha
	}
	return Change{
		Repo:    req.Repo,
		ID:      pr.GetNumber(),
		URL:     pr.GetHTMLURL(),
		Branch:  req.Branch,
		HeadSHA: headSHA,
	}, nil
}

// PipelineStatus combines check runs and commit statuses on the head
// commit. Any failure fails the pipeline; success needs at least one
// finished check or status and nothing still running.
func (h *GitHubCodeHost) PipelineStatus(ctx context.Context, c Change) (PipelineStatus, error) {
	owner, repo, err := splitRepo(c.Repo)
	if err != nil {
		return "", err
	}

	var runs *github.ListCheckRunsResults
	if err := h.do(ctx, "list check runs", func() (resp *github.Response, err error) {
		runs, resp, err = h.client.Checks.ListCheckRunsForRef(ctx, owner, repo, c.HeadSHA, &github.ListCheckRunsOptions{
			ListOptions: github.ListOptions{PerPage: 100},
		})
		return resp, err
	}); err != nil {
		return "", err
	}

	var combined *github.CombinedStatus
	if err := h.do(ctx, "get combined status", func() (resp *github.Response, err error) {
		combined, resp, err = h.client.Repositories.GetCombinedStatus(ctx, owner, repo, c.HeadSHA, nil)
		return resp, err
	}); err != nil {
		return "", err
	}

	seen, pending := 0, false
	for _, run := range runs.CheckRuns {
		seen++
		if run.GetStatus() != "completed" {
			pending = true
			continue
		}
		if failingConclusions[run.GetConclusion()] {
			return PipelineFailure, nil
		}
	}
	if combined.GetTotalCount() > 0 {
		seen++
		switch combined.GetState() {
		case "failure", "error":
			return PipelineFailure, nil
		case "pending":
			pending = true
		}
	}

	if pending || seen == 0 {
		return PipelinePending, nil
	}
	return PipelineSuccess, nil
}

// Merge merges the pull request, pinned to the head that passed.
func (h *GitHubCodeHost) Merge(ctx context.Context, c Change, method string) error {
	owner, repo, err := splitRepo(c.Repo)
	if err != nil {
		return err
	}
	var result *github.PullRequestMergeResult
	var resp *github.Response
	resp, err = retryGitHub(ctx, h.retry, h.logger, "merge pull request", func() (r *github.Response, err error) {
		result, r, err = h.client.PullRequests.Merge(ctx, owner, repo, c.ID, "", &github.PullRequestOptions{
			MergeMethod: method,
			SHA:         c.HeadSHA,
		})
		return r, err
	})
	if err != nil {
		switch statusCode(resp) {
		case http.StatusMethodNotAllowed, http.StatusConflict:
			return fmt.Errorf("%w: %v", ErrMergeRejected, err)
		}
		if ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("%w: merge #%d: %v", ErrCodeHostUnavailable, c.ID, err)
	}
	if !result.GetMerged() {
		return fmt.Errorf("%w: %s", ErrMergeRejected, result.GetMessage())
	}
	return nil
}

// Close comments with reason, closes the pull request and deletes its
// branch. The branch deletion is best effort.
func (h *GitHubCodeHost) Close(ctx context.Context, c Change, reason string) error {
	owner, repo, err := splitRepo(c.Repo)
	if err != nil {
		return err
	}

	if reason != "" {
		if err := h.do(ctx, "comment on pull request", func() (*github.Response, error) {
			_, resp, err := h.client.Issues.CreateComment(ctx, owner, repo, c.ID, &github.IssueComment{Body: github.String(reason)})
			return resp, err
		}); err != nil {
			h.logger.Warn("failed to comment on abandoned change", zap.Int("change_id", c.ID), zap.Error(err))
		}
	}

	if err := h.do(ctx, "close pull request", func() (*github.Response, error) {
		_, resp, err := h.client.PullRequests.Edit(ctx, owner, repo, c.ID, &github.PullRequest{State: github.String("closed")})
		return resp, err
	}); err != nil {
		return err
	}

	if c.Branch != "" {
		if _, err := h.client.Git.DeleteRef(ctx, owner, repo, "heads/"+c.Branch); err != nil {
			h.logger.Warn("failed to delete change branch", zap.String("branch", c.Branch), zap.Error(err))
		}
	}
	return nil
}

// Merged reports whether the pull request has been merged.
func (h *GitHubCodeHost) Merged(ctx context.Context, c Change) (bool, error) {
	owner, repo, err := splitRepo(c.Repo)
	if err != nil {
		return false, err
	}
	var merged bool
	err = h.do(ctx, "check merged", func() (resp *github.Response, err error) {
		merged, resp, err = h.client.PullRequests.IsMerged(ctx, owner, repo, c.ID)
		return resp, err
	})
	return merged, err
}

func splitRepo(full string) (owner, repo string, err error) {
	owner, repo, ok := strings.Cut(full, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", errors.New("repository must be owner/name, got " + full)
	}
	return owner, repo, nil
}
