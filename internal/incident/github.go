package incident

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/go-github/v57/github"
)

var validNameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// failingConclusions are check and workflow conclusions worth healing.
var failingConclusions = map[string]bool{
	"failure":         true,
	"timed_out":       true,
	"startup_failure": true,
}

// Categories produced for GitHub signals.
const (
	CategoryCIFailure         = "ci_failure"
	CategoryCheckFailure      = "check_failure"
	CategoryDeploymentFailure = "deployment_failure"
)

func normalizeGitHub(sig Signal) (NormalizedEvent, error) {
	if sig.EventType == "" {
		return NormalizedEvent{}, malformed("missing github event type")
	}
	if github.EventForType(sig.EventType) == nil {
		return NormalizedEvent{}, fmt.Errorf("%w: github event %q", ErrNotActionable, sig.EventType)
	}

	event, err := github.ParseWebHook(sig.EventType, sig.Body)
	if err != nil {
		return NormalizedEvent{}, malformed("parsing github %s payload: %v", sig.EventType, err)
	}

	switch e := event.(type) {
	case *github.WorkflowRunEvent:
		return fromWorkflowRun(e)
	case *github.CheckRunEvent:
		return fromCheckRun(e)
	case *github.CheckSuiteEvent:
		return fromCheckSuite(e)
	case *github.DeploymentStatusEvent:
		return fromDeploymentStatus(e)
	default:
		return NormalizedEvent{}, fmt.Errorf("%w: github event %q", ErrNotActionable, sig.EventType)
	}
}

func repoName(repo *github.Repository) (string, error) {
	if repo == nil {
		return "", malformed("missing repository")
	}
	owner := repo.GetOwner().GetLogin()
	name := repo.GetName()
	if owner == "" || name == "" {
		return "", malformed("missing repository owner or name")
	}
	if !validNameRegex.MatchString(owner) || !validNameRegex.MatchString(name) {
		return "", malformed("invalid repository name %q", owner+"/"+name)
	}
	return owner + "/" + name, nil
}

func fromWorkflowRun(e *github.WorkflowRunEvent) (NormalizedEvent, error) {
	run := e.GetWorkflowRun()
	if run == nil {
		return NormalizedEvent{}, malformed("missing workflow_run")
	}
	if e.GetAction() != "completed" || !failingConclusions[run.GetConclusion()] {
		return NormalizedEvent{}, fmt.Errorf("%w: workflow run %s/%s", ErrNotActionable, run.GetStatus(), run.GetConclusion())
	}
	origin, err := repoName(e.GetRepo())
	if err != nil {
		return NormalizedEvent{}, err
	}
	name := run.GetName()
	if name == "" {
		name = e.GetWorkflow().GetName()
	}
	if name == "" {
		return NormalizedEvent{}, malformed("missing workflow name")
	}

	return NormalizedEvent{
		Origin:      origin,
		Subject:     name,
		Category:    CategoryCIFailure,
		Severity:    SeverityHigh,
		Description: fmt.Sprintf("Workflow %s concluded %s on branch %s", name, run.GetConclusion(), run.GetHeadBranch()),
		URL:         run.GetHTMLURL(),
		Context: map[string]any{
			"run_id":      run.GetID(),
			"run_attempt": run.GetRunAttempt(),
			"head_sha":    run.GetHeadSHA(),
			"branch":      run.GetHeadBranch(),
			"event":       run.GetEvent(),
			"conclusion":  run.GetConclusion(),
		},
		OccurredAt: run.GetUpdatedAt().Time,
	}, nil
}

func fromCheckRun(e *github.CheckRunEvent) (NormalizedEvent, error) {
	cr := e.GetCheckRun()
	if cr == nil {
		return NormalizedEvent{}, malformed("missing check_run")
	}
	if e.GetAction() != "completed" || !failingConclusions[cr.GetConclusion()] {
		return NormalizedEvent{}, fmt.Errorf("%w: check run %s/%s", ErrNotActionable, cr.GetStatus(), cr.GetConclusion())
	}
	origin, err := repoName(e.GetRepo())
	if err != nil {
		return NormalizedEvent{}, err
	}
	if cr.GetName() == "" {
		return NormalizedEvent{}, malformed("missing check run name")
	}

	desc := fmt.Sprintf("Check %s concluded %s", cr.GetName(), cr.GetConclusion())
	if title := cr.GetOutput().GetTitle(); title != "" {
		desc += ": " + title
	}

	return NormalizedEvent{
		Origin:      origin,
		Subject:     cr.GetName(),
		Category:    CategoryCheckFailure,
		Severity:    SeverityHigh,
		Description: desc,
		URL:         cr.GetHTMLURL(),
		Context: map[string]any{
			"check_run_id": cr.GetID(),
			"head_sha":     cr.GetHeadSHA(),
			"app":          cr.GetApp().GetSlug(),
			"summary":      cr.GetOutput().GetSummary(),
			"conclusion":   cr.GetConclusion(),
		},
		OccurredAt: cr.GetCompletedAt().Time,
	}, nil
}

func fromCheckSuite(e *github.CheckSuiteEvent) (NormalizedEvent, error) {
	cs := e.GetCheckSuite()
	if cs == nil {
		return NormalizedEvent{}, malformed("missing check_suite")
	}
	if e.GetAction() != "completed" || !failingConclusions[cs.GetConclusion()] {
		return NormalizedEvent{}, fmt.Errorf("%w: check suite %s/%s", ErrNotActionable, cs.GetStatus(), cs.GetConclusion())
	}
	origin, err := repoName(e.GetRepo())
	if err != nil {
		return NormalizedEvent{}, err
	}
	subject := cs.GetApp().GetName()
	if subject == "" {
		subject = "check_suite"
	}

	return NormalizedEvent{
		Origin:      origin,
		Subject:     subject,
		Category:    CategoryCheckFailure,
		Severity:    SeverityHigh,
		Description: fmt.Sprintf("Check suite from %s concluded %s on branch %s", subject, cs.GetConclusion(), cs.GetHeadBranch()),
		Context: map[string]any{
			"check_suite_id": cs.GetID(),
			"head_sha":       cs.GetHeadSHA(),
			"branch":         cs.GetHeadBranch(),
			"conclusion":     cs.GetConclusion(),
		},
		OccurredAt: cs.GetUpdatedAt().Time,
	}, nil
}

func fromDeploymentStatus(e *github.DeploymentStatusEvent) (NormalizedEvent, error) {
	st := e.GetDeploymentStatus()
	if st == nil {
		return NormalizedEvent{}, malformed("missing deployment_status")
	}
	state := strings.ToLower(st.GetState())
	if state != "failure" && state != "error" {
		return NormalizedEvent{}, fmt.Errorf("%w: deployment %s", ErrNotActionable, state)
	}
	origin, err := repoName(e.GetRepo())
	if err != nil {
		return NormalizedEvent{}, err
	}
	env := e.GetDeployment().GetEnvironment()
	if env == "" {
		env = st.GetEnvironment()
	}
	if env == "" {
		return NormalizedEvent{}, malformed("missing deployment environment")
	}

	desc := fmt.Sprintf("Deployment to %s reported %s", env, state)
	if d := st.GetDescription(); d != "" {
		desc += ": " + d
	}

	return NormalizedEvent{
		Origin:      origin,
		Subject:     env,
		Category:    CategoryDeploymentFailure,
		Severity:    SeverityCritical,
		Description: desc,
		URL:         st.GetTargetURL(),
		Context: map[string]any{
			"deployment_id": e.GetDeployment().GetID(),
			"ref":           e.GetDeployment().GetRef(),
			"sha":           e.GetDeployment().GetSHA(),
			"state":         state,
		},
		OccurredAt: st.GetUpdatedAt().Time,
	}, nil
}
