package deploy

import (
	"errors"
	"time"
)

var (
	// ErrPreconditionFailed is returned when Deploy is asked to ship a fix
	// that did not pass the sandbox.
	ErrPreconditionFailed = errors.New("deploy precondition failed: sandbox did not pass")

	// ErrPipelineFailed means the change's pipeline reported failure. The
	// change has been closed unmerged.
	ErrPipelineFailed = errors.New("change pipeline failed")

	// ErrPipelineTimeout means the pipeline did not finish in time. The
	// change has been closed unmerged.
	ErrPipelineTimeout = errors.New("change pipeline timed out")

	// ErrMergeRejected means the pipeline passed but the code host refused
	// the merge, e.g. on a conflict. The change has been closed.
	ErrMergeRejected = errors.New("change merge rejected")

	// ErrCodeHostUnavailable wraps code host failures that say nothing
	// about the fix.
	ErrCodeHostUnavailable = errors.New("code host unavailable")

	// ErrMonitorUnavailable wraps monitor query failures.
	ErrMonitorUnavailable = errors.New("monitor unavailable")
)

// PipelineStatus is the state of a change's pipeline.
type PipelineStatus string

const (
	PipelinePending PipelineStatus = "pending"
	PipelineSuccess PipelineStatus = "success"
	PipelineFailure PipelineStatus = "failure"
	PipelineTimeout PipelineStatus = "timeout"
)

// MergeStatus is the state of a change request.
type MergeStatus string

const (
	NotMerged MergeStatus = "not_merged"
	Merged    MergeStatus = "merged"
	Closed    MergeStatus = "closed"
)

// VerificationStatus is the outcome of post-deploy verification.
type VerificationStatus string

const (
	VerificationPending    VerificationStatus = "pending"
	VerificationCleared    VerificationStatus = "cleared"
	VerificationNotCleared VerificationStatus = "not_cleared"
	VerificationSkipped    VerificationStatus = "skipped"
)

// Record tracks one deployment from submission through verification.
type Record struct {
	Repo               string             `json:"repo"`
	ChangeID           int                `json:"change_id"`
	ChangeURL          string             `json:"change_url"`
	Branch             string             `json:"branch"`
	HeadSHA            string             `json:"head_sha,omitempty"`
	PipelineStatus     PipelineStatus     `json:"pipeline_status"`
	MergeStatus        MergeStatus        `json:"merge_status"`
	VerificationStatus VerificationStatus `json:"verification_status"`
	Query              string             `json:"query,omitempty"`
	Threshold          float64            `json:"threshold"`
	ObservedValues     []float64          `json:"observed_values,omitempty"`
	SubmittedAt        time.Time          `json:"submitted_at"`
	MergedAt           time.Time          `json:"merged_at,omitzero"`
	VerifiedAt         time.Time          `json:"verified_at,omitzero"`
}

// Change returns the code host handle for the record's change.
func (r Record) Change() Change {
	return Change{Repo: r.Repo, ID: r.ChangeID, URL: r.ChangeURL, Branch: r.Branch, HeadSHA: r.HeadSHA}
}

// Summary is a one-line description for attempt history.
func (r Record) Summary() string {
	s := string(r.PipelineStatus) + "/" + string(r.MergeStatus)
	if r.VerificationStatus != "" && r.VerificationStatus != VerificationPending {
		s += "/" + string(r.VerificationStatus)
	}
	if r.ChangeURL != "" {
		s += " " + r.ChangeURL
	}
	return s
}
