package deploy

import "context"

// ChangeRequest describes a change to submit.
type ChangeRequest struct {
	// Repo is owner/name.
	Repo   string
	Base   string
	Branch string
	Title  string
	Body   string
	// Files maps repository paths to their new content.
	Files map[string][]byte
}

// Change is a submitted change request.
type Change struct {
	Repo    string `json:"repo"`
	ID      int    `json:"id"`
	URL     string `json:"url"`
	Branch  string `json:"branch"`
	HeadSHA string `json:"head_sha"`
}

// CodeHost submits and manages change requests.
type CodeHost interface {
	CreateChange(ctx context.Context, req ChangeRequest) (Change, error)
	PipelineStatus(ctx context.Context, c Change) (PipelineStatus, error)
	Merge(ctx context.Context, c Change, method string) error
	// Close abandons the change, leaving reason as a comment.
	Close(ctx context.Context, c Change, reason string) error
	// Merged reports whether the change has been merged.
	Merged(ctx context.Context, c Change) (bool, error)
}
