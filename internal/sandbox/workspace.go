package sandbox

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/fyrsmithlabs/healingd/internal/config"
)

// Cloner fetches a repository into a host directory.
type Cloner interface {
	Clone(ctx context.Context, repo Repository, dir string) error
}

// GitCloner clones over HTTPS with go-git. The token authenticates the
// clone on the host and never reaches the sandbox.
type GitCloner struct {
	Token config.Secret
	// Depth limits history; zero clones everything.
	Depth int
}

// Clone performs a single-branch clone of repo into dir.
func (c *GitCloner) Clone(ctx context.Context, repo Repository, dir string) error {
	opts := &git.CloneOptions{
		URL:          repo.URL,
		Depth:        c.Depth,
		SingleBranch: true,
		Tags:         git.NoTags,
	}
	if repo.Ref != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(repo.Ref)
	}
	if c.Token.IsSet() {
		opts.Auth = &githttp.BasicAuth{Username: "x-access-token", Password: c.Token.Value()}
	}
	if _, err := git.PlainCloneContext(ctx, dir, false, opts); err != nil {
		return fmt.Errorf("clone %s: %w", repo.URL, err)
	}
	// The sandbox only needs the tree; credentials in the remote config
	// would be readable from inside it.
	if err := os.RemoveAll(dir + "/.git"); err != nil {
		return fmt.Errorf("strip git metadata: %w", err)
	}
	return nil
}

// GitHubRepository returns the HTTPS clone location for an owner/name origin.
func GitHubRepository(baseURL, origin, ref string) *Repository {
	if baseURL == "" {
		baseURL = "https://github.com"
	}
	return &Repository{
		URL: strings.TrimSuffix(baseURL, "/") + "/" + origin + ".git",
		Ref: ref,
	}
}
