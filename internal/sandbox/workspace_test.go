package sandbox

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.yaml"), []byte("pool: 10\n"), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("app.yaml")
	require.NoError(t, err)
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "ci", Email: "ci@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return dir
}

func TestGitCloner_Clone(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("local clones need the git binary")
	}
	src := initRepo(t)
	dst := filepath.Join(t.TempDir(), "ws")

	c := &GitCloner{}
	require.NoError(t, c.Clone(context.Background(), Repository{URL: src}, dst))

	data, err := os.ReadFile(filepath.Join(dst, "app.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "pool: 10\n", string(data))
	assert.NoDirExists(t, filepath.Join(dst, ".git"))
}

func TestGitCloner_CloneFailure(t *testing.T) {
	c := &GitCloner{Depth: 1}
	err := c.Clone(context.Background(), Repository{URL: filepath.Join(t.TempDir(), "missing")}, t.TempDir())
	assert.Error(t, err)
}
