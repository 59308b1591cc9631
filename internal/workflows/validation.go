package workflows

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Validation errors
var (
	// ErrInvalidInput indicates workflow input validation failed.
	ErrInvalidInput = errors.New("invalid workflow input")

	// ErrEmptyField indicates a required field is empty.
	ErrEmptyField = errors.New("required field is empty")

	// ErrInvalidGitHubIdentifier indicates an invalid GitHub owner/repo name.
	ErrInvalidGitHubIdentifier = errors.New("invalid GitHub identifier")

	// ErrPathTraversal indicates a path contains traversal attempts.
	ErrPathTraversal = errors.New("path traversal detected")
)

// Validation patterns
var (
	// gitHubIdentifierPattern matches valid GitHub owner names.
	// GitHub allows alphanumeric and hyphen. Max 39 chars for username, 100 for repo.
	gitHubIdentifierPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-]{0,38}$`)
	gitHubRepoPattern       = regexp.MustCompile(`^[a-zA-Z0-9_.-]{1,100}$`)
)

// validateRepository validates an owner/name repository reference.
func validateRepository(full string) error {
	if full == "" {
		return fmt.Errorf("%w: repository", ErrEmptyField)
	}
	owner, repo, ok := strings.Cut(full, "/")
	if !ok {
		return fmt.Errorf("%w: repository must be owner/name: %s", ErrInvalidGitHubIdentifier, full)
	}
	if !gitHubIdentifierPattern.MatchString(owner) {
		return fmt.Errorf("%w: owner must be valid GitHub username (alphanumeric, hyphen, 1-39 chars): %s", ErrInvalidGitHubIdentifier, owner)
	}
	if !gitHubRepoPattern.MatchString(repo) || repo == "." || repo == ".." {
		return fmt.Errorf("%w: repository name must be alphanumeric, dot, hyphen or underscore (1-100 chars): %s", ErrInvalidGitHubIdentifier, repo)
	}
	return nil
}

// validateFilePath validates a repository file path to prevent traversal attacks.
func validateFilePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: path is empty", ErrInvalidInput)
	}

	// Check for traversal sequences before any cleaning.
	if strings.Contains(path, "..") {
		return fmt.Errorf("%w: path contains '..' sequence: %s", ErrPathTraversal, path)
	}

	// Files are relative to the repository root.
	if strings.HasPrefix(path, "/") {
		return fmt.Errorf("%w: absolute paths not allowed: %s", ErrInvalidInput, path)
	}
	if strings.HasPrefix(path, "./") {
		return fmt.Errorf("%w: path should not start with './': %s", ErrInvalidInput, path)
	}

	return nil
}

// validateBranchName validates a git branch name.
// Git branch naming rules:
// - No path traversal (..)
// - No spaces
// - Cannot start/end with /
// - Cannot contain consecutive slashes
func validateBranchName(branch string) error {
	if branch == "" {
		return fmt.Errorf("%w: branch name is empty", ErrInvalidInput)
	}

	if strings.Contains(branch, "..") {
		return fmt.Errorf("%w: branch name contains '..' sequence: %s", ErrPathTraversal, branch)
	}

	if strings.Contains(branch, " ") {
		return fmt.Errorf("%w: branch name contains spaces: %s", ErrInvalidInput, branch)
	}

	if strings.HasPrefix(branch, "/") || strings.HasSuffix(branch, "/") {
		return fmt.Errorf("%w: branch name cannot start or end with '/': %s", ErrInvalidInput, branch)
	}

	if strings.Contains(branch, "//") {
		return fmt.Errorf("%w: branch name contains consecutive slashes: %s", ErrInvalidInput, branch)
	}

	forbidden := []string{"~", "^", ":", "?", "*", "[", "\\", "@{"}
	for _, seq := range forbidden {
		if strings.Contains(branch, seq) {
			return fmt.Errorf("%w: branch name contains forbidden sequence '%s': %s", ErrInvalidInput, seq, branch)
		}
	}

	return nil
}
