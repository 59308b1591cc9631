package sandbox

import (
	"context"
	"io"
)

// EnvSpec describes an environment to provision.
type EnvSpec struct {
	Name   string
	Image  string
	Script string
	Limits Limits
	// WorkspaceDir is a host directory mounted read-write at /workspace.
	WorkspaceDir string
	Labels       map[string]string
}

// Exit describes how a script ended.
type Exit struct {
	Code      int
	OOMKilled bool
	// PeakMemoryBytes is the highest usage observed, 0 when unknown.
	PeakMemoryBytes int64
}

// Environment is one provisioned sandbox.
type Environment interface {
	// Run executes the script, writing combined output to logs, and blocks
	// until it exits or ctx is done. Run is called at most once.
	Run(ctx context.Context, logs io.Writer) (Exit, error)
	// Teardown releases every resource held by the environment.
	Teardown(ctx context.Context) error
}

// Provisioner creates environments.
type Provisioner interface {
	Provision(ctx context.Context, spec EnvSpec) (Environment, error)
}
