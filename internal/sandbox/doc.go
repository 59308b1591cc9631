// Package sandbox runs candidate fixes in isolated, disposable environments.
//
// An Orchestrator admits at most MaxConcurrent jobs at a time, queueing the
// rest in arrival order, and at most one job per session. Each job gets a
// fresh environment from a Provisioner, runs the proposal's steps followed
// by its validations as a single fail-fast script, and is torn down exactly
// once no matter how the job ends. Logs returned to callers are size capped
// and scrubbed of anything that looks like a credential.
//
// DockerProvisioner is the production Provisioner: one container per job,
// no network, bounded memory, CPU and process count.
package sandbox
