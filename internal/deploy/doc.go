// Package deploy ships a sandbox-validated fix and checks that it worked.
//
// Coordinator.Deploy submits the fix as a change request on the code host,
// waits for the change's pipeline, and merges on success or closes the
// change on failure or timeout. Coordinator.Verify then waits out the
// observation window and asks the Monitor whether the problem metric stayed
// at or below the clearance threshold.
//
// GitHubCodeHost and PrometheusMonitor are the production collaborators.
package deploy
