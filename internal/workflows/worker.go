package workflows

import (
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

// NewWorker returns a worker on taskQueue with the deployment workflows and
// acts registered. The caller starts and stops it.
func NewWorker(c client.Client, taskQueue string, acts *Activities) worker.Worker {
	w := worker.New(c, taskQueue, worker.Options{})
	w.RegisterWorkflow(DeploymentWorkflow)
	w.RegisterWorkflow(VerificationWorkflow)
	w.RegisterActivity(acts)
	return w
}
