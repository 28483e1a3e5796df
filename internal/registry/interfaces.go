package registry

import (
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/workflow"
)

// Target is the registration surface shared by worker.Worker and the
// testsuite environments.
type Target interface {
	RegisterWorkflowWithOptions(w interface{}, options workflow.RegisterOptions)
	RegisterActivityWithOptions(a interface{}, options activity.RegisterOptions)
}

// WorkflowRegistrar registers workflows on a worker.
type WorkflowRegistrar interface {
	RegisterWorkflows(w Target) error
}

// ActivityRegistrar registers activities on a worker.
type ActivityRegistrar interface {
	RegisterActivities(w Target) error
}

// Registry combines both workflow and activity registration
type Registry interface {
	WorkflowRegistrar
	ActivityRegistrar
}
