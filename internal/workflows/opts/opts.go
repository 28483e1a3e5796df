package opts

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// EmitActivityOptions are used for fire-and-forget progress events.
func EmitActivityOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	}
}

// WithEmitOptions applies EmitActivityOptions to a context.
func WithEmitOptions(ctx workflow.Context) workflow.Context {
	return workflow.WithActivityOptions(ctx, EmitActivityOptions())
}

// PlanningActivityOptions cover query planning and outline generation.
func PlanningActivityOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2.0,
			MaximumAttempts:        3,
			NonRetryableErrorTypes: []string{"PlanningFailure"},
		},
	}
}

// WithPlanningOptions applies PlanningActivityOptions to a context.
func WithPlanningOptions(ctx workflow.Context) workflow.Context {
	return workflow.WithActivityOptions(ctx, PlanningActivityOptions())
}

// ResearchActivityOptions cover one fused retrieval. Fusion bounds each
// backend itself, so the activity timeout only has to exceed that.
func ResearchActivityOptions(backendTimeout time.Duration) workflow.ActivityOptions {
	if backendTimeout <= 0 {
		backendTimeout = 20 * time.Second
	}
	return workflow.ActivityOptions{
		StartToCloseTimeout: 2*backendTimeout + 30*time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 2},
	}
}

// WritingActivityOptions cover chapter drafting and outline generation.
func WritingActivityOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    2 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumAttempts:    3,
		},
	}
}

// PersistActivityOptions cover best-effort persistence.
func PersistActivityOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 3},
	}
}
