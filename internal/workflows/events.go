package workflows

import (
	"go.temporal.io/sdk/workflow"

	"github.com/Kocoro-lab/longform/internal/activities"
	"github.com/Kocoro-lab/longform/internal/constants"
	"github.com/Kocoro-lab/longform/internal/workflows/opts"
)

// emitEvent starts EmitDocumentEvent without waiting for it. A lost event
// never affects the workflow.
func emitEvent(ctx workflow.Context, in activities.EmitDocumentEventInput) {
	if in.Timestamp.IsZero() {
		in.Timestamp = workflow.Now(ctx)
	}
	emitCtx := opts.WithEmitOptions(ctx)
	_ = workflow.ExecuteActivity(emitCtx, constants.EmitDocumentEventActivity, in)
}
