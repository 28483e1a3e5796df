package interceptors

import (
	"net/http"

	"go.temporal.io/sdk/activity"
)

// WorkflowHTTPRoundTripper tags outgoing provider calls with the workflow
// execution that caused them, so LLM and search logs can be correlated.
type WorkflowHTTPRoundTripper struct {
	base http.RoundTripper
}

// NewWorkflowHTTPRoundTripper wraps base (http.DefaultTransport when nil).
func NewWorkflowHTTPRoundTripper(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &WorkflowHTTPRoundTripper{base: base}
}

// RoundTrip implements http.RoundTripper.
func (w *WorkflowHTTPRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if id, run, ok := workflowExecution(req); ok && req.Header.Get("X-Workflow-ID") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("X-Workflow-ID", id)
		req.Header.Set("X-Run-ID", run)
	}
	return w.base.RoundTrip(req)
}

// workflowExecution reads activity info from the request context. Outside an
// activity (tests, CLI) activity.GetInfo panics, which is treated as absent.
func workflowExecution(req *http.Request) (id, run string, ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	info := activity.GetInfo(req.Context())
	if info.WorkflowExecution.ID == "" {
		return "", "", false
	}
	return info.WorkflowExecution.ID, info.WorkflowExecution.RunID, true
}
