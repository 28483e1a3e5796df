package circuitbreaker

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// HTTPWrapper guards one outbound HTTP dependency (LLM service, Qdrant,
// web search) with its own breaker.
type HTTPWrapper struct {
	client  *http.Client
	cb      *CircuitBreaker
	name    string
	service string
}

func NewHTTPWrapper(client *http.Client, name, service string, logger *zap.Logger) *HTTPWrapper {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	cb := NewCircuitBreaker(name, ConfigFor(KindHTTP), logger)
	GlobalMetricsCollector.RegisterCircuitBreaker(name, service, cb)
	return &HTTPWrapper{client: client, cb: cb, name: name, service: service}
}

func (hw *HTTPWrapper) Breaker() *CircuitBreaker { return hw.cb }

// Do sends req through the breaker. A 5xx response counts against the
// breaker but is handed back to the caller with a nil error so it can read
// the body; 4xx responses never trip it.
func (hw *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := hw.cb.Execute(req.Context(), func() error {
		var derr error
		if resp, derr = hw.client.Do(req); derr != nil {
			return derr
		}
		return serverFault(resp.StatusCode)
	})
	GlobalMetricsCollector.RecordRequest(hw.name, hw.service, hw.cb.State(), err == nil)

	if _, upstream := err.(upstreamStatus); upstream {
		return resp, nil
	}
	return resp, err
}

type upstreamStatus int

func (s upstreamStatus) Error() string { return "upstream status " + strconv.Itoa(int(s)) }

func serverFault(code int) error {
	if code >= http.StatusInternalServerError {
		return upstreamStatus(code)
	}
	return nil
}
