package httpclient

import (
	"net/http"

	"github.com/google/uuid"
)

// RequestIDHeader carries the per-request id
const RequestIDHeader = "X-Hexrelay-Request-Id"

// RequestIDPolicy stamps each request with a fresh UUID. Retries reuse
// the id of the first attempt.
type RequestIDPolicy struct {
	header string
}

// NewRequestIDPolicy creates a policy for header, RequestIDHeader if empty
func NewRequestIDPolicy(header string) *RequestIDPolicy {
	if header == "" {
		header = RequestIDHeader
	}
	return &RequestIDPolicy{header: header}
}

// Do implements Policy
func (p *RequestIDPolicy) Do(req *http.Request, next Next) (*http.Response, error) {
	if req.Header.Get(p.header) == "" {
		req.Header.Set(p.header, uuid.NewString())
	}
	return next(req)
}
