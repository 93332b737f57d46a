package httpclient

import (
	"net/http"
)

// BearerTokenPolicy authenticates requests with a static bearer token
type BearerTokenPolicy struct {
	token string
}

// NewBearerTokenPolicy creates a policy sending token
func NewBearerTokenPolicy(token string) *BearerTokenPolicy {
	return &BearerTokenPolicy{token: token}
}

// Do implements Policy
func (p *BearerTokenPolicy) Do(req *http.Request, next Next) (*http.Response, error) {
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	return next(req)
}
