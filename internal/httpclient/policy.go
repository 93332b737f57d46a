package httpclient

import (
	"net/http"
)

// Next sends a request through the rest of the chain
type Next func(*http.Request) (*http.Response, error)

// Policy is one link of the client's request pipeline
type Policy interface {
	Do(req *http.Request, next Next) (*http.Response, error)
}

// PolicyFunc adapts a function to Policy
type PolicyFunc func(req *http.Request, next Next) (*http.Response, error)

// Do implements Policy
func (f PolicyFunc) Do(req *http.Request, next Next) (*http.Response, error) {
	return f(req, next)
}
