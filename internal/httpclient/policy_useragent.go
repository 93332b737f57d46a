package httpclient

import (
	"fmt"
	"net/http"
	"runtime"
)

// Version is reported in the default User-Agent
var Version = "dev"

func defaultUserAgent() string {
	return fmt.Sprintf("hexrelay/%s (Go/%s; %s/%s)", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// UserAgentPolicy sets the User-Agent header
type UserAgentPolicy struct {
	userAgent string
}

// NewUserAgentPolicy creates a policy; an empty userAgent uses the default
func NewUserAgentPolicy(userAgent string) *UserAgentPolicy {
	if userAgent == "" {
		userAgent = defaultUserAgent()
	}
	return &UserAgentPolicy{userAgent: userAgent}
}

// Do implements Policy
func (p *UserAgentPolicy) Do(req *http.Request, next Next) (*http.Response, error) {
	req.Header.Set("User-Agent", p.userAgent)
	return next(req)
}
