// Package httpclient is a policy-chained HTTP client. Each request passes
// through error mapping, retries, request ids, the user agent, auth and
// debug logging before it reaches the transport.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/julienstroheker/hexrelay/internal/logging"
)

// Client sends requests through a fixed policy chain
type Client struct {
	httpClient *http.Client
	policies   []Policy
}

// Options contains configuration options for the HTTP client
type Options struct {
	// Timeout bounds one attempt, not the whole retry sequence
	Timeout time.Duration

	MaxRetries int
	RetryDelay time.Duration

	// Token is sent as a bearer token when set
	Token     string
	UserAgent string

	// Logger enables request logging at debug level
	Logger *logging.Logger

	Transport          http.RoundTripper
	AdditionalPolicies []Policy
}

// DefaultOptions returns default options for the HTTP client
func DefaultOptions() *Options {
	return &Options{
		Timeout:    10 * time.Second,
		MaxRetries: 3,
		RetryDelay: 500 * time.Millisecond,
	}
}

// NewClient creates a new HTTP client with the given options
func NewClient(opts *Options) *Client {
	if opts == nil {
		opts = DefaultOptions()
	}

	httpClient := &http.Client{Timeout: opts.Timeout}
	if opts.Transport != nil {
		httpClient.Transport = opts.Transport
	}

	// Outermost first: errors see the final outcome, logging sees the
	// request exactly as it goes on the wire.
	policies := []Policy{NewErrorPolicy()}
	if opts.MaxRetries > 0 {
		policies = append(policies, NewRetryPolicy(&RetryOptions{
			MaxRetries: opts.MaxRetries,
			RetryDelay: opts.RetryDelay,
			Logger:     opts.Logger,
		}))
	}
	policies = append(policies,
		NewRequestIDPolicy(""),
		NewUserAgentPolicy(opts.UserAgent),
	)
	if opts.Token != "" {
		policies = append(policies, NewBearerTokenPolicy(opts.Token))
	}
	policies = append(policies, opts.AdditionalPolicies...)
	if opts.Logger != nil {
		policies = append(policies, NewLoggingPolicy(opts.Logger, &LoggingOptions{
			LogHeaders: true,
			LogBody:    true,
		}))
	}

	return &Client{
		httpClient: httpClient,
		policies:   policies,
	}
}

// Do executes an HTTP request through the policy chain
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	next := Next(c.httpClient.Do)
	for i := len(c.policies) - 1; i >= 0; i-- {
		policy, inner := c.policies[i], next
		next = func(r *http.Request) (*http.Response, error) {
			return policy.Do(r, inner)
		}
	}
	return next(req)
}

// Get is a convenience method for GET requests
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Put sends body as JSON
func (c *Client) Put(ctx context.Context, url string, body any) (*http.Response, error) {
	return c.sendJSON(ctx, http.MethodPut, url, body)
}

// Post sends body as JSON
func (c *Client) Post(ctx context.Context, url string, body any) (*http.Response, error) {
	return c.sendJSON(ctx, http.MethodPost, url, body)
}

// Delete is a convenience method for DELETE requests
func (c *Client) Delete(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

func (c *Client) sendJSON(ctx context.Context, method, url string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.Do(req)
}

// Drain discards and closes a response body so the connection is reused
func Drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
