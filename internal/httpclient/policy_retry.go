package httpclient

import (
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/julienstroheker/hexrelay/internal/logging"
)

// maxRetryAfter caps a server supplied Retry-After delay
const maxRetryAfter = 30 * time.Second

// RetryPolicy retries transport errors and retryable status codes with
// exponential backoff, giving up when the request context ends
type RetryPolicy struct {
	maxRetries       int
	retryDelay       time.Duration
	retryStatusCodes []int
	logger           *logging.Logger
}

// RetryOptions contains configuration for RetryPolicy
type RetryOptions struct {
	// MaxRetries defaults to 3
	MaxRetries int

	// RetryDelay is the first backoff step, 1s by default
	RetryDelay time.Duration

	// RetryStatusCodes defaults to 429 and the 5xx gateway family
	RetryStatusCodes []int

	Logger *logging.Logger
}

// NewRetryPolicy creates a new RetryPolicy
func NewRetryPolicy(opts *RetryOptions) *RetryPolicy {
	if opts == nil {
		opts = &RetryOptions{}
	}

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	codes := opts.RetryStatusCodes
	if len(codes) == 0 {
		codes = []int{
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		}
	}

	return &RetryPolicy{
		maxRetries:       maxRetries,
		retryDelay:       retryDelay,
		retryStatusCodes: codes,
		logger:           opts.Logger,
	}
}

// Do implements Policy
func (p *RetryPolicy) Do(req *http.Request, next Next) (*http.Response, error) {
	var (
		resp *http.Response
		err  error
	)

	for attempt := 0; ; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, bodyErr
			}
			req.Body = body
		}

		resp, err = next(req)
		if err == nil && !p.shouldRetry(resp) {
			return resp, nil
		}
		if attempt == p.maxRetries {
			return resp, err
		}

		delay := p.retryDelay * time.Duration(1<<attempt)
		if resp != nil {
			if after, ok := retryAfter(resp); ok {
				delay = after
			}
			_ = resp.Body.Close()
		}

		p.logger.Debug("Retrying request",
			logging.Int("attempt", attempt+1),
			logging.Int("max_retries", p.maxRetries),
			logging.Duration("delay", delay),
			logging.String("url", req.URL.Redacted()))

		timer := time.NewTimer(delay)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}
	}
}

func (p *RetryPolicy) shouldRetry(resp *http.Response) bool {
	return resp == nil || slices.Contains(p.retryStatusCodes, resp.StatusCode)
}

// retryAfter parses a Retry-After header given in seconds
func retryAfter(resp *http.Response) (time.Duration, bool) {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0, false
	}
	return min(time.Duration(secs)*time.Second, maxRetryAfter), true
}
