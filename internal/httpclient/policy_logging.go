package httpclient

import (
	"bytes"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/julienstroheker/hexrelay/internal/logging"
)

// defaultRedactedHeaders are never logged in clear
var defaultRedactedHeaders = []string{"Authorization", "ServiceBusAuthorization"}

// LoggingPolicy logs requests and responses at debug level
type LoggingPolicy struct {
	logger     *logging.Logger
	logHeaders bool
	logBody    bool
	redacted   []string
}

// LoggingOptions contains configuration for LoggingPolicy
type LoggingOptions struct {
	LogHeaders bool
	LogBody    bool
	// RedactHeaders are added to Authorization and ServiceBusAuthorization
	RedactHeaders []string
}

// NewLoggingPolicy creates a new LoggingPolicy
func NewLoggingPolicy(logger *logging.Logger, opts *LoggingOptions) *LoggingPolicy {
	if opts == nil {
		opts = &LoggingOptions{}
	}
	return &LoggingPolicy{
		logger:     logger,
		logHeaders: opts.LogHeaders,
		logBody:    opts.LogBody,
		redacted:   append(append([]string(nil), defaultRedactedHeaders...), opts.RedactHeaders...),
	}
}

// Do implements Policy
func (p *LoggingPolicy) Do(req *http.Request, next Next) (*http.Response, error) {
	fields := []logging.Field{
		logging.String("method", req.Method),
		logging.String("url", req.URL.Redacted()),
	}
	if p.logHeaders {
		fields = append(fields, logging.String("request_headers", p.headers(req.Header)))
	}
	if p.logBody && req.Body != nil && req.Body != http.NoBody {
		body, err := io.ReadAll(req.Body)
		if err == nil {
			req.Body = io.NopCloser(bytes.NewReader(body))
			fields = append(fields, logging.String("request_body", string(body)))
		}
	}
	p.logger.Debug("HTTP request", fields...)

	start := time.Now()
	resp, err := next(req)
	elapsed := time.Since(start)
	if err != nil {
		p.logger.Debug("HTTP request failed",
			logging.String("method", req.Method),
			logging.String("url", req.URL.Redacted()),
			logging.Duration("duration", elapsed),
			logging.Error(err))
		return resp, err
	}

	fields = []logging.Field{
		logging.String("method", req.Method),
		logging.String("url", req.URL.Redacted()),
		logging.Int("status", resp.StatusCode),
		logging.Duration("duration", elapsed),
	}
	if p.logHeaders {
		fields = append(fields, logging.String("response_headers", p.headers(resp.Header)))
	}
	if p.logBody && resp.Body != nil {
		body, readErr := io.ReadAll(resp.Body)
		if readErr == nil {
			resp.Body = io.NopCloser(bytes.NewReader(body))
			fields = append(fields, logging.String("response_body", string(body)))
		}
	}
	p.logger.Debug("HTTP response", fields...)
	return resp, nil
}

// headers renders h sorted by name with redacted values hidden
func (p *LoggingPolicy) headers(h http.Header) string {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		value := strings.Join(h[name], ", ")
		for _, r := range p.redacted {
			if strings.EqualFold(name, r) {
				value = "[REDACTED]"
				break
			}
		}
		parts = append(parts, name+": "+value)
	}
	return strings.Join(parts, "; ")
}
