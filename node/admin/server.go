// Package admin serves the node's health, metrics and listener endpoints.
package admin

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/julienstroheker/hexrelay/internal/logging"
	"github.com/julienstroheker/hexrelay/internal/metrics"
)

// Server represents the admin HTTP server
type Server struct {
	server *http.Server
	port   int
}

// Options configures the admin server
type Options struct {
	Port int
	// Gatherer defaults to prometheus.DefaultGatherer
	Gatherer  prometheus.Gatherer
	Status    StatusFunc
	Listeners ListenersFunc
	Logger    *logging.Logger
	Metrics   *metrics.Metrics
}

// NewServer creates an admin server; it does not start listening
func NewServer(opts *Options) *Server {
	if opts == nil {
		opts = &Options{}
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	logger := opts.Logger.With(logging.String(logging.KeyComponent, "admin"))

	mux := http.NewServeMux()
	route := func(path string, h http.Handler) {
		h = Metrics(opts.Metrics, path)(h)
		h = Logger(logger)(h)
		h = RequestID(h)
		mux.Handle(path, h)
	}
	route("/healthz", HealthHandler(opts.Status))
	route("/listeners", ListenersHandler(opts.Listeners))
	route("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return &Server{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", opts.Port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		port: opts.Port,
	}
}

// Handler returns the routed handler, used by tests
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Serve accepts connections on l
func (s *Server) Serve(l net.Listener) error {
	return s.server.Serve(l)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Close immediately closes the server
func (s *Server) Close() error {
	return s.server.Close()
}

// Port returns the port the server is configured to listen on
func (s *Server) Port() int {
	return s.port
}
