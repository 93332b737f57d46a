// Package directory mirrors listen registry events to a remote directory
// service over HTTP.
package directory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/julienstroheker/hexrelay/internal/api"
	"github.com/julienstroheker/hexrelay/internal/httpclient"
	"github.com/julienstroheker/hexrelay/internal/logging"
	"github.com/julienstroheker/hexrelay/internal/metrics"
	"github.com/julienstroheker/hexrelay/internal/relay"
	"github.com/julienstroheker/hexrelay/internal/session"
)

// DefaultQueueSize bounds the number of updates waiting for the worker
const DefaultQueueSize = 64

const (
	opPublish   = "publish"
	opUnpublish = "unpublish"
)

// ErrNoBaseURL is returned by New when no directory URL is configured
var ErrNoBaseURL = errors.New("directory base URL is required")

// Options configures a Publisher
type Options struct {
	// BaseURL is the directory service root, e.g. http://localhost:8080
	BaseURL   string
	Client    *httpclient.Client
	QueueSize int
	Logger    *logging.Logger
	Metrics   *metrics.Metrics
}

type update struct {
	op       string
	identity relay.Identity
	body     api.ListenAddressRequest
}

// Publisher queues listen address changes and sends them from Run. The
// session calls it from the tick goroutine, so enqueueing never blocks.
type Publisher struct {
	base    string
	client  *httpclient.Client
	limit   int
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	queue []update
	seq   uint64
	wake  chan struct{}
}

// New creates a publisher for the directory at opts.BaseURL
func New(opts *Options) (*Publisher, error) {
	if opts == nil || opts.BaseURL == "" {
		return nil, ErrNoBaseURL
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid directory URL: %w", err)
	}

	client := opts.Client
	if client == nil {
		clientOpts := httpclient.DefaultOptions()
		clientOpts.Logger = opts.Logger
		client = httpclient.NewClient(clientOpts)
	}
	limit := opts.QueueSize
	if limit <= 0 {
		limit = DefaultQueueSize
	}

	return &Publisher{
		base:    strings.TrimRight(opts.BaseURL, "/"),
		client:  client,
		limit:   limit,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		wake:    make(chan struct{}, 1),
	}, nil
}

// PublishListeningAddress implements session.Publisher
func (p *Publisher) PublishListeningAddress(identity relay.Identity, addr relay.Address, developer []relay.Address) {
	body := api.ListenAddressRequest{
		Identity: identity.String(),
		Address:  addr.String(),
	}
	for _, d := range developer {
		body.DeveloperAddresses = append(body.DeveloperAddresses, d.String())
	}
	p.enqueue(update{op: opPublish, identity: identity, body: body})
}

// UnpublishListeningAddress implements session.Publisher
func (p *Publisher) UnpublishListeningAddress(identity relay.Identity, addr relay.Address) {
	p.enqueue(update{op: opUnpublish, identity: identity})
}

func (p *Publisher) enqueue(u update) {
	p.mu.Lock()
	p.seq++
	u.body.Sequence = p.seq

	if len(p.queue) >= p.limit {
		drop := 0
		for i, q := range p.queue {
			if q.identity == u.identity {
				drop = i
				break
			}
		}
		dropped := p.queue[drop]
		p.queue = append(p.queue[:drop], p.queue[drop+1:]...)
		p.logger.Warn("Directory queue full, dropping update",
			logging.Stringer(logging.KeyIdentity, dropped.identity),
			logging.String("op", dropped.op))
	}
	p.queue = append(p.queue, u)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued updates
func (p *Publisher) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Run sends queued updates until ctx is done. Failed updates are logged
// and counted, not retried beyond the client's retry policy.
func (p *Publisher) Run(ctx context.Context) {
	for {
		for {
			u, ok := p.next()
			if !ok {
				break
			}
			p.send(ctx, u)
			if ctx.Err() != nil {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		}
	}
}

// Flush sends every queued update once, used on shutdown
func (p *Publisher) Flush(ctx context.Context) {
	for ctx.Err() == nil {
		u, ok := p.next()
		if !ok {
			return
		}
		p.send(ctx, u)
	}
}

func (p *Publisher) next() (update, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return update{}, false
	}
	u := p.queue[0]
	p.queue[0] = update{}
	p.queue = p.queue[1:]
	return u, true
}

func (p *Publisher) send(ctx context.Context, u update) {
	target := p.base + "/api/listeners/" + url.PathEscape(u.identity.Key())

	var (
		resp *http.Response
		err  error
	)
	switch u.op {
	case opPublish:
		resp, err = p.client.Put(ctx, target, u.body)
	case opUnpublish:
		resp, err = p.client.Delete(ctx, target)
		var status *httpclient.StatusError
		if errors.As(err, &status) && status.StatusCode == http.StatusNotFound {
			err = nil
		}
	}
	httpclient.Drain(resp)

	p.metrics.RecordDirectoryUpdate(u.op, err)
	if err != nil {
		p.logger.Warn("Directory update failed",
			logging.String("op", u.op),
			logging.Stringer(logging.KeyIdentity, u.identity),
			logging.Error(err))
		return
	}
	p.logger.Debug("Directory updated",
		logging.String("op", u.op),
		logging.Stringer(logging.KeyIdentity, u.identity),
		logging.Uint64("sequence", u.body.Sequence))
}

var _ session.Publisher = (*Publisher)(nil)
