package directory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/julienstroheker/hexrelay/internal/api"
	"github.com/julienstroheker/hexrelay/internal/httpclient"
	"github.com/julienstroheker/hexrelay/internal/metrics"
	"github.com/julienstroheker/hexrelay/internal/relay"
)

type request struct {
	method string
	path   string
	body   api.ListenAddressRequest
}

type directoryServer struct {
	mu       sync.Mutex
	requests []request
	status   int
}

func (d *directoryServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req := request{method: r.Method, path: r.URL.EscapedPath()}
	if r.Method == http.MethodPut {
		_ = json.NewDecoder(r.Body).Decode(&req.body)
	}
	d.mu.Lock()
	d.requests = append(d.requests, req)
	status := d.status
	d.mu.Unlock()

	if status == 0 {
		status = http.StatusNoContent
	}
	w.WriteHeader(status)
}

func (d *directoryServer) recorded() []request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]request(nil), d.requests...)
}

func newPublisher(t *testing.T, url string, m *metrics.Metrics, queue int) *Publisher {
	t.Helper()
	client := httpclient.NewClient(&httpclient.Options{Timeout: time.Second})
	p, err := New(&Options{BaseURL: url + "/", Client: client, QueueSize: queue, Metrics: m})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func TestNew_RequiresBaseURL(t *testing.T) {
	if _, err := New(&Options{}); err != ErrNoBaseURL {
		t.Errorf("Expected ErrNoBaseURL, got: %v", err)
	}
	if _, err := New(nil); err != ErrNoBaseURL {
		t.Errorf("Expected ErrNoBaseURL for nil options, got: %v", err)
	}
}

func TestPublisher_PublishAndUnpublish(t *testing.T) {
	srv := &directoryServer{}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)
	p := newPublisher(t, ts.URL, m, 0)

	addr := relay.RelayAddress("alice", "game", 0)
	dev := relay.IPAddress(netip.MustParseAddrPort("192.168.1.10:7777"))
	p.PublishListeningAddress("alice", addr, []relay.Address{dev})
	p.UnpublishListeningAddress("alice", addr)

	if got := p.Pending(); got != 2 {
		t.Fatalf("Expected 2 pending updates, got: %d", got)
	}
	p.Flush(context.Background())

	got := srv.recorded()
	if len(got) != 2 {
		t.Fatalf("Expected 2 requests, got: %d", len(got))
	}

	put := got[0]
	if put.method != http.MethodPut || put.path != "/api/listeners/alice" {
		t.Errorf("Unexpected first request: %s %s", put.method, put.path)
	}
	if put.body.Address != addr.String() || put.body.Identity != "alice" || put.body.Sequence != 1 {
		t.Errorf("Unexpected publish body: %+v", put.body)
	}
	if len(put.body.DeveloperAddresses) != 1 || put.body.DeveloperAddresses[0] != "192.168.1.10:7777" {
		t.Errorf("Unexpected developer addresses: %v", put.body.DeveloperAddresses)
	}

	if got[1].method != http.MethodDelete || got[1].path != "/api/listeners/alice" {
		t.Errorf("Unexpected second request: %s %s", got[1].method, got[1].path)
	}

	if v := testutil.ToFloat64(m.DirectoryUpdates.WithLabelValues("publish", "ok")); v != 1 {
		t.Errorf("Expected 1 successful publish, got: %v", v)
	}
	if v := testutil.ToFloat64(m.DirectoryUpdates.WithLabelValues("unpublish", "ok")); v != 1 {
		t.Errorf("Expected 1 successful unpublish, got: %v", v)
	}
}

func TestPublisher_DefaultClientRetries(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	p, err := New(&Options{BaseURL: ts.URL, Metrics: m})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	p.PublishListeningAddress("alice", relay.RelayAddress("alice", "game", 0), nil)
	p.Flush(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Errorf("Expected the publish to be retried once, got %d calls", calls)
	}
	if v := testutil.ToFloat64(m.DirectoryUpdates.WithLabelValues("publish", "ok")); v != 1 {
		t.Errorf("Expected 1 successful publish, got: %v", v)
	}
}

func TestPublisher_DedicatedServerPath(t *testing.T) {
	srv := &directoryServer{}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	p := newPublisher(t, ts.URL, nil, 0)
	p.PublishListeningAddress(relay.DedicatedServer, relay.RelayAddress(relay.DedicatedServer, "game", 0), nil)
	p.Flush(context.Background())

	got := srv.recorded()
	if len(got) != 1 || got[0].path != "/api/listeners/dedicated-server" {
		t.Fatalf("Expected one PUT to the dedicated-server key, got: %+v", got)
	}
}

func TestPublisher_QueueOverflowDropsOldestForIdentity(t *testing.T) {
	srv := &directoryServer{}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	p := newPublisher(t, ts.URL, nil, 3)
	p.PublishListeningAddress("alice", relay.RelayAddress("alice", "game", 0), nil)
	p.PublishListeningAddress("bob", relay.RelayAddress("bob", "game", 0), nil)
	p.PublishListeningAddress("alice", relay.RelayAddress("alice", "game", 1), nil)
	p.PublishListeningAddress("alice", relay.RelayAddress("alice", "game", 2), nil)

	if got := p.Pending(); got != 3 {
		t.Fatalf("Expected queue bounded at 3, got: %d", got)
	}
	p.Flush(context.Background())

	got := srv.recorded()
	if len(got) != 3 {
		t.Fatalf("Expected 3 requests, got: %d", len(got))
	}
	want := []uint64{2, 3, 4}
	for i, r := range got {
		if r.body.Sequence != want[i] {
			t.Errorf("Request %d: expected sequence %d, got: %d", i, want[i], r.body.Sequence)
		}
	}
	if got[0].body.Identity != "bob" {
		t.Errorf("Expected bob's update to survive, got: %+v", got[0].body)
	}
}

func TestPublisher_FailuresAreCounted(t *testing.T) {
	tests := []struct {
		name   string
		status int
		op     func(p *Publisher)
		label  string
		result string
	}{
		{
			name:   "publish rejected",
			status: http.StatusBadRequest,
			op: func(p *Publisher) {
				p.PublishListeningAddress("alice", relay.RelayAddress("alice", "game", 0), nil)
			},
			label:  "publish",
			result: "error",
		},
		{
			name:   "unpublish of unknown identity",
			status: http.StatusNotFound,
			op: func(p *Publisher) {
				p.UnpublishListeningAddress("alice", relay.RelayAddress("alice", "game", 0))
			},
			label:  "unpublish",
			result: "ok",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(&directoryServer{status: tt.status})
			defer ts.Close()

			m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
			p := newPublisher(t, ts.URL, m, 0)
			tt.op(p)
			p.Flush(context.Background())

			if v := testutil.ToFloat64(m.DirectoryUpdates.WithLabelValues(tt.label, tt.result)); v != 1 {
				t.Errorf("Expected %s/%s = 1, got: %v", tt.label, tt.result, v)
			}
		})
	}
}

func TestPublisher_Run(t *testing.T) {
	srv := &directoryServer{}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	p := newPublisher(t, ts.URL, nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	p.PublishListeningAddress("alice", relay.RelayAddress("alice", "game", 0), nil)

	deadline := time.Now().Add(2 * time.Second)
	for len(srv.recorded()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if len(srv.recorded()) != 1 {
		t.Fatalf("Expected the worker to send the update")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
