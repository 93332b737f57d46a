// Package node wires one hexrelay process: the session, the connection
// multiplexer, the message hub, the directory publisher and the admin
// server, all driven by a single tick loop.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/julienstroheker/hexrelay/internal/api"
	"github.com/julienstroheker/hexrelay/internal/config"
	"github.com/julienstroheker/hexrelay/internal/directory"
	"github.com/julienstroheker/hexrelay/internal/httpclient"
	"github.com/julienstroheker/hexrelay/internal/ipnet"
	"github.com/julienstroheker/hexrelay/internal/logging"
	"github.com/julienstroheker/hexrelay/internal/metrics"
	"github.com/julienstroheker/hexrelay/internal/msghub"
	"github.com/julienstroheker/hexrelay/internal/mux"
	"github.com/julienstroheker/hexrelay/internal/peerconn"
	"github.com/julienstroheker/hexrelay/internal/relay"
	"github.com/julienstroheker/hexrelay/internal/session"
	"github.com/julienstroheker/hexrelay/node/admin"
)

const shutdownTimeout = 5 * time.Second

// ErrNotConnected is returned by SendToServer before the server connection opens
var ErrNotConnected = errors.New("not connected to a server")

// Options contains configuration for a Node
type Options struct {
	// Config defaults to config.Default()
	Config *config.Config

	// Transport overrides the one built from Config.Mode. A supplied
	// transport is not closed by the node.
	Transport relay.Transport
	// IP defaults to a UDP driver
	IP ipnet.Driver

	// Handler receives game packets; Notify decides on inbound connections.
	// Both run on the tick goroutine.
	Handler   peerconn.PacketHandler
	Notify    mux.Notify
	OnMessage msghub.MessageFunc

	// StrictChecks reports duplicate peers on accept at error level
	StrictChecks bool

	Clock    clock.Clock
	Logger   *logging.Logger
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
}

// Node owns every component of one process. Apart from Status and
// Listeners, its methods must be called from the goroutine that ticks it:
// the caller of Run, or the caller of Tick when ticking by hand.
type Node struct {
	cfg     *config.Config
	clock   clock.Clock
	logger  *logging.Logger
	metrics *metrics.Metrics

	transport     relay.Transport
	ownsTransport bool

	session   *session.Local
	directory *directory.Publisher
	driver    *mux.Driver
	hub       *msghub.Hub
	admin     *admin.Server

	handler   peerconn.PacketHandler
	notify    mux.Notify
	onMessage msghub.MessageFunc

	status   atomic.Pointer[api.HealthResponse]
	lastTick time.Time
	closed   bool
}

// New builds a node from opts; nothing is bound until Host or Join
func New(opts *Options) (*Node, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	cfg := o.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}

	n := &Node{
		cfg:       cfg,
		clock:     o.Clock,
		logger:    o.Logger,
		metrics:   o.Metrics,
		handler:   o.Handler,
		notify:    o.Notify,
		onMessage: o.OnMessage,
	}

	n.transport = o.Transport
	if n.transport == nil {
		t, err := NewTransport(cfg, o.Logger)
		if err != nil {
			return nil, err
		}
		n.transport = t
		n.ownsTransport = true
	}

	var publisher session.Publisher
	if cfg.DirectoryURL != "" {
		dir, err := directory.New(&directory.Options{
			BaseURL: cfg.DirectoryURL,
			Client:  directoryClient(cfg, o.Logger),
			Logger:  o.Logger.With(logging.String(logging.KeyComponent, "directory")),
			Metrics: o.Metrics,
		})
		if err != nil {
			return nil, n.abort(err)
		}
		n.directory = dir
		publisher = dir
	}

	n.session = session.New(&session.Options{
		Publisher:       publisher,
		DedicatedServer: cfg.DedicatedServer,
		Logger:          o.Logger,
	})

	ip := o.IP
	if ip == nil {
		ip = ipnet.NewUDPDriver(o.Logger)
	}
	n.driver = mux.New(&mux.Options{
		Transport:    n.transport,
		IP:           ip,
		Session:      n.session,
		Notify:       n,
		Handler:      n,
		ListenMode:   cfg.ListenMode,
		RelayDomain:  cfg.RelayDomain,
		SocketName:   cfg.SocketName,
		DefaultPort:  cfg.Port,
		StrictChecks: o.StrictChecks,
		NetTrace:     cfg.NetTrace,
		Logger:       o.Logger,
		Metrics:      o.Metrics,
	})

	hub, err := msghub.New(&msghub.Options{
		Transport:   n.transport,
		Users:       n.session,
		SocketName:  cfg.MessageSocketName,
		Channel:     cfg.MessageChannel,
		IdleTimeout: cfg.MessageIdleTimeout,
		Clock:       o.Clock,
		OnMessage:   n.handleMessage,
		Logger:      o.Logger,
		Metrics:     o.Metrics,
	})
	if err != nil {
		return nil, n.abort(err)
	}
	n.hub = hub
	n.session.AddLoginObserver(hub)

	if cfg.AdminPort > 0 {
		n.admin = admin.NewServer(&admin.Options{
			Port:      cfg.AdminPort,
			Gatherer:  o.Gatherer,
			Status:    n.Status,
			Listeners: n.Listeners,
			Logger:    o.Logger,
			Metrics:   o.Metrics,
		})
	}

	n.lastTick = n.clock.Now()
	n.refreshStatus()
	return n, nil
}

func (n *Node) abort(err error) error {
	if c, ok := n.transport.(io.Closer); ok && n.ownsTransport {
		err = multierr.Append(err, c.Close())
	}
	return err
}

// Session returns the node's session
func (n *Node) Session() *session.Local {
	return n.session
}

// Driver returns the connection multiplexer
func (n *Node) Driver() *mux.Driver {
	return n.driver
}

// Hub returns the message hub
func (n *Node) Hub() *msghub.Hub {
	return n.hub
}

// Login logs local user num in as identity
func (n *Node) Login(num int, identity relay.Identity) error {
	return n.session.Login(num, identity)
}

// Logout logs local user num out
func (n *Node) Logout(num int) {
	n.session.Logout(num)
}

// Host starts serving game traffic on port (0 selects the configured port)
func (n *Node) Host(port int) error {
	if err := n.driver.InitListen(mux.BindSpec{Port: port}); err != nil {
		return err
	}
	n.logger.Info("Hosting",
		logging.Stringer(logging.KeyLocal, n.driver.LocalAddress()),
		logging.Stringer("role", n.driver.Role()))
	n.refreshStatus()
	return nil
}

// Join connects to a server such as "alice.relay:7777" or "10.0.0.4:7777"
func (n *Node) Join(ctx context.Context, target string) error {
	if err := n.driver.InitConnect(ctx, target); err != nil {
		return err
	}
	n.logger.Info("Joining", logging.String("target", target))
	n.refreshStatus()
	return nil
}

// Connected reports whether the server connection of a client is open
func (n *Node) Connected() bool {
	c := n.driver.ServerConnection()
	return c != nil && c.State() == peerconn.StateOpen
}

// SendToServer sends one game packet to the server of a client
func (n *Node) SendToServer(p []byte) error {
	if !n.Connected() {
		return ErrNotConnected
	}
	_, err := n.driver.ServerConnection().Send(p)
	return err
}

// Broadcast sends one game packet to every client of a server
func (n *Node) Broadcast(p []byte) error {
	var err error
	for _, c := range n.driver.Connections() {
		if _, serr := c.Send(p); serr != nil {
			err = multierr.Append(err, fmt.Errorf("send to %s: %w", c.Peer(), serr))
		}
	}
	return err
}

// SendMessage sends a reliable message from a local user to receiver
func (n *Node) SendMessage(sender, receiver relay.Identity, typ, payload string, onSent msghub.SentFunc) error {
	return n.hub.SendMessage(sender, receiver, typ, payload, onSent)
}

// Tick runs one round: transport notifications, game dispatch and hub
// maintenance
func (n *Node) Tick() {
	if n.closed {
		return
	}
	now := n.clock.Now()
	delta := now.Sub(n.lastTick)
	n.lastTick = now

	n.transport.Pump()
	n.driver.TickDispatch()
	n.hub.Tick(delta)
	n.refreshStatus()
}

// Run ticks the node every TickInterval until ctx is done, serving the
// admin endpoints and the directory worker meanwhile, then closes the node
func (n *Node) Run(ctx context.Context) error {
	workerCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	if n.directory != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.directory.Run(workerCtx)
		}()
	}

	serveErr := make(chan error, 1)
	if n.admin != nil {
		go func() {
			n.logger.Info("Admin server listening", logging.Int("port", n.admin.Port()))
			if err := n.admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
	}

	ticker := n.clock.Ticker(n.cfg.TickInterval)
	defer ticker.Stop()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-serveErr:
			runErr = fmt.Errorf("admin server: %w", err)
			break loop
		case <-ticker.C:
			n.Tick()
		}
	}

	cancel()
	wg.Wait()
	return multierr.Append(runErr, n.Close())
}

// Close tears everything down; queued directory updates get a bounded
// chance to be sent. It is safe to call more than once.
func (n *Node) Close() error {
	if n.closed {
		return nil
	}

	err := n.hub.Close()
	err = multierr.Append(err, n.driver.Destroy())
	n.closed = true
	n.refreshStatus()

	if c, ok := n.transport.(io.Closer); ok && n.ownsTransport {
		err = multierr.Append(err, c.Close())
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if n.admin != nil {
		err = multierr.Append(err, n.admin.Shutdown(ctx))
	}
	if n.directory != nil {
		n.directory.Flush(ctx)
	}
	return err
}

// Status is safe for concurrent use
func (n *Node) Status() api.HealthResponse {
	if s := n.status.Load(); s != nil {
		return *s
	}
	return api.HealthResponse{Status: "starting"}
}

func (n *Node) refreshStatus() {
	s := &api.HealthResponse{
		Status: "ok",
		Mode:   n.cfg.Mode.String(),
		Role:   n.driver.Role().String(),
	}
	if n.closed {
		s.Status = "closed"
	}
	n.status.Store(s)
}

// Listeners is safe for concurrent use
func (n *Node) Listeners() api.ListenersResponse {
	snapshot := n.session.Registry().Snapshot()
	resp := api.ListenersResponse{Listeners: make(map[string][]api.ListenerEntry, len(snapshot))}
	for identity, entries := range snapshot {
		list := make([]api.ListenerEntry, 0, len(entries))
		for _, e := range entries {
			entry := api.ListenerEntry{Address: e.Address.String(), RefCount: e.RefCount}
			for _, d := range e.Developer {
				entry.DeveloperAddresses = append(entry.DeveloperAddresses, d.String())
			}
			sort.Strings(entry.DeveloperAddresses)
			list = append(list, entry)
		}
		resp.Listeners[identity.String()] = list
	}
	return resp
}

func directoryClient(cfg *config.Config, logger *logging.Logger) *httpclient.Client {
	opts := httpclient.DefaultOptions()
	opts.Token = cfg.DirectoryToken
	opts.Logger = logger
	return httpclient.NewClient(opts)
}
