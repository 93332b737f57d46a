// Package mux owns the single relay endpoint (or direct-IP socket) of a game
// session and fans inbound datagrams out to per-peer connections.
//
// The transport mode is chosen once by InitConnect or InitListen and never
// changes afterwards. The role of the driver is derived: a driver with an
// outbound server connection is a client, any other driver is a server.
package mux

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/julienstroheker/hexrelay/internal/config"
	"github.com/julienstroheker/hexrelay/internal/ipnet"
	"github.com/julienstroheker/hexrelay/internal/logging"
	"github.com/julienstroheker/hexrelay/internal/metrics"
	"github.com/julienstroheker/hexrelay/internal/peerconn"
	"github.com/julienstroheker/hexrelay/internal/relay"
)

var (
	// ErrNoValidLocalUser is returned when no identity can bind a relay endpoint
	ErrNoValidLocalUser = errors.New("no valid local user to bind the relay endpoint")
	// ErrSubsystemUnavailable is returned when a required collaborator is missing
	ErrSubsystemUnavailable = errors.New("network subsystem unavailable")
	// ErrBindFailed wraps relay bind failures
	ErrBindFailed = errors.New("relay bind failed")
	// ErrListenFailed wraps listen failures
	ErrListenFailed = errors.New("listen failed")
	// ErrConnectFailed wraps connect failures
	ErrConnectFailed = errors.New("connect failed")
	// ErrAlreadyInitialized is returned by a second InitConnect or InitListen
	ErrAlreadyInitialized = errors.New("driver already initialized")
	// ErrNotInitialized is returned by sends before initialization
	ErrNotInitialized = errors.New("driver not initialized")
)

// Role of a driver, derived from its connections and transport mode
type Role int

const (
	RoleNone Role = iota
	RoleDedicatedServer
	RoleListenServer
	RoleClientConnectedToDedicatedServer
	RoleClientConnectedToListenServer
)

func (r Role) String() string {
	switch r {
	case RoleDedicatedServer:
		return "dedicated-server"
	case RoleListenServer:
		return "listen-server"
	case RoleClientConnectedToDedicatedServer:
		return "client-of-dedicated-server"
	case RoleClientConnectedToListenServer:
		return "client-of-listen-server"
	default:
		return "none"
	}
}

// State of a driver
type State int

const (
	StateUninitialized State = iota
	StateConnecting
	StateListening
	StateActive
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateActive:
		return "active"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session resolves the binding identity and publishes listening addresses
type Session interface {
	BindingIdentity() (relay.Identity, bool)
	PublishListening(identity relay.Identity, addr relay.Address, developer []relay.Address)
	UnpublishListening(identity relay.Identity, addr relay.Address)
}

// Notify is told about inbound connections of a server
type Notify interface {
	// AcceptConnection decides whether remote may connect
	AcceptConnection(remote relay.Address) bool
	ConnectionOpened(c *peerconn.Conn)
	ConnectionClosed(c *peerconn.Conn)
}

// BindSpec describes where to listen
type BindSpec struct {
	Port int
}

// Options contains configuration for a Driver
type Options struct {
	// Transport is required for relay mode
	Transport relay.Transport
	// IP is required for direct-IP mode
	IP ipnet.Driver
	// Session is required for relay mode
	Session Session
	Notify  Notify
	// Handler receives every delivered packet
	Handler peerconn.PacketHandler

	ListenMode  config.ListenMode
	RelayDomain string
	SocketName  string
	DefaultPort int
	Backlog     int

	// OwnedByBeacon skips publishing and unpublishing listen addresses
	OwnedByBeacon bool
	// StrictChecks reports duplicate peers on accept at error level
	StrictChecks bool
	NetTrace     bool

	// DeveloperAddresses lists local adapter aliases in IP listen mode
	DeveloperAddresses func(port int) ([]netip.AddrPort, error)

	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// transportMode is implemented by relayMode and ipMode
type transportMode interface {
	dispatch(d *Driver)
	send(addr relay.Address, p []byte) error
	destroy(d *Driver) error
	localAddress() relay.Address
	isIP() bool
}

// Driver is used from the tick goroutine only
type Driver struct {
	opts    Options
	logger  *logging.Logger
	metrics *metrics.Metrics

	state State
	mode  transportMode

	// dedicated reports whether the server side is a dedicated server, for
	// the server connection's target or for this driver's own binding
	dedicated  bool
	serverConn *peerconn.Conn
	conns      []*peerconn.Conn
}

// New creates an uninitialized driver
func New(opts *Options) *Driver {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	if o.RelayDomain == "" {
		o.RelayDomain = config.DefaultRelayDomain
	}
	if o.SocketName == "" {
		o.SocketName = config.DefaultSocketName
	}
	if o.DefaultPort == 0 {
		o.DefaultPort = config.DefaultPort
	}
	if o.ListenMode == "" {
		o.ListenMode = config.ListenAuto
	}
	if o.DeveloperAddresses == nil {
		o.DeveloperAddresses = ipnet.LocalAdapterAddresses
	}
	return &Driver{
		opts:    o,
		logger:  o.Logger.With(logging.String(logging.KeyComponent, "mux")),
		metrics: o.Metrics,
	}
}

// InitConnect connects to target, a relay host such as "UserX.relay:7777"
// or an IP host such as "10.0.0.4:7777"
func (d *Driver) InitConnect(ctx context.Context, target string) error {
	if d.state != StateUninitialized {
		return ErrAlreadyInitialized
	}

	t, err := relay.ParseTarget(target, d.opts.RelayDomain, d.opts.DefaultPort)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}
	if !t.Relay {
		return d.initConnectIP(ctx, t)
	}
	return d.initConnectRelay(t)
}

// InitListen starts serving on bind.Port in the configured listen mode
func (d *Driver) InitListen(bind BindSpec) error {
	if d.state != StateUninitialized {
		return ErrAlreadyInitialized
	}
	port := bind.Port
	if port == 0 {
		port = d.opts.DefaultPort
	}

	switch d.opts.ListenMode {
	case config.ListenIP:
		return d.initListenIP(port)
	case config.ListenRelay:
		return d.initListenRelay(port)
	default:
		if d.opts.Transport != nil && d.opts.Session != nil {
			if _, ok := d.opts.Session.BindingIdentity(); ok {
				return d.initListenRelay(port)
			}
		}
		return d.initListenIP(port)
	}
}

// TickDispatch drains inbound datagrams and routes them to connections
func (d *Driver) TickDispatch() {
	if d.mode == nil || d.state == StateDestroyed {
		return
	}
	d.mode.dispatch(d)
}

// LowLevelSend sends p to addr on the driver's own endpoint
func (d *Driver) LowLevelSend(addr relay.Address, p []byte) error {
	if d.state == StateDestroyed {
		return peerconn.ErrTransportUnavailable
	}
	if d.mode == nil {
		return ErrNotInitialized
	}
	if err := d.mode.send(addr, p); err != nil {
		return err
	}
	d.metrics.RecordBytesSent(metrics.PoolGame, len(p))
	return nil
}

// Destroy unpublishes listen addresses and releases the endpoint. It is
// safe to call more than once.
func (d *Driver) Destroy() error {
	if d.state == StateDestroyed {
		return nil
	}
	d.state = StateDestroyed
	if d.mode == nil {
		return nil
	}

	err := d.mode.destroy(d)
	for _, c := range d.conns {
		d.metrics.RecordConnectionClosed(metrics.PoolGame, "destroyed")
		_ = c.Close()
	}
	d.conns = nil
	if d.serverConn != nil {
		if d.serverConn.State() == peerconn.StateOpen {
			d.metrics.RecordConnectionClosed(metrics.PoolGame, "destroyed")
		}
		_ = d.serverConn.Close()
	}

	d.logger.Debug("Driver destroyed", logging.Error(err))
	return err
}

// Role derives the driver's role
func (d *Driver) Role() Role {
	if d.mode == nil {
		return RoleNone
	}
	if d.serverConn != nil {
		if d.dedicated || d.mode.isIP() {
			return RoleClientConnectedToDedicatedServer
		}
		return RoleClientConnectedToListenServer
	}
	if d.dedicated || d.mode.isIP() {
		return RoleDedicatedServer
	}
	return RoleListenServer
}

// State returns the lifecycle state
func (d *Driver) State() State {
	return d.state
}

// IsIP reports whether the driver runs in direct-IP mode
func (d *Driver) IsIP() bool {
	return d.mode != nil && d.mode.isIP()
}

// LocalAddress returns the bound address, or the zero value
func (d *Driver) LocalAddress() relay.Address {
	if d.mode == nil {
		return relay.Address{}
	}
	return d.mode.localAddress()
}

// ServerConnection returns the outbound connection of a client
func (d *Driver) ServerConnection() *peerconn.Conn {
	return d.serverConn
}

// Connections returns the inbound connections of a server
func (d *Driver) Connections() []*peerconn.Conn {
	return append([]*peerconn.Conn(nil), d.conns...)
}

func (d *Driver) connOptions(owns bool) *peerconn.Options {
	return &peerconn.Options{
		OwnsHandle: owns,
		NetTrace:   d.opts.NetTrace,
		Pool:       metrics.PoolGame,
		Handler:    d.opts.Handler,
		Logger:     d.logger,
		Metrics:    d.metrics,
	}
}

// addInbound registers a new server-side connection, replacing any stale
// record with the same peer
func (d *Driver) addInbound(c *peerconn.Conn) {
	for i, stale := range d.conns {
		if stale.Peer() != c.Peer() {
			continue
		}
		if d.opts.StrictChecks {
			d.logger.Error("Duplicate peer address on accept, replacing stale connection",
				logging.Stringer(logging.KeyPeer, c.Peer()))
		} else {
			d.logger.Debug("Replacing stale connection",
				logging.Stringer(logging.KeyPeer, c.Peer()))
		}
		d.metrics.RecordDrop(metrics.ReasonPeerMismatch)
		d.conns = append(d.conns[:i], d.conns[i+1:]...)
		d.closeInbound(stale, "replaced")
		break
	}

	d.conns = append(d.conns, c)
	if d.state == StateListening {
		d.state = StateActive
	}
	d.metrics.RecordConnectionOpened(metrics.PoolGame, "inbound")
	if d.opts.Notify != nil {
		d.opts.Notify.ConnectionOpened(c)
	}
}

func (d *Driver) closeInbound(c *peerconn.Conn, reason string) {
	_ = c.Close()
	d.metrics.RecordConnectionClosed(metrics.PoolGame, reason)
	if d.opts.Notify != nil {
		d.opts.Notify.ConnectionClosed(c)
	}
}

func (d *Driver) dropUnroutable(from relay.Address, size int) {
	d.logger.Warn("Dropped unroutable datagram",
		logging.Stringer(logging.KeyRemote, from),
		logging.Int(logging.KeyBytes, size))
	d.metrics.RecordDrop(metrics.ReasonUnroutable)
}

// publish registers addr unless the driver belongs to a beacon
func (d *Driver) publish(identity relay.Identity, addr relay.Address, developer []relay.Address) bool {
	if d.opts.OwnedByBeacon || d.opts.Session == nil {
		return false
	}
	d.opts.Session.PublishListening(identity, addr, developer)
	return true
}
