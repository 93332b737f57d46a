// Package peerconn implements one relay conversation with a remote peer.
//
// A Conn is a conduit: it forwards bytes to and from its relay handle
// without fragmenting, retrying or encrypting them, and it has no handshake
// of its own because the relay's connect/accept exchange already proves the
// peer is live.
package peerconn

import (
	"errors"
	"fmt"

	"github.com/julienstroheker/hexrelay/internal/logging"
	"github.com/julienstroheker/hexrelay/internal/metrics"
	"github.com/julienstroheker/hexrelay/internal/relay"
)

// ErrTransportUnavailable is returned when the relay handle is gone
var ErrTransportUnavailable = errors.New("relay transport unavailable")

// State of a connection
type State int

const (
	// StatePending is an outbound connection waiting for the relay
	StatePending State = iota
	// StateOpen carries traffic
	StateOpen
	// StateClosed no longer carries traffic
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// PacketHandler is the transport layer above the connection
type PacketHandler interface {
	HandlePacket(c *Conn, p []byte)
}

// Options contains configuration for a Conn
type Options struct {
	// OwnsHandle makes Close release the relay handle
	OwnsHandle bool
	// NetTrace logs every packet at debug level
	NetTrace bool
	// Pool labels metrics; defaults to metrics.PoolGame
	Pool    string
	Handler PacketHandler
	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// Conn is one conversation with a remote peer. It is used from the tick
// goroutine only.
type Conn struct {
	peer      relay.Address
	handle    relay.Endpoint
	localUser *int
	state     State

	owns     bool
	netTrace bool
	pool     string
	handler  PacketHandler
	logger   *logging.Logger
	metrics  *metrics.Metrics
}

// New creates a connection to peer over handle
func New(peer relay.Address, handle relay.Endpoint, state State, opts *Options) *Conn {
	if opts == nil {
		opts = &Options{}
	}
	pool := opts.Pool
	if pool == "" {
		pool = metrics.PoolGame
	}
	return &Conn{
		peer:     peer,
		handle:   handle,
		state:    state,
		owns:     opts.OwnsHandle,
		netTrace: opts.NetTrace,
		pool:     pool,
		handler:  opts.Handler,
		logger:   opts.Logger.With(logging.Stringer(logging.KeyPeer, peer)),
		metrics:  opts.Metrics,
	}
}

// Peer returns the address the connection was created for
func (c *Conn) Peer() relay.Address {
	return c.peer
}

// LivePeer asks the relay handle for its current peer address
func (c *Conn) LivePeer() (relay.Address, error) {
	if !c.Valid() {
		return relay.Address{}, ErrTransportUnavailable
	}
	return c.handle.PeerAddress()
}

// Handle returns the relay handle, nil once detached
func (c *Conn) Handle() relay.Endpoint {
	return c.handle
}

// Valid reports whether the relay handle can still be used
func (c *Conn) Valid() bool {
	return c.handle != nil && !c.handle.Closed()
}

// State returns the connection state
func (c *Conn) State() State {
	return c.state
}

// Open moves a pending connection to open
func (c *Conn) Open() {
	if c.state == StatePending {
		c.state = StateOpen
	}
}

// LocalUser returns the owning local user slot, if any
func (c *Conn) LocalUser() (int, bool) {
	if c.localUser == nil {
		return 0, false
	}
	return *c.localUser, true
}

// SetLocalUser records the owning local user slot
func (c *Conn) SetLocalUser(num int) {
	c.localUser = &num
}

// Send forwards p to the peer
func (c *Conn) Send(p []byte) (int, error) {
	if c.state == StateClosed || !c.Valid() {
		return 0, ErrTransportUnavailable
	}

	n, err := c.handle.SendTo(p, c.peer)
	if err != nil {
		c.logger.Debug("Relay send failed", logging.Int(logging.KeyBytes, len(p)), logging.Error(err))
		return n, err
	}
	if c.netTrace {
		c.logger.Debug("NetTrace send",
			logging.String("direction", "send"),
			logging.Int(logging.KeyBytes, n))
	}
	c.metrics.RecordBytesSent(c.pool, n)
	return n, nil
}

// ReceiveRaw reads one datagram from the handle. The caller correlates the
// returned sender with this connection.
func (c *Conn) ReceiveRaw(buf []byte) (int, relay.Address, error) {
	if !c.Valid() {
		return 0, relay.Address{}, ErrTransportUnavailable
	}
	return c.handle.ReceiveFrom(buf)
}

// Deliver hands an inbound datagram to the packet handler
func (c *Conn) Deliver(p []byte) {
	if c.netTrace {
		c.logger.Debug("NetTrace recv",
			logging.String("direction", "recv"),
			logging.Int(logging.KeyBytes, len(p)))
	}
	c.metrics.RecordBytesReceived(c.pool, len(p))
	if c.handler != nil {
		c.handler.HandlePacket(c, p)
	}
}

// Close marks the connection closed and releases an owned handle
func (c *Conn) Close() error {
	if c.state == StateClosed {
		return nil
	}
	c.state = StateClosed

	handle := c.handle
	c.handle = nil
	if c.owns && handle != nil {
		return handle.Close()
	}
	return nil
}

func (c *Conn) String() string {
	return fmt.Sprintf("conn(%s, %s)", c.peer, c.state)
}
