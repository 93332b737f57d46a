package mux

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"

	"github.com/julienstroheker/hexrelay/internal/ipnet"
	"github.com/julienstroheker/hexrelay/internal/logging"
	"github.com/julienstroheker/hexrelay/internal/metrics"
	"github.com/julienstroheker/hexrelay/internal/peerconn"
	"github.com/julienstroheker/hexrelay/internal/relay"
	"go.uber.org/multierr"
)

// ipMode serves the driver from one direct-IP socket
type ipMode struct {
	ip     ipnet.Driver
	local  netip.AddrPort
	server netip.AddrPort

	published     bool
	identity      relay.Identity
	publishedAddr relay.Address
}

func (d *Driver) initConnectIP(ctx context.Context, t relay.Target) error {
	if d.opts.IP == nil {
		return ErrSubsystemUnavailable
	}

	server, err := d.opts.IP.Connect(ctx, t.Host, t.Port)
	if err != nil {
		_ = d.opts.IP.Close()
		return fmt.Errorf("%w: %s: %w", ErrConnectFailed, t.Host, err)
	}

	m := &ipMode{ip: d.opts.IP, local: d.opts.IP.LocalAddress(), server: server}
	peer := relay.IPAddress(server)
	d.mode = m
	d.serverConn = peerconn.New(peer, newIPHandle(m, peer), peerconn.StateOpen, d.connOptions(true))
	d.state = StateActive
	d.metrics.RecordConnectionOpened(metrics.PoolGame, "outbound")

	d.logger.Info("Connected by IP",
		logging.Stringer(logging.KeyLocal, m.local),
		logging.Stringer(logging.KeyRemote, server))
	return nil
}

func (d *Driver) initListenIP(port int) error {
	if d.opts.IP == nil {
		return ErrSubsystemUnavailable
	}

	local, err := d.opts.IP.Listen(port)
	if err != nil {
		_ = d.opts.IP.Close()
		return fmt.Errorf("%w: port %d: %w", ErrListenFailed, port, err)
	}
	m := &ipMode{ip: d.opts.IP, local: local}

	if d.opts.Session != nil {
		id, ok := d.opts.Session.BindingIdentity()
		if !ok {
			id = relay.DedicatedServer
		}
		addr := relay.IPAddress(local)
		if d.publish(id, addr, d.developerAddresses(int(local.Port()))) {
			m.published = true
			m.identity = id
			m.publishedAddr = addr
		}
	}

	d.mode = m
	d.state = StateListening
	d.logger.Info("Listening by IP", logging.Stringer(logging.KeyLocal, local))
	return nil
}

func (d *Driver) developerAddresses(port int) []relay.Address {
	aps, err := d.opts.DeveloperAddresses(port)
	if err != nil {
		d.logger.Warn("Could not list adapter addresses", logging.Error(err))
		return nil
	}
	out := make([]relay.Address, 0, len(aps))
	for _, ap := range aps {
		out = append(out, relay.IPAddress(ap))
	}
	return out
}

func (m *ipMode) dispatch(d *Driver) {
	err := m.ip.Poll(func(from netip.AddrPort, p []byte) {
		if d.state == StateDestroyed {
			return
		}
		if d.serverConn != nil {
			if from == m.server {
				d.serverConn.Deliver(p)
			} else {
				d.dropUnroutable(relay.IPAddress(from), len(p))
			}
			return
		}

		addr := relay.IPAddress(from)
		for _, c := range d.conns {
			if c.Peer() == addr {
				c.Deliver(p)
				return
			}
		}

		// A datagram from an unknown sender opens a new connection.
		if d.opts.Notify != nil && !d.opts.Notify.AcceptConnection(addr) {
			d.dropUnroutable(addr, len(p))
			return
		}
		c := peerconn.New(addr, newIPHandle(m, addr), peerconn.StateOpen, d.connOptions(true))
		d.addInbound(c)
		c.Deliver(p)
	})
	if err != nil && !errors.Is(err, ipnet.ErrClosed) {
		d.logger.Warn("IP poll failed", logging.Error(err))
	}
}

func (m *ipMode) send(addr relay.Address, p []byte) error {
	if !addr.IsIP() {
		return fmt.Errorf("%w: %s is not an IP address", relay.ErrNoRoute, addr)
	}
	if _, err := m.ip.SendTo(addr.IP, p); err != nil {
		return fmt.Errorf("send to %s: %w", addr, err)
	}
	return nil
}

func (m *ipMode) destroy(d *Driver) error {
	if m.published {
		d.opts.Session.UnpublishListening(m.identity, m.publishedAddr)
		m.published = false
	}

	var err error
	for _, c := range d.conns {
		err = multierr.Append(err, c.Close())
	}
	return multierr.Append(err, m.ip.Close())
}

func (m *ipMode) localAddress() relay.Address {
	return relay.IPAddress(m.local)
}

func (m *ipMode) isIP() bool {
	return true
}

var ipHandleSeq atomic.Uint64

// ipHandle presents one IP peer of the shared socket as a relay endpoint
type ipHandle struct {
	id     string
	mode   *ipMode
	peer   relay.Address
	closed bool
}

func newIPHandle(m *ipMode, peer relay.Address) *ipHandle {
	return &ipHandle{
		id:   fmt.Sprintf("ip-%d", ipHandleSeq.Add(1)),
		mode: m,
		peer: peer,
	}
}

func (h *ipHandle) ID() string { return h.id }

func (h *ipHandle) Bind(relay.Address) error { return relay.ErrAlreadyBound }

func (h *ipHandle) Listen(int) error { return relay.ErrAlreadyBound }

func (h *ipHandle) Connect(relay.Address) error { return relay.ErrAlreadyBound }

func (h *ipHandle) SendTo(p []byte, to relay.Address) (int, error) {
	if h.closed {
		return 0, relay.ErrEndpointClosed
	}
	if !to.IsIP() {
		return 0, relay.ErrNoRoute
	}
	return h.mode.ip.SendTo(to.IP, p)
}

// ReceiveFrom always reports no data; the shared socket is drained by dispatch
func (h *ipHandle) ReceiveFrom([]byte) (int, relay.Address, error) {
	if h.closed {
		return 0, relay.Address{}, relay.ErrEndpointClosed
	}
	return 0, relay.Address{}, relay.ErrNoPendingData
}

func (h *ipHandle) PendingData() (int, bool) { return 0, false }

func (h *ipHandle) PeerAddress() (relay.Address, error) {
	if h.closed {
		return relay.Address{}, relay.ErrEndpointClosed
	}
	return h.peer, nil
}

func (h *ipHandle) LocalAddress() relay.Address {
	return relay.IPAddress(h.mode.local)
}

func (h *ipHandle) SetHandler(relay.Handler) {}

func (h *ipHandle) Closed() bool { return h.closed }

func (h *ipHandle) Close() error {
	h.closed = true
	return nil
}

var _ relay.Endpoint = (*ipHandle)(nil)
