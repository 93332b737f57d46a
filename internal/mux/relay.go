package mux

import (
	"errors"
	"fmt"

	"github.com/julienstroheker/hexrelay/internal/logging"
	"github.com/julienstroheker/hexrelay/internal/peerconn"
	"github.com/julienstroheker/hexrelay/internal/relay"
	"go.uber.org/multierr"
)

// relayMode serves the driver from one relay endpoint
type relayMode struct {
	endpoint relay.Endpoint
	identity relay.Identity

	published     bool
	publishedAddr relay.Address
}

func (d *Driver) bindingIdentity() (relay.Identity, error) {
	if d.opts.Transport == nil || d.opts.Session == nil {
		return "", ErrSubsystemUnavailable
	}
	id, ok := d.opts.Session.BindingIdentity()
	if !ok || !id.Valid() {
		return "", ErrNoValidLocalUser
	}
	return id, nil
}

func (d *Driver) initConnectRelay(t relay.Target) error {
	id, err := d.bindingIdentity()
	if err != nil {
		return err
	}

	channel := relay.ChannelForPort(t.Port)
	local := relay.RelayAddress(id, d.opts.SocketName, channel)
	remote := relay.RelayAddress(t.Identity, d.opts.SocketName, channel)

	ep, err := d.opts.Transport.CreateEndpoint("mux-connect")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSubsystemUnavailable, err)
	}
	ep.SetHandler(d)
	if err := ep.Bind(local); err != nil {
		_ = ep.Close()
		return fmt.Errorf("%w: %s: %w", ErrBindFailed, local, err)
	}
	if err := ep.Connect(remote); err != nil {
		_ = ep.Close()
		return fmt.Errorf("%w: %s: %w", ErrConnectFailed, remote, err)
	}

	d.mode = &relayMode{endpoint: ep, identity: id}
	d.dedicated = t.Identity.IsDedicatedServer()
	d.serverConn = peerconn.New(remote, ep, peerconn.StatePending, d.connOptions(false))
	d.state = StateConnecting

	d.logger.Info("Connecting through relay",
		logging.Stringer(logging.KeyLocal, local),
		logging.Stringer(logging.KeyRemote, remote))
	return nil
}

func (d *Driver) initListenRelay(port int) error {
	id, err := d.bindingIdentity()
	if err != nil {
		return err
	}

	local := relay.RelayAddress(id, d.opts.SocketName, relay.ChannelForPort(port))
	ep, err := d.opts.Transport.CreateEndpoint("mux-listen")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSubsystemUnavailable, err)
	}
	ep.SetHandler(d)
	if err := ep.Bind(local); err != nil {
		_ = ep.Close()
		return fmt.Errorf("%w: %s: %w", ErrBindFailed, local, err)
	}
	if err := ep.Listen(d.opts.Backlog); err != nil {
		_ = ep.Close()
		return fmt.Errorf("%w: %s: %w", ErrListenFailed, local, err)
	}

	m := &relayMode{endpoint: ep, identity: id}
	if d.publish(id, local, nil) {
		m.published = true
		m.publishedAddr = local
	}
	d.mode = m
	d.dedicated = id.IsDedicatedServer()
	d.state = StateListening

	d.logger.Info("Listening on relay", logging.Stringer(logging.KeyLocal, local))
	return nil
}

// dispatch drains the endpoint. Clients forward everything to the server
// connection; servers route by the sender's live peer address.
func (m *relayMode) dispatch(d *Driver) {
	for {
		if m.endpoint.Closed() {
			return
		}
		size, ok := m.endpoint.PendingData()
		if !ok {
			return
		}

		buf := make([]byte, size)
		n, from, err := m.endpoint.ReceiveFrom(buf)
		if err != nil {
			if !errors.Is(err, relay.ErrNoPendingData) {
				d.logger.Warn("Relay receive failed", logging.Error(err))
			}
			return
		}
		buf = buf[:n]

		if d.serverConn != nil {
			d.serverConn.Deliver(buf)
			continue
		}
		d.routeInbound(from, buf)
	}
}

func (d *Driver) routeInbound(from relay.Address, p []byte) {
	for _, c := range d.conns {
		live, err := c.LivePeer()
		if err != nil {
			continue
		}
		if live == from {
			c.Deliver(p)
			return
		}
	}
	d.dropUnroutable(from, len(p))
}

func (m *relayMode) send(addr relay.Address, p []byte) error {
	if m.endpoint.Closed() {
		return peerconn.ErrTransportUnavailable
	}
	if _, err := m.endpoint.SendTo(p, addr); err != nil {
		return fmt.Errorf("send to %s: %w", addr, err)
	}
	return nil
}

func (m *relayMode) destroy(d *Driver) error {
	if m.published {
		d.opts.Session.UnpublishListening(m.identity, m.publishedAddr)
		m.published = false
	}

	var err error
	for _, c := range d.conns {
		err = multierr.Append(err, c.Close())
	}
	return multierr.Append(err, m.endpoint.Close())
}

func (m *relayMode) localAddress() relay.Address {
	return m.endpoint.LocalAddress()
}

func (m *relayMode) isIP() bool {
	return false
}
