package mux

import (
	"github.com/julienstroheker/hexrelay/internal/logging"
	"github.com/julienstroheker/hexrelay/internal/metrics"
	"github.com/julienstroheker/hexrelay/internal/peerconn"
	"github.com/julienstroheker/hexrelay/internal/relay"
)

// IncomingConnection implements relay.Handler. Servers ask Notify; drivers
// without one accept by default.
func (d *Driver) IncomingConnection(local, remote relay.Address) bool {
	if d.state == StateDestroyed {
		return false
	}
	if d.serverConn == nil && d.opts.Notify != nil {
		return d.opts.Notify.AcceptConnection(remote)
	}
	return true
}

// ConnectionAccepted implements relay.Handler
func (d *Driver) ConnectionAccepted(listening, accepted relay.Endpoint, local, remote relay.Address) {
	if d.state == StateDestroyed {
		if listening != nil {
			_ = accepted.Close()
		}
		return
	}

	if d.serverConn != nil {
		if listening == nil && accepted == d.serverConn.Handle() {
			d.serverConn.Open()
			d.state = StateActive
			d.metrics.RecordConnectionOpened(metrics.PoolGame, "outbound")
			d.logger.Info("Connected to server", logging.Stringer(logging.KeyRemote, remote))
		}
		return
	}

	if listening == nil {
		return
	}
	// Relay-accepted connections are already validated, so they start open.
	c := peerconn.New(remote, accepted, peerconn.StateOpen, d.connOptions(true))
	d.logger.Debug("Accepted connection", logging.Stringer(logging.KeyRemote, remote))
	d.addInbound(c)
}

// ConnectionClosed implements relay.Handler
func (d *Driver) ConnectionClosed(listening, closed relay.Endpoint) {
	if d.state == StateDestroyed {
		return
	}

	if d.serverConn != nil {
		if closed == d.serverConn.Handle() {
			wasOpen := d.serverConn.State() == peerconn.StateOpen
			d.logger.Info("Server connection closed",
				logging.Stringer(logging.KeyRemote, d.serverConn.Peer()),
				logging.Bool("established", wasOpen))
			_ = d.serverConn.Close()
			if wasOpen {
				d.metrics.RecordConnectionClosed(metrics.PoolGame, "remote")
			}
			if d.opts.Notify != nil {
				d.opts.Notify.ConnectionClosed(d.serverConn)
			}
		}
		return
	}

	for i, c := range d.conns {
		if c.Handle() == closed {
			d.conns = append(d.conns[:i], d.conns[i+1:]...)
			d.logger.Debug("Connection closed", logging.Stringer(logging.KeyRemote, c.Peer()))
			d.closeInbound(c, "remote")
			return
		}
	}
}

var _ relay.Handler = (*Driver)(nil)
