package node

import (
	"github.com/julienstroheker/hexrelay/internal/logging"
	"github.com/julienstroheker/hexrelay/internal/mux"
	"github.com/julienstroheker/hexrelay/internal/peerconn"
	"github.com/julienstroheker/hexrelay/internal/relay"
)

// AcceptConnection implements mux.Notify. Without a custom Notify every
// peer is accepted.
func (n *Node) AcceptConnection(remote relay.Address) bool {
	if n.notify != nil {
		return n.notify.AcceptConnection(remote)
	}
	return true
}

// ConnectionOpened implements mux.Notify
func (n *Node) ConnectionOpened(c *peerconn.Conn) {
	n.logger.Info("Client connected", logging.Stringer(logging.KeyPeer, c.Peer()))
	if n.notify != nil {
		n.notify.ConnectionOpened(c)
	}
}

// ConnectionClosed implements mux.Notify
func (n *Node) ConnectionClosed(c *peerconn.Conn) {
	n.logger.Info("Connection closed", logging.Stringer(logging.KeyPeer, c.Peer()))
	if n.notify != nil {
		n.notify.ConnectionClosed(c)
	}
}

// HandlePacket implements peerconn.PacketHandler
func (n *Node) HandlePacket(c *peerconn.Conn, p []byte) {
	if n.handler != nil {
		n.handler.HandlePacket(c, p)
		return
	}
	n.logger.Debug("Game packet", logging.Stringer(logging.KeyPeer, c.Peer()), logging.Int("bytes", len(p)))
}

func (n *Node) handleMessage(sender, receiver relay.Identity, typ, payload string) {
	if n.onMessage != nil {
		n.onMessage(sender, receiver, typ, payload)
		return
	}
	n.logger.Info("Message received",
		logging.Stringer("sender", sender),
		logging.Stringer("receiver", receiver),
		logging.String("type", typ),
		logging.Int("bytes", len(payload)))
}

var (
	_ mux.Notify             = (*Node)(nil)
	_ peerconn.PacketHandler = (*Node)(nil)
)
