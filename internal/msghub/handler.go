package msghub

import (
	"github.com/julienstroheker/hexrelay/internal/logging"
	"github.com/julienstroheker/hexrelay/internal/metrics"
	"github.com/julienstroheker/hexrelay/internal/peerconn"
	"github.com/julienstroheker/hexrelay/internal/relay"
)

// LoginChanged opens the listening endpoint of a user on login and tears
// down everything the user owns on logout
func (h *Hub) LoginChanged(localUser int, identity relay.Identity, loggedIn bool) {
	if h.closed {
		return
	}
	if loggedIn {
		if err := h.listen(localUser, identity); err != nil {
			h.logger.Error("Message listener failed",
				logging.Int(logging.KeyLocalUser, localUser),
				logging.Stringer(logging.KeyIdentity, identity),
				logging.Error(err))
		}
		return
	}
	h.logout(localUser)
}

func (h *Hub) listen(num int, identity relay.Identity) error {
	if l, ok := h.listeners[num]; ok {
		if l.identity == identity {
			return nil
		}
		h.logout(num)
	}

	addr := h.ListenAddress(identity)
	ep, err := h.opts.Transport.CreateEndpoint("msghub-listen")
	if err != nil {
		return err
	}
	ep.SetHandler(h)
	if err := ep.Bind(addr); err != nil {
		_ = ep.Close()
		return err
	}
	if err := ep.Listen(0); err != nil {
		_ = ep.Close()
		return err
	}

	h.listeners[num] = &listener{localUser: num, identity: identity, endpoint: ep}
	h.logger.Info("Message listener started",
		logging.Int(logging.KeyLocalUser, num),
		logging.Stringer(logging.KeyLocal, addr))
	return nil
}

func (h *Hub) logout(num int) {
	if l, ok := h.listeners[num]; ok {
		delete(h.listeners, num)
		_ = l.endpoint.Close()
		h.logger.Info("Message listener stopped",
			logging.Int(logging.KeyLocalUser, num),
			logging.Stringer(logging.KeyIdentity, l.identity))
	}

	var gone []*pooled
	kept := h.pool[:0]
	for _, pc := range h.pool {
		if pc.localUser == num {
			gone = append(gone, pc)
		} else {
			kept = append(kept, pc)
		}
	}
	for i := len(kept); i < len(h.pool); i++ {
		h.pool[i] = nil
	}
	h.pool = kept
	for _, pc := range gone {
		h.release(pc, "logout")
	}
}

func (h *Hub) listenerFor(ep relay.Endpoint) *listener {
	for _, l := range h.listeners {
		if l.endpoint == ep {
			return l
		}
	}
	return nil
}

func (h *Hub) byHandle(ep relay.Endpoint) *pooled {
	for _, pc := range h.pool {
		if pc.conn.Handle() == ep {
			return pc
		}
	}
	return nil
}

// IncomingConnection implements relay.Handler
func (h *Hub) IncomingConnection(local, remote relay.Address) bool {
	if h.closed {
		return false
	}
	for _, l := range h.listeners {
		if l.endpoint.LocalAddress() == local {
			return true
		}
	}
	return false
}

// ConnectionAccepted implements relay.Handler. Outbound connections flush
// the frames queued while they were pending.
func (h *Hub) ConnectionAccepted(listening, accepted relay.Endpoint, local, remote relay.Address) {
	if h.closed {
		if listening != nil {
			_ = accepted.Close()
		}
		return
	}

	if listening != nil {
		l := h.listenerFor(listening)
		if l == nil {
			_ = accepted.Close()
			return
		}
		h.addPooled(remote, accepted, peerconn.StateOpen, l.localUser, l.identity)
		h.metrics.RecordConnectionOpened(metrics.PoolMessage, "inbound")
		h.logger.Debug("Accepted message connection",
			logging.Stringer(logging.KeyLocal, local),
			logging.Stringer(logging.KeyRemote, remote))
		return
	}

	pc := h.byHandle(accepted)
	if pc == nil {
		return
	}
	pc.conn.Open()
	pc.expires = h.clock.Now().Add(h.opts.IdleTimeout)
	h.metrics.RecordConnectionOpened(metrics.PoolMessage, "outbound")

	outbox := pc.outbox
	pc.outbox = nil
	for _, id := range outbox {
		p, ok := h.pending[id]
		if !ok {
			continue
		}
		if _, err := pc.conn.Send(p.frame); err != nil {
			h.logger.Warn("Queued message send failed",
				logging.Uint64(logging.KeyMessageID, id),
				logging.Error(err))
			h.complete(p, false)
		}
	}
}

// ConnectionClosed implements relay.Handler
func (h *Hub) ConnectionClosed(listening, closed relay.Endpoint) {
	if h.closed {
		return
	}
	pc := h.byHandle(closed)
	if pc == nil {
		return
	}
	h.remove(pc)
	h.logger.Debug("Message connection closed", logging.Stringer(logging.KeyPeer, pc.conn.Peer()))
	h.release(pc, "remote")
}

var _ relay.Handler = (*Hub)(nil)
