// Package msghub is a small request/ack messaging channel between peer
// identities, independent from game traffic.
//
// Each logged-in local user listens on a fixed socket and channel. Sending
// reuses the sender's pooled connection to the receiver or opens a new one. Every
// message accepted by SendMessage resolves its callback exactly once: on
// ack, on a synchronous send failure, or when its connection goes away
// through closure, idle eviction, logout or Close.
package msghub

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/julienstroheker/hexrelay/internal/config"
	"github.com/julienstroheker/hexrelay/internal/logging"
	"github.com/julienstroheker/hexrelay/internal/metrics"
	"github.com/julienstroheker/hexrelay/internal/peerconn"
	"github.com/julienstroheker/hexrelay/internal/relay"
	"go.uber.org/multierr"
)

const (
	// FirstMessageID is the first id a hub allocates; lower ids are reserved
	FirstMessageID uint64 = 1025

	// DefaultIdleTimeout closes pooled connections without traffic
	DefaultIdleTimeout = 3 * time.Minute

	defaultCompletedCacheSize = 1024
)

var (
	// ErrSenderNotLocal is returned when the sender is not a logged-in local user
	ErrSenderNotLocal = errors.New("sender is not a local user")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("message hub is closed")
)

// Users resolves the local user slot of a logged-in identity
type Users interface {
	LocalUserFor(identity relay.Identity) (int, bool)
}

// MessageFunc receives requests after they were acknowledged
type MessageFunc func(sender, receiver relay.Identity, typ, payload string)

// SentFunc receives the terminal result of one message
type SentFunc func(ok bool)

// Options contains configuration for a Hub
type Options struct {
	Transport relay.Transport
	Users     Users

	// SocketName defaults to config.DefaultMessageSocketName
	SocketName string
	// Channel is the listening channel
	Channel uint8
	// ReplyChannel is the local channel of outbound connections; defaults
	// to Channel+1 so acks are not routed to the sender's own listener
	ReplyChannel *uint8

	IdleTimeout time.Duration
	Clock       clock.Clock
	OnMessage   MessageFunc

	// CompletedCacheSize bounds the ids remembered after completion
	CompletedCacheSize int

	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

type listener struct {
	localUser int
	identity  relay.Identity
	endpoint  relay.Endpoint
}

// pooled is one hub connection, outbound or accepted on a listener
type pooled struct {
	conn      *peerconn.Conn
	owner     relay.Identity
	localUser int
	expires   time.Time

	// outbox holds frames sent before an outbound connection opened
	outbox []uint64
}

type pendingAck struct {
	id     uint64
	sender relay.Identity
	conn   *pooled
	frame  []byte
	onSent SentFunc
	sentAt time.Time
}

// Hub is used from the tick goroutine only
type Hub struct {
	opts    Options
	reply   uint8
	clock   clock.Clock
	logger  *logging.Logger
	metrics *metrics.Metrics

	nextID    uint64
	listeners map[int]*listener
	pool      []*pooled
	pending   map[uint64]*pendingAck
	completed *lru.Cache[uint64, struct{}]
	closed    bool
}

// New creates a hub. Users that are already logged in must be announced
// with LoginChanged.
func New(opts *Options) (*Hub, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	if o.Transport == nil {
		return nil, errors.New("message hub requires a relay transport")
	}
	if o.Users == nil {
		return nil, errors.New("message hub requires a user directory")
	}
	if o.SocketName == "" {
		o.SocketName = config.DefaultMessageSocketName
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.CompletedCacheSize <= 0 {
		o.CompletedCacheSize = defaultCompletedCacheSize
	}
	reply := o.Channel + 1
	if o.ReplyChannel != nil {
		reply = *o.ReplyChannel
	}

	completed, err := lru.New[uint64, struct{}](o.CompletedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create completed id cache: %w", err)
	}

	return &Hub{
		opts:      o,
		reply:     reply,
		clock:     o.Clock,
		logger:    o.Logger.With(logging.String(logging.KeyComponent, "msghub")),
		metrics:   o.Metrics,
		nextID:    FirstMessageID,
		listeners: make(map[int]*listener),
		pending:   make(map[uint64]*pendingAck),
		completed: completed,
	}, nil
}

// ListenAddress is where identity receives messages
func (h *Hub) ListenAddress(identity relay.Identity) relay.Address {
	return relay.RelayAddress(identity, h.opts.SocketName, h.opts.Channel)
}

// SendMessage sends one request from the local user sender to receiver.
// onSent may run synchronously when the send fails right away; otherwise it
// runs from a later Tick or transport Pump.
//
// ErrClosed, ErrSenderNotLocal and frame encoding errors mean the message
// was never accepted and onSent is not called. When no connection to the
// receiver can be opened, onSent(false) runs before the error is returned.
// Each local user sends on its own connection, so the receiver always
// sees the true sender.
func (h *Hub) SendMessage(sender, receiver relay.Identity, typ, payload string, onSent SentFunc) error {
	if h.closed {
		return ErrClosed
	}
	num, ok := h.opts.Users.LocalUserFor(sender)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSenderNotLocal, sender)
	}

	target := h.ListenAddress(receiver)
	id := h.nextID
	data, err := frame{id: id, typ: typ, payload: payload}.MarshalBinary()
	if err != nil {
		return err
	}

	pc := h.findByPeer(sender, target)
	if pc == nil {
		pc, err = h.connect(num, sender, target)
		if err != nil {
			if onSent != nil {
				onSent(false)
			}
			return err
		}
	}
	pc.expires = h.clock.Now().Add(h.opts.IdleTimeout)

	h.nextID++
	p := &pendingAck{
		id:     id,
		sender: sender,
		conn:   pc,
		frame:  data,
		onSent: onSent,
		sentAt: h.clock.Now(),
	}
	h.pending[id] = p
	h.metrics.RecordMessageSent()

	h.logger.Debug("Sending message",
		logging.Uint64(logging.KeyMessageID, id),
		logging.Stringer(logging.KeyRemote, target),
		logging.String("type", typ))

	if pc.conn.State() == peerconn.StatePending {
		pc.outbox = append(pc.outbox, id)
		return nil
	}
	if _, err := pc.conn.Send(data); err != nil {
		h.logger.Warn("Message send failed",
			logging.Uint64(logging.KeyMessageID, id),
			logging.Stringer(logging.KeyRemote, target),
			logging.Error(err))
		h.complete(p, false)
	}
	return nil
}

// findByPeer returns the connection owner holds to addr
func (h *Hub) findByPeer(owner relay.Identity, addr relay.Address) *pooled {
	for _, pc := range h.pool {
		if pc.owner != owner {
			continue
		}
		live, err := pc.conn.LivePeer()
		if err == nil && live == addr {
			return pc
		}
	}
	return nil
}

func (h *Hub) connect(num int, sender relay.Identity, target relay.Address) (*pooled, error) {
	local := relay.RelayAddress(sender, h.opts.SocketName, h.reply)
	ep, err := h.opts.Transport.CreateEndpoint("msghub-connect")
	if err != nil {
		return nil, fmt.Errorf("create message endpoint: %w", err)
	}
	ep.SetHandler(h)
	if err := ep.Bind(local); err != nil {
		_ = ep.Close()
		return nil, fmt.Errorf("bind message endpoint %s: %w", local, err)
	}
	if err := ep.Connect(target); err != nil {
		_ = ep.Close()
		return nil, fmt.Errorf("connect message endpoint %s: %w", target, err)
	}

	pc := h.addPooled(target, ep, peerconn.StatePending, num, sender)
	h.logger.Debug("Opening message connection",
		logging.Stringer(logging.KeyLocal, local),
		logging.Stringer(logging.KeyRemote, target))
	return pc, nil
}

func (h *Hub) addPooled(peer relay.Address, ep relay.Endpoint, state peerconn.State, num int, owner relay.Identity) *pooled {
	c := peerconn.New(peer, ep, state, &peerconn.Options{
		OwnsHandle: true,
		Pool:       metrics.PoolMessage,
		Logger:     h.logger,
		Metrics:    h.metrics,
	})
	c.SetLocalUser(num)
	pc := &pooled{
		conn:      c,
		owner:     owner,
		localUser: num,
		expires:   h.clock.Now().Add(h.opts.IdleTimeout),
	}
	h.pool = append(h.pool, pc)
	return pc
}

// Tick drains every pooled connection and evicts idle ones. Idle time is
// measured on the hub clock; delta is only logged.
func (h *Hub) Tick(delta time.Duration) {
	if h.closed {
		return
	}
	if delta > h.opts.IdleTimeout {
		h.logger.Warn("Tick interval exceeds the idle window", logging.Duration("delta", delta))
	}
	for _, pc := range append([]*pooled(nil), h.pool...) {
		h.drain(pc)
	}
	h.evict()
}

func (h *Hub) drain(pc *pooled) {
	for pc.conn.Valid() {
		ep := pc.conn.Handle()
		size, ok := ep.PendingData()
		if !ok {
			return
		}
		buf := make([]byte, size)
		n, from, err := pc.conn.ReceiveRaw(buf)
		if err != nil {
			if !errors.Is(err, relay.ErrNoPendingData) {
				h.logger.Warn("Message receive failed", logging.Error(err))
			}
			return
		}
		h.metrics.RecordBytesReceived(metrics.PoolMessage, n)
		pc.expires = h.clock.Now().Add(h.opts.IdleTimeout)

		var f frame
		if err := f.UnmarshalBinary(buf[:n]); err != nil {
			h.logger.Warn("Dropped malformed message frame",
				logging.Stringer(logging.KeyRemote, from),
				logging.Error(err))
			h.metrics.RecordDrop(metrics.ReasonMalformed)
			continue
		}
		if f.ack {
			h.handleAck(pc, f.id)
		} else {
			h.handleRequest(pc, from, f)
		}
	}
}

func (h *Hub) handleRequest(pc *pooled, from relay.Address, f frame) {
	ack, _ := frame{id: f.id, ack: true}.MarshalBinary()
	// Acks go to the datagram's sender, which on accepted connections is
	// the true remote.
	n, err := pc.conn.Handle().SendTo(ack, from)
	if err != nil {
		h.logger.Warn("Ack send failed, dropping message",
			logging.Uint64(logging.KeyMessageID, f.id),
			logging.Stringer(logging.KeyRemote, from),
			logging.Error(err))
		return
	}
	h.metrics.RecordBytesSent(metrics.PoolMessage, n)
	h.metrics.RecordMessageReceived()

	h.logger.Debug("Message received",
		logging.Uint64(logging.KeyMessageID, f.id),
		logging.Stringer(logging.KeyRemote, from),
		logging.String("type", f.typ))
	if h.opts.OnMessage != nil {
		h.opts.OnMessage(from.Identity, pc.owner, f.typ, f.payload)
	}
}

func (h *Hub) handleAck(pc *pooled, id uint64) {
	p, ok := h.pending[id]
	if !ok {
		if h.completed.Contains(id) {
			h.logger.Warn("Message already acknowledged", logging.Uint64(logging.KeyMessageID, id))
			h.metrics.RecordAckAnomaly(metrics.ReasonDuplicateAck)
		} else {
			h.logger.Warn("Ack for unknown message", logging.Uint64(logging.KeyMessageID, id))
			h.metrics.RecordAckAnomaly(metrics.ReasonStaleAck)
		}
		return
	}
	if p.sender != pc.owner {
		h.logger.Warn("Ack arrived on a connection of another user",
			logging.Uint64(logging.KeyMessageID, id),
			logging.Stringer(logging.KeyIdentity, p.sender),
			logging.String("owner", pc.owner.String()))
		h.metrics.RecordAckAnomaly(metrics.ReasonOwnerMismatch)
		return
	}
	h.complete(p, true)
}

func (h *Hub) evict() {
	now := h.clock.Now()
	kept := h.pool[:0]
	var gone []*pooled
	for _, pc := range h.pool {
		switch {
		case !pc.conn.Valid() || pc.conn.State() == peerconn.StateClosed:
			gone = append(gone, pc)
		case now.After(pc.expires):
			h.logger.Debug("Evicting idle message connection",
				logging.Stringer(logging.KeyPeer, pc.conn.Peer()))
			h.metrics.RecordIdleEviction()
			gone = append(gone, pc)
		default:
			kept = append(kept, pc)
		}
	}
	for i := len(kept); i < len(h.pool); i++ {
		h.pool[i] = nil
	}
	h.pool = kept

	for _, pc := range gone {
		h.release(pc, "idle")
	}
}

// release closes pc and fails every pending message sent on it; pc must
// already be out of the pool
func (h *Hub) release(pc *pooled, reason string) {
	h.closeConn(pc, reason)
	for _, p := range h.pendingOn(pc) {
		h.complete(p, false)
	}
}

func (h *Hub) closeConn(pc *pooled, reason string) {
	if pc.conn.State() == peerconn.StateOpen {
		h.metrics.RecordConnectionClosed(metrics.PoolMessage, reason)
	}
	_ = pc.conn.Close()
}

func (h *Hub) remove(pc *pooled) bool {
	for i, other := range h.pool {
		if other == pc {
			h.pool = append(h.pool[:i], h.pool[i+1:]...)
			return true
		}
	}
	return false
}

// pendingOn returns the pending messages of pc in id order
func (h *Hub) pendingOn(pc *pooled) []*pendingAck {
	var out []*pendingAck
	for _, p := range h.pending {
		if pc == nil || p.conn == pc {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (h *Hub) complete(p *pendingAck, ok bool) {
	if _, live := h.pending[p.id]; !live {
		return
	}
	delete(h.pending, p.id)
	h.completed.Add(p.id, struct{}{})
	h.metrics.RecordMessageResult(ok, h.clock.Since(p.sentAt).Seconds())

	h.logger.Debug("Message completed",
		logging.Uint64(logging.KeyMessageID, p.id),
		logging.Bool("ok", ok))
	if p.onSent != nil {
		p.onSent(ok)
	}
}

// Pending returns the number of messages waiting for an ack
func (h *Hub) Pending() int {
	return len(h.pending)
}

// PoolSize returns the number of pooled connections
func (h *Hub) PoolSize() int {
	return len(h.pool)
}

// Close tears down every listener and connection and fails pending
// messages. It is safe to call more than once.
func (h *Hub) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true

	pool := h.pool
	h.pool = nil
	for _, pc := range pool {
		h.closeConn(pc, "closed")
	}
	for _, p := range h.pendingOn(nil) {
		h.complete(p, false)
	}

	var err error
	for num, l := range h.listeners {
		err = multierr.Append(err, l.endpoint.Close())
		delete(h.listeners, num)
	}
	h.logger.Debug("Message hub closed")
	return err
}
