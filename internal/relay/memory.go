package relay

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/julienstroheker/hexrelay/internal/logging"
)

// MemoryNetwork is an in-process relay used in local mode and in tests.
//
// Datagrams addressed to D from S are queued on the endpoint listening at D
// when there is one, otherwise on an endpoint bound at D whose peer is S.
// Accepted connections share their listener's queue and only see datagrams
// sent by their own peer.
type MemoryNetwork struct {
	mu        sync.Mutex
	endpoints map[string]*memoryEndpoint
	events    []func()
	logger    *logging.Logger
}

// NewMemoryNetwork creates an empty in-memory relay network
func NewMemoryNetwork(logger *logging.Logger) *MemoryNetwork {
	return &MemoryNetwork{
		endpoints: make(map[string]*memoryEndpoint),
		logger:    logger.With(logging.String(logging.KeyComponent, "memory-relay")),
	}
}

// CreateEndpoint allocates an unbound endpoint
func (n *MemoryNetwork) CreateEndpoint(description string) (Endpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ep := &memoryEndpoint{
		network:     n,
		id:          uuid.New().String(),
		description: description,
	}
	n.endpoints[ep.id] = ep
	return ep, nil
}

// Pump delivers queued notifications until none are left
func (n *MemoryNetwork) Pump() {
	for {
		n.mu.Lock()
		events := n.events
		n.events = nil
		n.mu.Unlock()

		if len(events) == 0 {
			return
		}
		for _, ev := range events {
			ev()
		}
	}
}

// EndpointCount returns the number of open endpoints
func (n *MemoryNetwork) EndpointCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.endpoints)
}

// enqueue must be called with n.mu held
func (n *MemoryNetwork) enqueue(ev func()) {
	n.events = append(n.events, ev)
}

// listenerAt must be called with n.mu held
func (n *MemoryNetwork) listenerAt(addr Address) *memoryEndpoint {
	for _, ep := range n.endpoints {
		if ep.listening && ep.bound && ep.local == addr {
			return ep
		}
	}
	return nil
}

// connectedAt must be called with n.mu held
func (n *MemoryNetwork) connectedAt(local, peer Address, except *memoryEndpoint) *memoryEndpoint {
	for _, ep := range n.endpoints {
		if ep == except || ep.parent != nil || ep.listening || !ep.bound {
			continue
		}
		if ep.local == local && (ep.connected || ep.connecting) && ep.peer == peer {
			return ep
		}
	}
	return nil
}

type datagram struct {
	from Address
	data []byte
}

type memoryEndpoint struct {
	network     *MemoryNetwork
	id          string
	description string

	local      Address
	bound      bool
	listening  bool
	backlog    int
	peer       Address
	connecting bool
	connected  bool
	closed     bool

	// parent is set on accepted connections; children on listeners
	parent   *memoryEndpoint
	children []*memoryEndpoint
	// remote is the endpoint on the other side of an established connection
	remote *memoryEndpoint

	queue   []datagram
	handler Handler
}

func (e *memoryEndpoint) ID() string {
	return e.id
}

func (e *memoryEndpoint) String() string {
	return fmt.Sprintf("%s(%s)", e.description, e.id[:8])
}

func (e *memoryEndpoint) Bind(addr Address) error {
	n := e.network
	n.mu.Lock()
	defer n.mu.Unlock()

	if e.closed {
		return ErrEndpointClosed
	}
	if e.bound {
		return ErrAlreadyBound
	}
	if addr.IsZero() || addr.IsIP() {
		return fmt.Errorf("invalid relay address %s", addr)
	}
	e.local = addr
	e.bound = true
	return nil
}

func (e *memoryEndpoint) Listen(backlog int) error {
	n := e.network
	n.mu.Lock()
	defer n.mu.Unlock()

	if e.closed {
		return ErrEndpointClosed
	}
	if !e.bound {
		return ErrNotBound
	}
	if other := n.listenerAt(e.local); other != nil && other != e {
		return fmt.Errorf("listen on %s: %w", e.local, ErrAddressInUse)
	}
	e.listening = true
	e.backlog = backlog
	return nil
}

func (e *memoryEndpoint) Connect(remote Address) error {
	n := e.network
	n.mu.Lock()
	defer n.mu.Unlock()

	if e.closed {
		return ErrEndpointClosed
	}
	if !e.bound {
		return ErrNotBound
	}
	if e.listening || e.parent != nil {
		return fmt.Errorf("connect on %s: endpoint is not an outbound socket", e.local)
	}
	if other := n.connectedAt(e.local, remote, e); other != nil {
		return fmt.Errorf("connect %s -> %s: %w", e.local, remote, ErrAddressInUse)
	}

	e.peer = remote
	e.connecting = true
	n.enqueue(func() { n.completeConnect(e, remote) })
	return nil
}

// completeConnect runs from Pump without the lock held
func (n *MemoryNetwork) completeConnect(e *memoryEndpoint, remote Address) {
	n.mu.Lock()
	if e.closed || !e.connecting {
		n.mu.Unlock()
		return
	}
	listener := n.listenerAt(remote)
	var listenHandler Handler
	if listener != nil {
		listenHandler = listener.handler
	}
	local := e.local
	n.mu.Unlock()

	accept := listener != nil
	if accept && listenHandler != nil {
		accept = listenHandler.IncomingConnection(remote, local)
	}

	n.mu.Lock()
	if accept && (listener.closed || (listener.backlog > 0 && len(listener.children) >= listener.backlog)) {
		accept = false
	}
	if e.closed {
		n.mu.Unlock()
		return
	}
	e.connecting = false
	if !accept {
		e.peer = Address{}
		handler := e.handler
		n.mu.Unlock()
		n.logger.Debug("Connection refused",
			logging.Stringer(logging.KeyLocal, local),
			logging.Stringer(logging.KeyRemote, remote))
		if handler != nil {
			handler.ConnectionClosed(nil, e)
		}
		return
	}

	child := &memoryEndpoint{
		network:     n,
		id:          uuid.New().String(),
		description: listener.description + "/accepted",
		local:       listener.local,
		bound:       true,
		peer:        local,
		connected:   true,
		parent:      listener,
		remote:      e,
	}
	n.endpoints[child.id] = child
	listener.children = append(listener.children, child)
	e.connected = true
	e.remote = child
	handler := e.handler
	listenHandler = listener.handler
	n.mu.Unlock()

	n.logger.Debug("Connection established",
		logging.Stringer(logging.KeyLocal, local),
		logging.Stringer(logging.KeyRemote, remote))

	if listenHandler != nil {
		listenHandler.ConnectionAccepted(listener, child, remote, local)
	}
	if handler != nil {
		handler.ConnectionAccepted(nil, e, local, remote)
	}
}

func (e *memoryEndpoint) SendTo(p []byte, to Address) (int, error) {
	n := e.network
	n.mu.Lock()
	defer n.mu.Unlock()

	if e.closed {
		return 0, ErrEndpointClosed
	}
	if !e.bound {
		return 0, ErrNotBound
	}

	dst := n.listenerAt(to)
	if dst == nil {
		dst = n.connectedAt(to, e.local, nil)
	}
	if dst == nil || dst.closed {
		return 0, fmt.Errorf("send %s -> %s: %w", e.local, to, ErrNoRoute)
	}

	data := make([]byte, len(p))
	copy(data, p)
	dst.queue = append(dst.queue, datagram{from: e.local, data: data})
	return len(p), nil
}

// next returns the queue holding e's datagrams and the index of the next
// one; must be called with the lock held
func (e *memoryEndpoint) next() (*memoryEndpoint, int) {
	if e.parent == nil {
		if len(e.queue) == 0 {
			return e, -1
		}
		return e, 0
	}
	for i, dg := range e.parent.queue {
		if dg.from == e.peer {
			return e.parent, i
		}
	}
	return e.parent, -1
}

func (e *memoryEndpoint) ReceiveFrom(p []byte) (int, Address, error) {
	n := e.network
	n.mu.Lock()
	defer n.mu.Unlock()

	if e.closed {
		return 0, Address{}, ErrEndpointClosed
	}
	owner, i := e.next()
	if i < 0 {
		return 0, Address{}, ErrNoPendingData
	}
	dg := owner.queue[i]
	if len(p) < len(dg.data) {
		return 0, Address{}, ErrBufferTooSmall
	}
	owner.queue = append(owner.queue[:i], owner.queue[i+1:]...)
	return copy(p, dg.data), dg.from, nil
}

func (e *memoryEndpoint) PendingData() (int, bool) {
	n := e.network
	n.mu.Lock()
	defer n.mu.Unlock()

	if e.closed {
		return 0, false
	}
	owner, i := e.next()
	if i < 0 {
		return 0, false
	}
	return len(owner.queue[i].data), true
}

func (e *memoryEndpoint) PeerAddress() (Address, error) {
	n := e.network
	n.mu.Lock()
	defer n.mu.Unlock()

	if e.closed {
		return Address{}, ErrEndpointClosed
	}
	if !e.connected && !e.connecting {
		return Address{}, ErrNotConnected
	}
	return e.peer, nil
}

func (e *memoryEndpoint) LocalAddress() Address {
	n := e.network
	n.mu.Lock()
	defer n.mu.Unlock()
	return e.local
}

func (e *memoryEndpoint) SetHandler(h Handler) {
	n := e.network
	n.mu.Lock()
	e.handler = h
	n.mu.Unlock()
}

func (e *memoryEndpoint) Closed() bool {
	n := e.network
	n.mu.Lock()
	defer n.mu.Unlock()
	return e.closed
}

// Close is idempotent
func (e *memoryEndpoint) Close() error {
	n := e.network
	n.mu.Lock()
	defer n.mu.Unlock()

	n.closeLocked(e)
	return nil
}

// closeLocked tears e down and queues notifications for its peers
func (n *MemoryNetwork) closeLocked(e *memoryEndpoint) {
	if e.closed {
		return
	}
	e.closed = true
	e.connecting = false
	delete(n.endpoints, e.id)
	e.removeFromParent()

	children := e.children
	e.children = nil
	for _, child := range children {
		n.closeLocked(child)
	}
	e.queue = nil

	remote := e.remote
	e.remote = nil
	if remote == nil || remote.closed {
		return
	}

	remote.remote = nil
	if remote.parent != nil {
		// The accepted side of our outbound connection goes away with it.
		listener := remote.parent
		remote.closed = true
		remote.connected = false
		delete(n.endpoints, remote.id)
		remote.removeFromParent()
		n.enqueue(func() {
			n.mu.Lock()
			h := listener.handler
			n.mu.Unlock()
			if h != nil {
				h.ConnectionClosed(listener, remote)
			}
		})
		return
	}

	remote.connected = false
	n.enqueue(func() {
		n.mu.Lock()
		h := remote.handler
		n.mu.Unlock()
		if h != nil {
			h.ConnectionClosed(nil, remote)
		}
	})
}

// removeFromParent detaches an accepted connection from its listener; must
// be called with the lock held
func (e *memoryEndpoint) removeFromParent() {
	if e.parent == nil {
		return
	}
	for i, c := range e.parent.children {
		if c == e {
			e.parent.children = append(e.parent.children[:i], e.parent.children[i+1:]...)
			return
		}
	}
}

var _ Transport = (*MemoryNetwork)(nil)
var _ Endpoint = (*memoryEndpoint)(nil)
