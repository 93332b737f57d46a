package relay

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienstroheker/hexrelay/internal/logging"
	"go.uber.org/multierr"
)

const (
	// fromHeader carries the dialer's relay address to the listener
	fromHeader = "X-Hexrelay-From"

	defaultQueueLimit   = 1024
	defaultSendBuffer   = 256
	defaultWriteTimeout = 10 * time.Second
	listenTimeout       = 30 * time.Second
)

// ErrSendQueueFull is returned when a hybrid connection cannot take more datagrams
var ErrSendQueueFull = fmt.Errorf("relay send queue is full")

// TokenSource issues credentials for one hybrid connection
type TokenSource interface {
	Token(ctx context.Context, hybridConnection string) (string, error)
}

// Provisioner creates hybrid connections before the first listener attaches
type Provisioner interface {
	CreateHybridConnection(ctx context.Context, name string) error
}

// AzureTransportOptions contains configuration for the Azure Relay transport
type AzureTransportOptions struct {
	RelayEndpoint string          // e.g., "myrelay.servicebus.windows.net"
	Tokens        TokenSource     // credentials for listen and connect
	Provisioner   Provisioner     // optional, creates hybrid connections on Listen
	Scheme        string          // "wss" unless testing against a plain server
	QueueLimit    int             // datagrams kept per receive queue
	Logger        *logging.Logger // optional
}

// AzureTransport carries relay datagrams over Azure Relay Hybrid Connections.
// Every bound address maps to one hybrid connection; each datagram is one
// binary WebSocket message and its sender is the peer of the connection it
// arrived on.
type AzureTransport struct {
	relayEndpoint string
	scheme        string
	tokens        TokenSource
	provisioner   Provisioner
	queueLimit    int
	logger        *logging.Logger
	dialer        websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	endpoints map[string]*azureEndpoint
	events    []func()
}

// NewAzureTransport creates a transport bound to one relay namespace
func NewAzureTransport(opts *AzureTransportOptions) (*AzureTransport, error) {
	if opts == nil {
		return nil, fmt.Errorf("options cannot be nil")
	}
	if opts.RelayEndpoint == "" {
		return nil, fmt.Errorf("relay endpoint is required")
	}
	if opts.Tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}

	scheme := opts.Scheme
	if scheme == "" {
		scheme = "wss"
	}
	queueLimit := opts.QueueLimit
	if queueLimit <= 0 {
		queueLimit = defaultQueueLimit
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &AzureTransport{
		relayEndpoint: strings.TrimSuffix(strings.TrimPrefix(opts.RelayEndpoint, "https://"), "/"),
		scheme:        scheme,
		tokens:        opts.Tokens,
		provisioner:   opts.Provisioner,
		queueLimit:    queueLimit,
		logger:        opts.Logger.With(logging.String(logging.KeyComponent, "azure-relay")),
		dialer:        websocket.Dialer{HandshakeTimeout: 30 * time.Second},
		ctx:           ctx,
		cancel:        cancel,
		endpoints:     make(map[string]*azureEndpoint),
	}, nil
}

var hcNameInvalid = regexp.MustCompile(`[^a-z0-9-]+`)

// HybridConnectionName maps a relay address to its hybrid connection
func HybridConnectionName(addr Address) string {
	raw := fmt.Sprintf("hc-%s-%s-%d", addr.Identity.Key(), addr.Socket, addr.Channel)
	name := hcNameInvalid.ReplaceAllString(strings.ToLower(raw), "-")
	if len(name) > 260 {
		name = name[:260]
	}
	return name
}

// CreateEndpoint allocates an unbound endpoint
func (t *AzureTransport) CreateEndpoint(description string) (Endpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ctx.Err() != nil {
		return nil, ErrEndpointClosed
	}
	ep := &azureEndpoint{
		transport:   t,
		id:          uuid.New().String(),
		description: description,
	}
	t.endpoints[ep.id] = ep
	return ep, nil
}

// Pump delivers notifications queued by the background readers
func (t *AzureTransport) Pump() {
	for {
		t.mu.Lock()
		events := t.events
		t.events = nil
		t.mu.Unlock()

		if len(events) == 0 {
			return
		}
		for _, ev := range events {
			ev()
		}
	}
}

// Close closes every endpoint and stops background work
func (t *AzureTransport) Close() error {
	t.cancel()

	t.mu.Lock()
	eps := make([]*azureEndpoint, 0, len(t.endpoints))
	for _, ep := range t.endpoints {
		if ep.parent == nil {
			eps = append(eps, ep)
		}
	}
	t.mu.Unlock()

	var err error
	for _, ep := range eps {
		err = multierr.Append(err, ep.Close())
	}
	return err
}

// enqueue must be called with t.mu held
func (t *AzureTransport) enqueue(ev func()) {
	t.events = append(t.events, ev)
}

// push appends a datagram to the owner's queue, dropping the oldest on
// overflow; must be called with t.mu held
func (t *AzureTransport) push(owner *azureEndpoint, dg datagram) {
	if len(owner.queue) >= t.queueLimit {
		owner.queue = owner.queue[1:]
		t.logger.Warn("Receive queue full, dropping oldest datagram",
			logging.Stringer(logging.KeyLocal, owner.local))
	}
	owner.queue = append(owner.queue, dg)
}

// readLoop moves inbound datagrams of one hybrid connection into the queue
func (t *AzureTransport) readLoop(ep *azureEndpoint, link *wsLink) {
	for {
		messageType, data, err := link.conn.ReadMessage()
		if err != nil {
			t.linkLost(ep, link, err)
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		t.mu.Lock()
		if ep.closed {
			t.mu.Unlock()
			return
		}
		owner := ep
		if ep.parent != nil {
			owner = ep.parent
		}
		t.push(owner, datagram{from: ep.peer, data: data})
		t.mu.Unlock()
	}
}

// linkLost reports a remote close of an established hybrid connection
func (t *AzureTransport) linkLost(ep *azureEndpoint, link *wsLink, cause error) {
	link.close()

	t.mu.Lock()
	if ep.closed || ep.link != link {
		t.mu.Unlock()
		return
	}
	ep.connected = false
	ep.link = nil
	listener := ep.parent
	if listener != nil {
		ep.closed = true
		delete(t.endpoints, ep.id)
		listener.removeChild(ep)
	}
	t.enqueue(func() {
		t.mu.Lock()
		h := ep.handler
		if listener != nil {
			h = listener.handler
		}
		t.mu.Unlock()
		if h != nil {
			h.ConnectionClosed(listener, ep)
		}
	})
	t.mu.Unlock()

	t.logger.Debug("Hybrid connection closed by remote",
		logging.Stringer(logging.KeyPeer, ep.peer),
		logging.Error(cause))
}

// wsLink owns one WebSocket and its writer goroutine
type wsLink struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newWSLink(conn *websocket.Conn) *wsLink {
	l := &wsLink{
		conn: conn,
		send: make(chan []byte, defaultSendBuffer),
		done: make(chan struct{}),
	}
	go l.writeLoop()
	return l
}

func (l *wsLink) writeLoop() {
	for {
		select {
		case <-l.done:
			return
		case p := <-l.send:
			_ = l.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
			if err := l.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
				l.close()
				return
			}
		}
	}
}

// enqueue never blocks
func (l *wsLink) enqueue(p []byte) error {
	select {
	case <-l.done:
		return ErrEndpointClosed
	default:
	}

	data := make([]byte, len(p))
	copy(data, p)
	select {
	case l.send <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (l *wsLink) close() {
	l.once.Do(func() {
		close(l.done)
		_ = l.conn.Close()
	})
}

// azureEndpoint is one relay handle on a hybrid connection
type azureEndpoint struct {
	transport   *AzureTransport
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

	parent   *azureEndpoint
	children []*azureEndpoint

	// control is the listener's control channel; link carries datagrams
	control *websocket.Conn
	link    *wsLink

	queue   []datagram
	handler Handler
}

func (e *azureEndpoint) ID() string {
	return e.id
}

func (e *azureEndpoint) Bind(addr Address) error {
	t := e.transport
	t.mu.Lock()
	defer t.mu.Unlock()

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

func (e *azureEndpoint) SendTo(p []byte, to Address) (int, error) {
	t := e.transport
	t.mu.Lock()
	if e.closed {
		t.mu.Unlock()
		return 0, ErrEndpointClosed
	}
	if !e.bound {
		t.mu.Unlock()
		return 0, ErrNotBound
	}

	var link *wsLink
	switch {
	case e.listening:
		for _, child := range e.children {
			if child.peer == to && child.link != nil {
				link = child.link
				break
			}
		}
	case e.peer == to:
		link = e.link
	}
	t.mu.Unlock()

	if link == nil {
		return 0, fmt.Errorf("send %s -> %s: %w", e.local, to, ErrNoRoute)
	}
	if err := link.enqueue(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// next must be called with the lock held; see memoryEndpoint.next
func (e *azureEndpoint) next() (*azureEndpoint, int) {
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

func (e *azureEndpoint) ReceiveFrom(p []byte) (int, Address, error) {
	t := e.transport
	t.mu.Lock()
	defer t.mu.Unlock()

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

func (e *azureEndpoint) PendingData() (int, bool) {
	t := e.transport
	t.mu.Lock()
	defer t.mu.Unlock()

	if e.closed {
		return 0, false
	}
	owner, i := e.next()
	if i < 0 {
		return 0, false
	}
	return len(owner.queue[i].data), true
}

func (e *azureEndpoint) PeerAddress() (Address, error) {
	t := e.transport
	t.mu.Lock()
	defer t.mu.Unlock()

	if e.closed {
		return Address{}, ErrEndpointClosed
	}
	if !e.connected && !e.connecting {
		return Address{}, ErrNotConnected
	}
	return e.peer, nil
}

func (e *azureEndpoint) LocalAddress() Address {
	t := e.transport
	t.mu.Lock()
	defer t.mu.Unlock()
	return e.local
}

func (e *azureEndpoint) SetHandler(h Handler) {
	t := e.transport
	t.mu.Lock()
	e.handler = h
	t.mu.Unlock()
}

func (e *azureEndpoint) Closed() bool {
	t := e.transport
	t.mu.Lock()
	defer t.mu.Unlock()
	return e.closed
}

// Close closes the hybrid connection sockets; remote sides learn about it
// from the WebSocket close
func (e *azureEndpoint) Close() error {
	t := e.transport
	t.mu.Lock()
	if e.closed {
		t.mu.Unlock()
		return nil
	}
	links, control := e.closeLocked()
	t.mu.Unlock()

	var err error
	for _, link := range links {
		link.close()
	}
	if control != nil {
		err = control.Close()
	}
	return err
}

// closeLocked marks e and its children closed and returns the sockets to shut
func (e *azureEndpoint) closeLocked() ([]*wsLink, *websocket.Conn) {
	t := e.transport
	e.closed = true
	e.connecting = false
	e.connected = false
	delete(t.endpoints, e.id)
	if e.parent != nil {
		e.parent.removeChild(e)
	}

	var links []*wsLink
	if e.link != nil {
		links = append(links, e.link)
		e.link = nil
	}
	children := e.children
	e.children = nil
	for _, child := range children {
		childLinks, _ := child.closeLocked()
		links = append(links, childLinks...)
	}
	e.queue = nil

	control := e.control
	e.control = nil
	return links, control
}

// removeChild must be called with the lock held
func (e *azureEndpoint) removeChild(child *azureEndpoint) {
	for i, c := range e.children {
		if c == child {
			e.children = append(e.children[:i], e.children[i+1:]...)
			return
		}
	}
}

var _ Transport = (*AzureTransport)(nil)
var _ Endpoint = (*azureEndpoint)(nil)
