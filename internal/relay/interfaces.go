package relay

import "errors"

var (
	// ErrEndpointClosed is returned by any call on a closed endpoint
	ErrEndpointClosed = errors.New("relay endpoint is closed")
	// ErrNotBound is returned when an operation needs a bound endpoint
	ErrNotBound = errors.New("relay endpoint is not bound")
	// ErrAlreadyBound is returned when binding an endpoint twice
	ErrAlreadyBound = errors.New("relay endpoint is already bound")
	// ErrAddressInUse is returned when another endpoint already owns the address
	ErrAddressInUse = errors.New("relay address is already in use")
	// ErrNoRoute is returned when nobody receives datagrams at the destination
	ErrNoRoute = errors.New("no relay route to destination")
	// ErrNoPendingData is returned by ReceiveFrom when nothing is queued
	ErrNoPendingData = errors.New("no pending relay data")
	// ErrNotConnected is returned when an endpoint has no peer
	ErrNotConnected = errors.New("relay endpoint is not connected")
	// ErrBufferTooSmall is returned when a datagram does not fit the buffer
	ErrBufferTooSmall = errors.New("buffer too small for relay datagram")
)

// Transport creates relay endpoints. Notifications for every endpoint of a
// transport are delivered from Pump, on the caller's goroutine.
type Transport interface {
	// CreateEndpoint allocates an unbound endpoint
	CreateEndpoint(description string) (Endpoint, error)

	// Pump delivers queued connection notifications to endpoint handlers
	Pump()
}

// Endpoint is one relay handle: a listening socket, an outbound connection,
// or a connection accepted on a listening socket. No call blocks, except
// Listen on transports that register the address with a remote relay.
type Endpoint interface {
	// ID returns a unique identifier for logging and bookkeeping
	ID() string

	// Bind assigns the local relay address
	Bind(addr Address) error

	// Listen starts accepting connection requests on the bound address.
	// It returns once the address is registered or registration failed.
	Listen(backlog int) error

	// Connect issues a connection request to remote; completion is notified
	Connect(remote Address) error

	// SendTo sends one datagram to the given address
	SendTo(p []byte, to Address) (int, error)

	// ReceiveFrom reads one queued datagram and its sender
	ReceiveFrom(p []byte) (int, Address, error)

	// PendingData reports the size of the next queued datagram
	PendingData() (int, bool)

	// PeerAddress returns the remote address of a connected endpoint
	PeerAddress() (Address, error)

	// LocalAddress returns the bound address
	LocalAddress() Address

	// SetHandler installs the notification handler
	SetHandler(h Handler)

	// Closed reports whether the handle is no longer usable
	Closed() bool

	// Close releases the handle and notifies connected peers
	Close() error
}

// Handler receives connection notifications. listening is nil for
// notifications about outbound connections.
type Handler interface {
	// IncomingConnection decides whether a connection request is accepted
	IncomingConnection(local, remote Address) bool

	// ConnectionAccepted reports an established connection
	ConnectionAccepted(listening, accepted Endpoint, local, remote Address)

	// ConnectionClosed reports that the remote side closed or refused
	ConnectionClosed(listening, closed Endpoint)
}
