// Package ipnet is the direct-IP transport used when a game is hosted or
// joined by IP address instead of through the relay.
package ipnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/julienstroheker/hexrelay/internal/logging"
)

const (
	maxDatagram       = 64 * 1024
	defaultQueueDepth = 1024
)

var (
	// ErrClosed is returned by a closed driver
	ErrClosed = errors.New("ip driver is closed")
	// ErrNotOpen is returned before Connect or Listen succeeded
	ErrNotOpen = errors.New("ip driver is not open")
	// ErrAlreadyOpen is returned when Connect or Listen is called twice
	ErrAlreadyOpen = errors.New("ip driver is already open")
)

// Driver is a non-blocking datagram transport on IP addresses
type Driver interface {
	// Connect opens an ephemeral local socket aimed at host:port and
	// returns the resolved server address
	Connect(ctx context.Context, host string, port int) (netip.AddrPort, error)

	// Listen opens a socket on port and returns its local address
	Listen(port int) (netip.AddrPort, error)

	// Poll calls fn for every datagram received since the last call
	Poll(fn func(from netip.AddrPort, p []byte)) error

	// SendTo sends one datagram
	SendTo(addr netip.AddrPort, p []byte) (int, error)

	// LocalAddress returns the bound address
	LocalAddress() netip.AddrPort

	// Close releases the socket
	Close() error
}

type packet struct {
	from netip.AddrPort
	data []byte
}

// UDPDriver implements Driver on a net.UDPConn. A reader goroutine feeds a
// bounded queue that Poll drains without blocking.
type UDPDriver struct {
	logger *logging.Logger

	mu     sync.Mutex
	conn   *net.UDPConn
	closed bool
	queue  chan packet
	done   chan struct{}
}

// NewUDPDriver creates an unopened driver
func NewUDPDriver(logger *logging.Logger) *UDPDriver {
	return &UDPDriver{
		logger: logger.With(logging.String(logging.KeyComponent, "ipnet")),
		queue:  make(chan packet, defaultQueueDepth),
		done:   make(chan struct{}),
	}
}

// Connect resolves host and opens an ephemeral socket
func (d *UDPDriver) Connect(ctx context.Context, host string, port int) (netip.AddrPort, error) {
	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(ips) == 0 {
		return netip.AddrPort{}, fmt.Errorf("resolve %s: no addresses", host)
	}
	server := netip.AddrPortFrom(ips[0].Unmap(), uint16(port))

	network := "udp4"
	if server.Addr().Is6() {
		network = "udp6"
	}
	if _, err := d.open(network, &net.UDPAddr{}); err != nil {
		return netip.AddrPort{}, err
	}
	return server, nil
}

// Listen binds all interfaces on port. The socket is dual-stack where the
// host supports it, so IPv4 and IPv6 joiners both reach it.
func (d *UDPDriver) Listen(port int) (netip.AddrPort, error) {
	return d.open("udp", &net.UDPAddr{Port: port})
}

func (d *UDPDriver) open(network string, laddr *net.UDPAddr) (netip.AddrPort, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return netip.AddrPort{}, ErrClosed
	}
	if d.conn != nil {
		return netip.AddrPort{}, ErrAlreadyOpen
	}

	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("listen udp %s: %w", laddr, err)
	}
	d.conn = conn
	go d.readLoop(conn)

	local := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	d.logger.Debug("UDP socket opened", logging.Stringer(logging.KeyLocal, local))
	return local, nil
}

func (d *UDPDriver) readLoop(conn *net.UDPConn) {
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				d.logger.Warn("UDP read failed", logging.Error(err))
			}
			return
		}

		p := packet{from: netip.AddrPortFrom(from.Addr().Unmap(), from.Port()), data: append([]byte(nil), buf[:n]...)}
		select {
		case d.queue <- p:
		case <-d.done:
			return
		default:
			d.logger.Warn("UDP receive queue full, dropping datagram",
				logging.Stringer(logging.KeyRemote, p.from))
		}
	}
}

// Poll drains queued datagrams
func (d *UDPDriver) Poll(fn func(from netip.AddrPort, p []byte)) error {
	d.mu.Lock()
	closed, open := d.closed, d.conn != nil
	d.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !open {
		return ErrNotOpen
	}

	for {
		select {
		case p := <-d.queue:
			fn(p.from, p.data)
		default:
			return nil
		}
	}
}

// SendTo sends one datagram to addr
func (d *UDPDriver) SendTo(addr netip.AddrPort, p []byte) (int, error) {
	d.mu.Lock()
	conn, closed := d.conn, d.closed
	d.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}
	if conn == nil {
		return 0, ErrNotOpen
	}
	return conn.WriteToUDPAddrPort(p, addr)
}

// LocalAddress returns the bound address, or the zero value
func (d *UDPDriver) LocalAddress() netip.AddrPort {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return netip.AddrPort{}
	}
	return d.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Close is idempotent
func (d *UDPDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	close(d.done)
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}

// LocalAdapterAddresses returns the non-loopback unicast addresses of the
// host's adapters with port attached
func LocalAdapterAddresses(port int) ([]netip.AddrPort, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("list interface addresses: %w", err)
	}
	return filterAdapterAddresses(addrs, port), nil
}

func filterAdapterAddresses(addrs []net.Addr, port int) []netip.AddrPort {
	var out []netip.AddrPort
	for _, a := range addrs {
		prefix, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip, ok := netip.AddrFromSlice(prefix.IP)
		if !ok {
			continue
		}
		ip = ip.Unmap()
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsMulticast() || ip.IsUnspecified() {
			continue
		}
		out = append(out, netip.AddrPortFrom(ip, uint16(port)))
	}
	return out
}

var _ Driver = (*UDPDriver)(nil)
