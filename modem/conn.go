package modem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"strconv"
	"sync"
	"time"

	"i4.energy/across/wncmodem/at"
)

// Conn is a modem socket presented as a net.Conn.
type Conn struct {
	modem  *Modem
	id     int
	proto  at.Protocol
	local  netip.Addr
	remote netip.AddrPort

	// ctx is cancelled by Close so that a blocked Read returns.
	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	readDeadline  time.Time
	writeDeadline time.Time
}

var _ net.Conn = (*Conn)(nil)

// Dial opens a socket and connects it to address. network is "tcp" or
// "udp". Host names are resolved through the modem first.
func (m *Modem) Dial(ctx context.Context, network, address string) (*Conn, error) {
	var proto at.Protocol
	switch network {
	case "tcp", "tcp4":
		proto = at.TCP
	case "udp", "udp4":
		proto = at.UDP
	default:
		return nil, fmt.Errorf("dial %s: %w", network, net.UnknownNetworkError(network))
	}

	host, portText, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("dial %s: %w: port %q", address, at.ErrInvalidField, portText)
	}

	ip, err := netip.ParseAddr(host)
	if err != nil {
		if ip, err = m.Resolve(ctx, host); err != nil {
			return nil, err
		}
	}

	id, err := m.OpenSocket(ctx, proto)
	if err != nil {
		return nil, err
	}
	if err := m.ConnectSocket(ctx, id, ip.String(), port); err != nil {
		if cerr := m.CloseSocket(context.WithoutCancel(ctx), id); cerr != nil {
			m.logger.Debug("close after failed connect", "socket", id, "error", cerr)
		}
		return nil, err
	}

	c := &Conn{
		modem:  m,
		id:     id,
		proto:  proto,
		remote: netip.AddrPortFrom(ip, uint16(port)),
	}
	if st, err := m.IPAddress(ctx); err == nil {
		c.local = st.Addr
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// ID returns the modem socket id behind c.
func (c *Conn) ID() int { return c.id }

// Read waits for data until the read deadline. Without a deadline it waits
// until data arrives, the peer closes the connection or c is closed. A
// peer close is reported as io.EOF.
func (c *Conn) Read(b []byte) (int, error) {
	for {
		c.mu.Lock()
		deadline := c.readDeadline
		c.mu.Unlock()

		timeout := c.modem.config.ReceiveTimeout
		if !deadline.IsZero() {
			timeout = time.Until(deadline)
			if timeout <= 0 {
				return 0, os.ErrDeadlineExceeded
			}
		}

		n, err := c.modem.Receive(c.ctx, c.id, b, timeout)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, errEndOfData):
			return 0, io.EOF
		case errors.Is(err, ErrWouldBlock):
			continue
		case c.ctx.Err() != nil:
			return 0, net.ErrClosed
		default:
			return 0, err
		}
	}
}

// Write sends b. A write deadline bounds the whole send.
func (c *Conn) Write(b []byte) (int, error) {
	ctx := c.ctx
	c.mu.Lock()
	deadline := c.writeDeadline
	c.mu.Unlock()
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	n, err := c.modem.Send(ctx, c.id, b)
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, context.DeadlineExceeded):
		return 0, os.ErrDeadlineExceeded
	case c.ctx.Err() != nil:
		return 0, net.ErrClosed
	default:
		return 0, err
	}
}

// Close closes the modem socket.
func (c *Conn) Close() error {
	if c.ctx.Err() != nil {
		return net.ErrClosed
	}
	c.cancel()
	return c.modem.CloseSocket(context.Background(), c.id)
}

func (c *Conn) LocalAddr() net.Addr {
	return c.addr(netip.AddrPortFrom(c.local, 0))
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.addr(c.remote)
}

func (c *Conn) addr(ap netip.AddrPort) net.Addr {
	if c.proto == at.UDP {
		return net.UDPAddrFromAddrPort(ap)
	}
	return net.TCPAddrFromAddrPort(ap)
}

func (c *Conn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline, c.writeDeadline = t, t
	return nil
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline = t
	return nil
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeDeadline = t
	return nil
}

// Listen is not offered by the modem.
func (m *Modem) Listen(ctx context.Context, network, address string) (net.Listener, error) {
	return nil, fmt.Errorf("listen %s %s: %w", network, address, ErrUnsupported)
}

// Bind is not offered by the modem.
func (m *Modem) Bind(ctx context.Context, id int, port int) error {
	return fmt.Errorf("bind socket %d to port %d: %w", id, port, ErrUnsupported)
}
