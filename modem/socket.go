package modem

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"i4.energy/across/wncmodem/at"
)

// SocketState is the lifecycle position of an open socket.
type SocketState int

const (
	SocketOpen SocketState = iota
	SocketConnecting
	SocketConnected
	SocketFailed
)

func (s SocketState) String() string {
	switch s {
	case SocketOpen:
		return "open"
	case SocketConnecting:
		return "connecting"
	case SocketConnected:
		return "connected"
	case SocketFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type socket struct {
	proto at.Protocol
	state SocketState
	host  string
	port  int
}

func (s *socket) peer() string {
	if s.host == "" {
		return ""
	}
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// SocketInfo is a snapshot of one open socket.
type SocketInfo struct {
	ID       int         `json:"id"`
	Protocol string      `json:"protocol"`
	State    SocketState `json:"-"`
	Status   string      `json:"state"`
	Peer     string      `json:"peer,omitempty"`
	Pending  int         `json:"pending"`
}

// OpenSocket creates a modem side socket on the lowest free id and returns
// the id. Id 0 is never used. The modem numbers sockets itself; a handle
// other than the id expected is reported as ErrDevice.
func (m *Modem) OpenSocket(ctx context.Context, proto at.Protocol) (int, error) {
	cmd, err := at.SockCreate(proto)
	if err != nil {
		return 0, err
	}

	if err := m.lock(ctx); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()

	id := m.freeID()
	if id < 0 {
		return 0, ErrNoSocket
	}
	if err := m.create(ctx, id, cmd); err != nil {
		return 0, err
	}
	m.sockets[id] = &socket{proto: proto, state: SocketOpen}
	m.logger.Debug("socket opened", "socket", id, "protocol", proto)
	return id, nil
}

func (m *Modem) freeID() int {
	for id := 1; id < len(m.sockets); id++ {
		if m.sockets[id] == nil {
			return id
		}
	}
	return -1
}

// create issues the socket creation command for id.
func (m *Modem) create(ctx context.Context, id int, cmd string) error {
	for attempt := 1; attempt <= m.config.CommandRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.engine.transmit(cmd); err != nil {
			return fmt.Errorf("%w: %v", ErrDevice, err)
		}
		var handle int
		if _, err := m.engine.expectPattern(m.config.ATTimeout, at.RespSockCreate, &handle); err != nil {
			m.logger.Debug("socket create failed", "socket", id, "attempt", attempt, "error", err)
			continue
		}
		if !m.engine.expectExact(at.OK, m.config.ATTimeout) {
			continue
		}
		if handle != id {
			return fmt.Errorf("%w: modem created socket %d, expected %d", ErrDevice, handle, id)
		}
		return nil
	}
	return m.wireErr(fmt.Errorf("%w: could not create socket %d", ErrDevice, id))
}

// ConnectSocket connects socket id to host:port. The modem resolves host
// names itself.
func (m *Modem) ConnectSocket(ctx context.Context, id int, host string, port int) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.mu.Unlock()

	if _, err := m.socket(id); err != nil {
		return err
	}
	return m.connect(ctx, id, host, port)
}

func (m *Modem) connect(ctx context.Context, id int, host string, port int) error {
	s := m.sockets[id]
	cmd, err := at.SockConnect(id, host, port, m.config.SocketConnectTimeout)
	if err != nil {
		return err
	}

	s.state = SocketConnecting
	for attempt := 1; attempt <= m.config.CommandRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			s.state = SocketFailed
			return err
		}
		if m.sendExpect(cmd, at.OK, m.config.SocketConnectTimeout+m.config.ATTimeout) {
			s.state = SocketConnected
			s.host, s.port = host, port
			m.logger.Debug("socket connected", "socket", id, "peer", s.peer())
			return nil
		}
		m.logger.Debug("socket connect failed", "socket", id, "attempt", attempt)
	}
	s.state = SocketFailed
	return m.wireErr(fmt.Errorf("%w: socket %d could not connect to %s", ErrDevice, id, net.JoinHostPort(host, strconv.Itoa(port))))
}

// Send writes data to socket id in chunks of at most MaxChunk bytes. Each
// chunk must be acknowledged with its exact length; a chunk is tried
// ChunkAttempts times before the whole send fails. On success the full
// length is returned.
func (m *Modem) Send(ctx context.Context, id int, data []byte) (int, error) {
	if err := m.lock(ctx); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()

	if _, err := m.socket(id); err != nil {
		return 0, err
	}
	return m.send(ctx, id, data)
}

func (m *Modem) send(ctx context.Context, id int, data []byte) (int, error) {
	if s := m.sockets[id]; s.state == SocketFailed || s.state == SocketConnecting {
		return 0, fmt.Errorf("%w: socket %d is %s", ErrNotConnected, id, s.state)
	}

	for off := 0; off < len(data); {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		chunk := data[off:min(off+m.config.MaxChunk, len(data))]
		if err := m.sendChunk(id, chunk); err != nil {
			return 0, fmt.Errorf("socket %d at offset %d: %w", id, off, err)
		}
		off += len(chunk)
	}
	return len(data), nil
}

func (m *Modem) sendChunk(id int, chunk []byte) error {
	cmd, err := at.SockWrite(id, chunk)
	if err != nil {
		return err
	}
	for attempt := 1; attempt <= m.config.ChunkAttempts; attempt++ {
		if err := m.engine.transmit(cmd); err != nil {
			return fmt.Errorf("%w: %v", ErrDevice, err)
		}
		var wrote int
		_, err := m.engine.expectPattern(m.config.ATTimeout, at.RespSockWrite, &wrote)
		if err == nil && m.engine.expectExact(at.OK, m.config.ATTimeout) && wrote == len(chunk) {
			return nil
		}
		m.logger.Debug("chunk not acknowledged", "socket", id, "attempt", attempt, "size", len(chunk), "acked", wrote, "error", err)
	}
	return m.wireErr(fmt.Errorf("%w: chunk of %d bytes not acknowledged", ErrDevice, len(chunk)))
}

// Receive copies queued data of socket id into buf. When nothing is queued
// it waits up to timeout for the modem to announce data, fetches it and
// returns it. A zero or negative timeout uses ReceiveTimeout. Other calls
// may run while Receive waits.
//
// ErrWouldBlock means nothing arrived in time, or the modem announced that
// no more data is pending.
func (m *Modem) Receive(ctx context.Context, id int, buf []byte, timeout time.Duration) (int, error) {
	n, _, err := m.receive(ctx, id, buf, timeout)
	return n, err
}

// receive takes m.mu for one step at a time and releases it after every
// wait slice. The socket is looked up again on each step, so a close from
// another goroutine ends the wait with ErrNoSocket.
func (m *Modem) receive(ctx context.Context, id int, buf []byte, timeout time.Duration) (int, string, error) {
	if timeout <= 0 {
		timeout = m.config.ReceiveTimeout
	}
	deadline := time.Now().Add(timeout)

	for {
		if err := m.lock(ctx); err != nil {
			return 0, "", err
		}
		s, err := m.socket(id)
		if err != nil {
			m.mu.Unlock()
			return 0, "", err
		}
		peer := s.peer()
		n, err := m.fetch(ctx, id, s, buf, deadline)
		m.mu.Unlock()

		if !errors.Is(err, errWaiting) {
			return n, peer, err
		}
	}
}

// errWaiting tells receive that fetch waited one slice without result.
var errWaiting = errors.New("waiting for data")

// fetch runs with m.mu held. It returns queued data, reads announced data
// from the modem, or waits at most one slice for an announcement.
func (m *Modem) fetch(ctx context.Context, id int, s *socket, buf []byte, deadline time.Time) (int, error) {
	if s.state == SocketFailed || s.state == SocketConnecting {
		return 0, fmt.Errorf("%w: socket %d is %s", ErrNotConnected, id, s.state)
	}
	if len(buf) == 0 {
		return 0, nil
	}

	for {
		if n := m.queue.dequeue(id, buf); n > 0 {
			return n, nil
		}

		ind, ok := m.engine.takeIndication(id)
		if !ok {
			break
		}
		if ind.more == 0 {
			if ind.session == 0 {
				return 0, fmt.Errorf("socket %d: %w", id, errEndOfData)
			}
			return 0, ErrWouldBlock
		}
		if err := m.engine.requestRead(id, m.config.ReadChunk); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrDevice, err)
		}
		if !m.engine.expectExact(at.OK, m.config.LineTimeout) {
			m.logger.Debug("socket read not confirmed", "socket", id)
		}
		if rest := ind.more - m.config.ReadChunk; rest > 0 {
			m.engine.setIndication(id, indication{session: ind.session, more: rest})
		}
	}

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := m.engine.r.err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrClosed, err)
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return 0, ErrWouldBlock
	}
	m.engine.poll(min(remaining, receivePollSlice))
	return 0, errWaiting
}

// receivePollSlice bounds how long Receive holds the modem while it waits.
const receivePollSlice = 100 * time.Millisecond

// CloseSocket closes socket id on the modem and frees the id. Queued data and a
// pending data indication are discarded first, so a reused id starts
// clean. The id is freed even when the modem does not confirm.
func (m *Modem) CloseSocket(ctx context.Context, id int) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.mu.Unlock()

	if _, err := m.socket(id); err != nil {
		return err
	}
	return m.closeSocket(id)
}

func (m *Modem) closeSocket(id int) error {
	confirmed := m.sendExpect(at.SockClose(id), at.OK, m.config.ATTimeout)
	m.release(id)
	if !confirmed {
		return m.wireErr(fmt.Errorf("%w: close of socket %d not confirmed", ErrDevice, id))
	}
	return nil
}

func (m *Modem) release(id int) {
	if dropped := m.queue.purge(id); dropped > 0 {
		m.logger.Debug("discarded unread data", "socket", id, "bytes", dropped)
	}
	m.engine.clearIndication(id)
	m.engine.attach(id, nil)
	m.sockets[id] = nil
}

// releaseAll frees every id without talking to the modem.
func (m *Modem) releaseAll() {
	for id, s := range m.sockets {
		if s != nil {
			m.release(id)
		}
	}
}

// SendTo sends data to host:port on socket id. A socket connected to a
// different peer is closed on the modem, recreated and connected to the new
// one first.
func (m *Modem) SendTo(ctx context.Context, id int, host string, port int, data []byte) (int, error) {
	if err := m.lock(ctx); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()

	s, err := m.socket(id)
	if err != nil {
		return 0, err
	}

	peer := net.JoinHostPort(host, strconv.Itoa(port))
	if s.state == SocketConnected && s.peer() != peer {
		if !m.sendExpect(at.SockClose(id), at.OK, m.config.ATTimeout) {
			return 0, m.wireErr(fmt.Errorf("%w: close of socket %d not confirmed", ErrDevice, id))
		}
		s.state, s.host, s.port = SocketOpen, "", 0
		cmd, err := at.SockCreate(s.proto)
		if err != nil {
			return 0, err
		}
		if err := m.create(ctx, id, cmd); err != nil {
			s.state = SocketFailed
			return 0, err
		}
	}
	if s.state != SocketConnected {
		if err := m.connect(ctx, id, host, port); err != nil {
			return 0, err
		}
	}
	return m.send(ctx, id, data)
}

// ReceiveFrom is Receive that also reports the peer of the socket.
func (m *Modem) ReceiveFrom(ctx context.Context, id int, buf []byte, timeout time.Duration) (int, string, error) {
	n, peer, err := m.receive(ctx, id, buf, timeout)
	if err != nil {
		return 0, "", err
	}
	return n, peer, nil
}

// Attach registers fn to run whenever a data event for socket id is
// processed, and on every status notification. fn runs while a command is
// in progress and must not call back into the Modem; nil detaches.
func (m *Modem) Attach(id int, fn func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.socket(id); err != nil {
		return err
	}
	m.engine.attach(id, fn)
	return nil
}

// Sockets returns a snapshot of the open sockets ordered by id.
func (m *Modem) Sockets() []SocketInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	var infos []SocketInfo
	for id, s := range m.sockets {
		if s == nil {
			continue
		}
		infos = append(infos, SocketInfo{
			ID:       id,
			Protocol: s.proto.String(),
			State:    s.state,
			Status:   s.state.String(),
			Peer:     s.peer(),
			Pending:  m.queue.pending(id),
		})
	}
	return infos
}

// socket returns the entry of an open id.
func (m *Modem) socket(id int) (*socket, error) {
	if id <= 0 || id >= len(m.sockets) || m.sockets[id] == nil {
		return nil, fmt.Errorf("%w: socket %d is not open", ErrNoSocket, id)
	}
	return m.sockets[id], nil
}
