package modem

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
)

// Modem drives a WNC M14A2A cellular modem over AT commands. It owns the
// transport, brings the modem up and multiplexes up to SocketCount-1 modem
// side sockets.
//
// All exported methods are safe for concurrent use. Commands are serialized:
// at most one is outstanding on the wire at any time.
type Modem struct {
	// mu is held for the whole of every command sequence.
	mu sync.Mutex

	config    Config
	transport Transport
	logger    *slog.Logger

	pump    *pump
	engine  *engine
	queue   *packetQueue
	sockets []*socket // indexed by id, nil when free
	state   *fsm.FSM

	firmware    string
	initialized bool
	closed      atomic.Bool

	// sleep and now are replaced by tests.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New dials the modem and starts reading from it. The modem is left as it
// is found; call Startup to reset and configure it.
//
// Returns an error if the config is invalid or the transport cannot be
// established.
func New(ctx context.Context, config Config) (*Modem, error) {
	config.setDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}

	transport, err := config.Dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial modem: %w", err)
	}
	if transport == nil {
		return nil, ErrNotInitialized
	}

	m := &Modem{
		config:    config,
		transport: transport,
		logger:    config.Logger.With("component", "modem"),
		queue:     &packetQueue{},
		sockets:   make([]*socket, config.SocketCount),
		sleep:     sleepContext,
		now:       time.Now,
	}
	m.pump = startPump(transport)
	m.engine = newEngine(transport, newLineReader(m.pump, config.MaxLineLength), m.queue, m.logger)
	m.state = newBringupFSM(m.logger)

	return m, nil
}

// Close stops the reader and closes the transport. After calling Close, the
// modem cannot be reused.
func (m *Modem) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return ErrAlreadyClosed
	}
	m.pump.halt()
	return m.transport.Close()
}

// Command sends a raw AT command and returns every line up to and including
// the final result code. A final result other than OK is returned as
// ErrDevice along with the lines.
func (m *Modem) Command(ctx context.Context, cmd string, timeout time.Duration) ([]string, error) {
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	if timeout <= 0 {
		timeout = m.config.ATTimeout
	}
	lines, err := m.engine.command(cmd, timeout)
	return lines, m.wireErr(err)
}

// FirmwareVersion returns the version reported during the last bring-up.
func (m *Modem) FirmwareVersion() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.firmware
}

// lock takes the command lock unless the modem is closed or ctx is done.
func (m *Modem) lock(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if err := m.engine.r.err(); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

// wireErr replaces a timeout caused by a dead transport with ErrClosed.
func (m *Modem) wireErr(err error) error {
	if err == nil {
		return nil
	}
	if rerr := m.engine.r.err(); rerr != nil {
		return fmt.Errorf("%w: %v", ErrClosed, rerr)
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
