package modem

import (
	"io"
	"strings"
	"sync"
)

// TestTransport is a test helper that plays the modem side of the wire.
// Reads block until data is available, as a real serial port would, because
// the Modem's reader goroutine continuously reads from the transport.
//
// Every command line written is recorded and passed to the responder; what
// the responder returns is queued for reading. SendData injects bytes at any
// time, for example unsolicited notifications.
type TestTransport struct {
	mu       sync.Mutex
	queue    [][]byte
	ready    chan struct{}
	closed   bool
	partial  string
	commands []string
	respond  func(cmd string) string
}

// NewTestTransport creates a new test transport for testing.
// Exported for use in tests.
func NewTestTransport() *TestTransport {
	return &TestTransport{
		ready: make(chan struct{}, 1),
	}
}

// Respond installs fn as the responder. fn is called without locks held and
// may call SendData.
func (t *TestTransport) Respond(fn func(cmd string) string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.respond = fn
}

func (t *TestTransport) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	t.partial += string(p)
	var cmds []string
	for {
		i := strings.Index(t.partial, "\r\n")
		if i < 0 {
			break
		}
		cmds = append(cmds, t.partial[:i])
		t.partial = t.partial[i+2:]
	}
	t.commands = append(t.commands, cmds...)
	fn := t.respond
	t.mu.Unlock()

	if fn != nil {
		for _, cmd := range cmds {
			if reply := fn(cmd); reply != "" {
				t.SendData(reply)
			}
		}
	}
	return len(p), nil
}

func (t *TestTransport) Read(p []byte) (n int, err error) {
	for {
		t.mu.Lock()
		if len(t.queue) > 0 {
			n = copy(p, t.queue[0])
			if n < len(t.queue[0]) {
				t.queue[0] = t.queue[0][n:]
			} else {
				t.queue = t.queue[1:]
			}
			t.mu.Unlock()
			return n, nil
		}
		if t.closed {
			t.mu.Unlock()
			return 0, io.EOF
		}
		t.mu.Unlock()
		<-t.ready
	}
}

func (t *TestTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.signal()
	return nil
}

// SendData queues data to be read by the transport.
// This simulates receiving data from the modem.
func (t *TestTransport) SendData(data string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.queue = append(t.queue, []byte(data))
	t.mu.Unlock()
	t.signal()
}

// Commands returns every command line written so far, without terminators.
func (t *TestTransport) Commands() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.commands...)
}

func (t *TestTransport) signal() {
	select {
	case t.ready <- struct{}{}:
	default:
	}
}
