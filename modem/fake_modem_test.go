package modem

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeModem answers command lines written to a TestTransport. Fixed replies
// are consumed in order and the last one repeats; handlers serve whole
// command families by prefix.
type fakeModem struct {
	mu       sync.Mutex
	replies  map[string][]string
	handlers []fakeHandler
}

type fakeHandler struct {
	prefix string
	fn     func(cmd string) string
}

func newFakeModem() *fakeModem {
	return &fakeModem{replies: make(map[string][]string)}
}

func (f *fakeModem) on(cmd string, replies ...string) *fakeModem {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[cmd] = replies
	return f
}

func (f *fakeModem) handle(prefix string, fn func(cmd string) string) *fakeModem {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, fakeHandler{prefix: prefix, fn: fn})
	return f
}

func (f *fakeModem) respond(cmd string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.replies[cmd]; ok && len(r) > 0 {
		if len(r) > 1 {
			f.replies[cmd] = r[1:]
		}
		return r[0]
	}
	for _, h := range f.handlers {
		if strings.HasPrefix(cmd, h.prefix) {
			return h.fn(cmd)
		}
	}
	return "\r\nERROR\r\n"
}

// withBasics installs the replies of a healthy modem that has just reset.
func (f *fakeModem) withBasics() *fakeModem {
	return f.
		on("AT", reply()).
		on("ATE0", "ATE0\r\n"+reply()).
		on("AT+CMEE=2", reply("%CMEEU: 2")).
		on("AT+GMR", reply("M14A2A_v11.50.164")).
		on("AT+CMGF=1", reply())
}

// withNetwork installs the replies of Connect on a registered modem.
func (f *fakeModem) withNetwork() *fakeModem {
	return f.
		on("AT+CSQ", reply("+CSQ: 20,0")).
		on("AT+CPIN?", reply("+CPIN: READY")).
		on("AT+CREG?", reply("+CREG: 0,1")).
		on("AT%PDNSET=1,m2m.com.attz,IP", reply()).
		on("AT@INTERNET=1", reply()).
		on("AT@SOCKDIAL=1", reply())
}

// reply frames lines followed by OK the way the modem does.
func reply(lines ...string) string {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString("\r\n" + l + "\r\n")
	}
	b.WriteString("\r\nOK\r\n")
	return b.String()
}

type staticDialer struct {
	transport Transport
}

func (d staticDialer) Dial(context.Context) (Transport, error) {
	return d.transport, nil
}

type sleepRecorder struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.slept = append(r.slept, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) durations() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.slept...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestModem builds a Modem wired to f with short timeouts and recorded
// sleeps.
func newTestModem(t *testing.T, f *fakeModem, configure ...func(*ConfigBuilder)) (*Modem, *TestTransport, *sleepRecorder) {
	t.Helper()

	transport := NewTestTransport()
	transport.Respond(f.respond)

	b := NewConfigBuilder().
		WithDialer(staticDialer{transport}).
		WithLogger(discardLogger()).
		WithATTimeout(200 * time.Millisecond).
		WithLineTimeout(200 * time.Millisecond).
		WithReceiveTimeout(500 * time.Millisecond)
	for _, fn := range configure {
		fn(b)
	}
	config, err := b.Build()
	if err != nil {
		t.Fatalf("unexpected error from Build(): %v", err)
	}

	m, err := New(context.Background(), config)
	if err != nil {
		t.Fatalf("unexpected error from New(): %v", err)
	}
	rec := &sleepRecorder{}
	m.sleep = rec.sleep
	t.Cleanup(func() { _ = m.Close() })
	return m, transport, rec
}

// markConfigured skips bring-up.
func markConfigured(t *testing.T, m *Modem) {
	t.Helper()
	m.initialized = true
	m.state.SetState(StateConfigured)
}

func countPrefix(cmds []string, prefix string) int {
	n := 0
	for _, c := range cmds {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}
