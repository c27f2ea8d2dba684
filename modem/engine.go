package modem

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"i4.energy/across/wncmodem/at"
)

// indication is the last @SOCKDATAIND seen for a socket.
type indication struct {
	session int
	more    int
}

// engine pairs each transmitted command with the lines that answer it.
// Every read goes through the URC table first: notifications are consumed
// here and only the first ordinary line reaches the caller.
//
// The engine is not safe for concurrent commands. Modem.mu serializes them.
type engine struct {
	w      io.Writer
	r      *lineReader
	queue  *packetQueue
	logger *slog.Logger

	// reading is the socket of the last read command; payload lines carry
	// no id of their own.
	reading int

	mu          sync.Mutex
	indications map[int]indication
	callbacks   map[int]func()
}

func newEngine(w io.Writer, r *lineReader, q *packetQueue, logger *slog.Logger) *engine {
	return &engine{
		w:           w,
		r:           r,
		queue:       q,
		logger:      logger,
		indications: make(map[int]indication),
		callbacks:   make(map[int]func()),
	}
}

// transmit sheds whatever the modem sent since the last exchange, then
// writes cmd.
func (e *engine) transmit(cmd string) error {
	e.shed()
	return e.write(cmd)
}

// shed discards the lines buffered since the last exchange. They are still
// run through the URC table so that no data event is lost; a late payload
// lands on the socket of the read that asked for it.
func (e *engine) shed() {
	for _, line := range e.r.drain() {
		if u := at.Classify(line); u.Kind != at.NotURC {
			e.intercept(u, line)
			continue
		}
		e.logger.Debug("discarded stale line", "line", line)
	}
}

func (e *engine) write(cmd string) error {
	e.logger.Debug("AT ->", "cmd", cmd)
	if _, err := io.WriteString(e.w, cmd+at.CRLF); err != nil {
		return fmt.Errorf("write %q: %w", cmd, err)
	}
	return nil
}

// requestRead asks the modem for the buffered data of socket id. The reply
// is a payload line that intercept queues under id. Stale lines are shed
// before the socket changes.
func (e *engine) requestRead(id, max int) error {
	e.shed()
	e.reading = id
	return e.write(at.SockRead(id, max))
}

// next returns the first line that is not a URC. It gives up when timeout
// elapses or the reader returns an incomplete line.
func (e *engine) next(timeout time.Duration) (string, bool) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", false
		}
		line, ok := e.r.readLine(remaining)
		if !ok || line == "" {
			if line != "" {
				e.logger.Debug("AT <- partial", "line", line)
			}
			return "", false
		}
		u := at.Classify(line)
		if u.Kind == at.NotURC {
			e.logger.Debug("AT <-", "line", line)
			return line, true
		}
		e.intercept(u, line)
	}
}

// poll reads at most one line. A URC is consumed; any other line arrived
// with no command outstanding and is dropped. It reports whether a line
// was read.
func (e *engine) poll(timeout time.Duration) bool {
	line, ok := e.r.readLine(timeout)
	if !ok || line == "" {
		return false
	}
	if u := at.Classify(line); u.Kind != at.NotURC {
		e.intercept(u, line)
		return true
	}
	e.logger.Debug("discarded unsolicited line", "line", line)
	return true
}

// expectExact reports whether the next line starts like pattern. Only the
// shorter of the two lengths is compared, so a line longer than the
// pattern still matches.
func (e *engine) expectExact(pattern string, timeout time.Duration) bool {
	line, ok := e.next(timeout)
	if !ok {
		return false
	}
	n := min(len(line), len(pattern))
	return line[:n] == pattern[:n]
}

// expectPattern scans the next line after prefix into dst and returns the
// number of fields filled.
func (e *engine) expectPattern(timeout time.Duration, prefix string, dst ...any) (int, error) {
	line, ok := e.next(timeout)
	if !ok {
		return 0, ErrTimeout
	}
	return at.Scan(line, prefix, dst...)
}

// readRawLine returns the next line verbatim, cut to max bytes.
func (e *engine) readRawLine(max int, timeout time.Duration) (string, bool) {
	line, ok := e.next(timeout)
	if !ok {
		return "", false
	}
	if len(line) > max {
		line = line[:max]
	}
	return line, true
}

// command transmits cmd and collects lines up to the final result code.
func (e *engine) command(cmd string, timeout time.Duration) ([]string, error) {
	if err := e.transmit(cmd); err != nil {
		return nil, err
	}
	var lines []string
	deadline := time.Now().Add(timeout)
	for {
		line, ok := e.next(time.Until(deadline))
		if !ok {
			return lines, fmt.Errorf("%w: %s", ErrTimeout, cmd)
		}
		lines = append(lines, line)
		if !at.IsFinal(line) {
			continue
		}
		if line != at.OK {
			return lines, fmt.Errorf("%w: %s: %s", ErrDevice, cmd, line)
		}
		return lines, nil
	}
}

// intercept dispatches one URC.
func (e *engine) intercept(u at.URC, line string) {
	switch u.Kind {
	case at.Ignorable:
		if u.Err != nil {
			e.logger.Warn("garbled data event dropped", "line", line, "error", u.Err)
		} else {
			e.logger.Debug("URC", "line", line)
		}
		e.notifyAll()

	case at.DataIndication:
		e.logger.Debug("data indication", "socket", u.ID, "session", u.Session, "more", u.More)
		e.mu.Lock()
		e.indications[u.ID] = indication{session: u.Session, more: u.More}
		e.mu.Unlock()
		e.notify(u.ID)

	case at.DataPayload:
		id := e.reading
		n, err := e.queue.enqueue(id, u.Hex)
		if err != nil {
			e.logger.Warn("payload dropped", "socket", id, "error", err)
			return
		}
		if n != u.Length {
			e.logger.Warn("payload length mismatch", "socket", id, "announced", u.Length, "decoded", n)
		}
		if n > 0 && e.logger.Enabled(context.Background(), slog.LevelDebug) {
			e.logger.Debug("payload queued", "socket", id, "bytes", n, "dump", hexDump(u.Hex))
		}
		e.notify(id)
	}
}

// takeIndication removes and returns the pending indication of id.
func (e *engine) takeIndication(id int) (indication, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ind, ok := e.indications[id]
	if ok {
		delete(e.indications, id)
	}
	return ind, ok
}

func (e *engine) setIndication(id int, ind indication) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.indications[id] = ind
}

func (e *engine) clearIndication(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.indications, id)
}

// attach registers fn for events of socket id; nil removes it.
func (e *engine) attach(id int, fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fn == nil {
		delete(e.callbacks, id)
		return
	}
	e.callbacks[id] = fn
}

// notify runs the callback of id. Callbacks run on the goroutine driving
// the engine and must not call back into the Modem.
func (e *engine) notify(id int) {
	e.mu.Lock()
	fn := e.callbacks[id]
	e.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (e *engine) notifyAll() {
	e.mu.Lock()
	fns := make([]func(), 0, len(e.callbacks))
	for _, fn := range e.callbacks {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func hexDump(hexText string) string {
	b, err := hex.DecodeString(hexText)
	if err != nil {
		return hexText
	}
	return strings.TrimRight(hex.Dump(b), "\n")
}
