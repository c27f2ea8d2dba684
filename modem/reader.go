package modem

import (
	"io"
	"sync"
	"time"
)

// pump owns the only Read call on the transport and forwards what it reads
// as chunks. Everything above it consumes the channel, so a blocking port
// never stalls a timeout.
type pump struct {
	chunks chan []byte
	stop   chan struct{}
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func startPump(r io.Reader) *pump {
	p := &pump{
		chunks: make(chan []byte, 64),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go p.run(r)
	return p
}

func (p *pump) run(r io.Reader) {
	defer close(p.done)
	buf := make([]byte, 512)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case p.chunks <- chunk:
			case <-p.stop:
				return
			}
		}
		if err != nil {
			p.mu.Lock()
			p.err = err
			p.mu.Unlock()
			return
		}
		select {
		case <-p.stop:
			return
		default:
		}
	}
}

// halt asks the pump to exit. The goroutine returns once the pending Read
// does, which closing the transport ensures.
func (p *pump) halt() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
}

// Err reports why the pump stopped, or nil while it runs.
func (p *pump) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// lineReader assembles printable lines out of pump chunks.
type lineReader struct {
	src     *pump
	pending []byte
	max     int
	closed  bool
}

func newLineReader(src *pump, max int) *lineReader {
	return &lineReader{src: src, max: max}
}

// readLine returns the next non-empty line. Carriage returns and other
// non-printable bytes are dropped, blank lines are skipped and a line stops
// at max bytes even without a terminator. When timeout elapses first the
// partial text is returned with ok false.
func (r *lineReader) readLine(timeout time.Duration) (string, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	line := make([]byte, 0, 64)
	for {
		for len(r.pending) > 0 {
			c := r.pending[0]
			r.pending = r.pending[1:]
			switch {
			case c == '\n':
				if len(line) > 0 {
					return string(line), true
				}
			case c >= 0x20 && c <= 0x7e:
				line = append(line, c)
				if len(line) >= r.max {
					return string(line), true
				}
			}
		}

		if r.closed {
			return string(line), false
		}
		select {
		case chunk := <-r.src.chunks:
			r.pending = chunk
		case <-r.src.done:
			r.takeRemaining()
		case <-timer.C:
			return string(line), false
		}
	}
}

// takeRemaining collects what the pump forwarded before it stopped.
func (r *lineReader) takeRemaining() {
	for {
		select {
		case chunk := <-r.src.chunks:
			r.pending = append(r.pending, chunk...)
		default:
			r.closed = true
			return
		}
	}
}

// buffered reports whether bytes are waiting to be read.
func (r *lineReader) buffered() bool {
	return len(r.pending) > 0 || len(r.src.chunks) > 0
}

// drain consumes every byte already received without waiting and returns
// the complete lines among them. A trailing partial line is discarded.
func (r *lineReader) drain() []string {
	var lines []string
	line := make([]byte, 0, 64)
	for {
		for _, c := range r.pending {
			switch {
			case c == '\n':
				if len(line) > 0 {
					lines = append(lines, string(line))
					line = line[:0]
				}
			case c >= 0x20 && c <= 0x7e && len(line) < r.max:
				line = append(line, c)
			}
		}
		r.pending = nil

		select {
		case chunk := <-r.src.chunks:
			r.pending = chunk
		default:
			return lines
		}
	}
}

// err reports the transport error once the reader has consumed everything
// the pump delivered before stopping.
func (r *lineReader) err() error {
	if !r.closed {
		select {
		case <-r.src.done:
			if len(r.src.chunks) == 0 && len(r.pending) == 0 {
				r.closed = true
			}
		default:
		}
	}
	if !r.closed {
		return nil
	}
	if err := r.src.Err(); err != nil {
		return err
	}
	return ErrClosed
}
