package modem

import (
	"context"
	"errors"
	"sync"
	"time"

	"tinygo.org/x/drivers"
)

// uartPollInterval is how long UARTTransport sleeps when the receive buffer
// is empty.
const uartPollInterval = 5 * time.Millisecond

// UARTTransport adapts a non-blocking TinyGo UART to the blocking Transport
// contract. Read waits until Buffered reports data or the transport is
// closed.
type UARTTransport struct {
	uart drivers.UART

	mu     sync.Mutex
	closed bool
}

// NewUARTTransport wraps uart.
func NewUARTTransport(uart drivers.UART) *UARTTransport {
	return &UARTTransport{uart: uart}
}

func (t *UARTTransport) Read(p []byte) (int, error) {
	for {
		if t.isClosed() {
			return 0, ErrClosed
		}
		if t.uart.Buffered() > 0 {
			return t.uart.Read(p)
		}
		time.Sleep(uartPollInterval)
	}
}

func (t *UARTTransport) Write(p []byte) (int, error) {
	if t.isClosed() {
		return 0, ErrClosed
	}
	return t.uart.Write(p)
}

// Close stops pending reads. The UART itself stays configured.
func (t *UARTTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *UARTTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// UARTDialer hands out a UARTTransport over an already configured UART.
type UARTDialer struct {
	UART drivers.UART
}

func (d UARTDialer) Dial(ctx context.Context) (Transport, error) {
	if d.UART == nil {
		return nil, errors.New("modem: UART is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return NewUARTTransport(d.UART), nil
}
