package modem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

//go:generate go tool mockgen -destination=mock_modem.go -package=modem . Dialer,Hardware,Transport

// Transport represents an established, bidirectional byte stream to a
// cellular modem.
//
// A Transport is assumed to be already connected and ready for use. Read may
// block until bytes arrive; the Modem dedicates one goroutine to it. Typical
// implementations include serial ports, an MCU UART, or in-memory fakes used
// for testing.
type Transport interface {
	io.ReadWriteCloser
}

// Dialer opens a Transport to a modem.
//
// Dialer abstracts how the modem connection is created and is intended to be
// used during modem construction only. Once a Transport is obtained, the
// Dialer is no longer needed.
type Dialer interface {
	// Dial creates and returns a connected Transport. It may perform
	// blocking operations and should respect cancellation and deadlines
	// provided by the context.
	Dial(ctx context.Context) (Transport, error)
}

// DefaultBaudRate is the UART speed of the WNC M14A2A.
const DefaultBaudRate = 115200

// serialReadTimeout bounds a single Read so the port can be closed from
// another goroutine without waiting on the kernel.
const serialReadTimeout = 100 * time.Millisecond

// SerialDialer opens the modem over a serial port using go.bug.st/serial.
type SerialDialer struct {
	PortName string
	// Mode defaults to DefaultBaudRate, 8N1.
	Mode *serial.Mode
}

// Dial opens PortName. A context that is already done is reported before
// the port is touched.
func (d SerialDialer) Dial(ctx context.Context) (Transport, error) {
	if d.PortName == "" {
		return nil, errors.New("modem: serial port name is required")
	}
	if ctx == nil {
		return nil, errors.New("modem: context is nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mode := d.Mode
	if mode == nil {
		mode = &serial.Mode{
			BaudRate: DefaultBaudRate,
			Parity:   serial.NoParity,
			DataBits: 8,
			StopBits: serial.OneStopBit,
		}
	}

	port, err := serial.Open(d.PortName, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", d.PortName, err)
	}
	if err := port.SetReadTimeout(serialReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", d.PortName, err)
	}
	return port, nil
}
