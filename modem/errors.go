package modem

import (
	"errors"
	"fmt"
)

var (
	// ErrNoDialer is returned when a Modem is constructed without a Dialer.
	//
	// This indicates a configuration error. A Dialer is required in order to
	// establish a connection to the modem.
	ErrNoDialer = errors.New("no dialer configured")

	// ErrInvalidConfig is returned by Build when a Config value is out of
	// range, for example a socket pool without room for a usable id.
	ErrInvalidConfig = errors.New("invalid modem configuration")

	// ErrNotInitialized is returned when an operation is attempted on a Modem
	// that has not been successfully initialized.
	//
	// This can occur if the Dialer returned no transport, or when a network
	// query is issued before Startup or Reset completed.
	ErrNotInitialized = errors.New("modem not initialized")

	// ErrAlreadyClosed is returned when Close is called on a Modem that has
	// already been closed.
	ErrAlreadyClosed = errors.New("modem already closed")

	// ErrClosed is returned by operations that find the transport gone: the
	// Modem was closed or the underlying port reported EOF.
	ErrClosed = errors.New("modem transport closed")

	// ErrSIMPinRequired is returned when the SIM card requires a PIN and no
	// PIN was provided in the Config.
	//
	// Callers may handle this error specially (for example, by prompting
	// the user for a PIN) and retry the connection.
	ErrSIMPinRequired = errors.New("SIM PIN required")

	// ErrTimeout is returned when the modem did not produce the expected
	// line within the allotted time.
	ErrTimeout = errors.New("modem response timeout")

	// ErrDevice is returned when the modem reported failure, or a required
	// step of a command sequence did not produce the expected reply after
	// all retries.
	ErrDevice = errors.New("modem device error")

	// ErrNoSocket is returned when every socket id is in use, or when an
	// operation names an id that is not open.
	ErrNoSocket = errors.New("no socket available")

	// ErrWouldBlock is returned by Receive when no data arrived before the
	// timeout, or when the modem signalled that no more data is pending.
	// It is not an I/O failure; callers may simply try again.
	ErrWouldBlock = errors.New("operation would block")

	// errEndOfData is an ErrWouldBlock for an indication with neither a
	// session nor pending bytes: the peer closed the connection.
	errEndOfData = fmt.Errorf("%w: end of data", ErrWouldBlock)

	// ErrNoAddress is returned when a host cannot be resolved or the modem
	// has no IP address assigned.
	ErrNoAddress = errors.New("no address")

	// ErrNotConnected is returned when data is sent or received on a
	// socket whose connect attempt failed.
	ErrNotConnected = errors.New("socket not connected")

	// ErrNoConnection is returned when network registration or context
	// activation did not succeed within the configured attempts.
	ErrNoConnection = errors.New("no network connection")

	// ErrUnsupported is returned for server side socket operations. The
	// modem only offers outbound sockets.
	ErrUnsupported = errors.New("operation not supported")
)
