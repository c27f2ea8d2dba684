package modem_test

import (
	"io"

	gomock "go.uber.org/mock/gomock"
	"i4.energy/across/wncmodem/modem"
)

// MockSequenceBuilder scripts a MockTransport: each step expects one command
// line to be written and releases the modem's reply to the reader
// goroutine.
type MockSequenceBuilder struct {
	transport *modem.MockTransport
	replies   chan string
	closed    chan struct{}
	calls     []any
}

func NewMockSequence(transport *modem.MockTransport) *MockSequenceBuilder {
	b := &MockSequenceBuilder{
		transport: transport,
		replies:   make(chan string, 16),
		closed:    make(chan struct{}),
		calls:     []any{},
	}
	transport.EXPECT().Read(gomock.Any()).DoAndReturn(b.read).AnyTimes()
	return b
}

func (b *MockSequenceBuilder) read(p []byte) (int, error) {
	select {
	case resp := <-b.replies:
		return copy(p, resp), nil
	case <-b.closed:
		return 0, io.EOF
	}
}

func (b *MockSequenceBuilder) step(cmd, resp string) *MockSequenceBuilder {
	b.calls = append(b.calls,
		b.transport.EXPECT().Write([]byte(cmd+"\r\n")).DoAndReturn(func(p []byte) (int, error) {
			b.replies <- resp
			return len(p), nil
		}),
	)
	return b
}

func (b *MockSequenceBuilder) AT() *MockSequenceBuilder {
	return b.step("AT", "\r\nOK\r\n")
}

func (b *MockSequenceBuilder) EchoOff() *MockSequenceBuilder {
	return b.step("ATE0", "ATE0\r\nOK\r\n")
}

func (b *MockSequenceBuilder) VerboseErrors() *MockSequenceBuilder {
	return b.step("AT+CMEE=2", "\r\n%CMEEU: 2\r\n\r\nOK\r\n")
}

func (b *MockSequenceBuilder) Firmware(version string) *MockSequenceBuilder {
	return b.step("AT+GMR", "\r\n"+version+"\r\n\r\nOK\r\n")
}

func (b *MockSequenceBuilder) SMSTextMode() *MockSequenceBuilder {
	return b.step("AT+CMGF=1", "\r\nOK\r\n")
}

func (b *MockSequenceBuilder) Signal() *MockSequenceBuilder {
	return b.step("AT+CSQ", "\r\n+CSQ: 20,0\r\n\r\nOK\r\n")
}

func (b *MockSequenceBuilder) SimPinRequired() *MockSequenceBuilder {
	return b.step("AT+CPIN?", "\r\n+CPIN: SIM PIN\r\n\r\nOK\r\n")
}

func (b *MockSequenceBuilder) SimReady() *MockSequenceBuilder {
	return b.step("AT+CPIN?", "\r\n+CPIN: READY\r\n\r\nOK\r\n")
}

// Bringup is the command sequence of Reset on a healthy modem.
func (b *MockSequenceBuilder) Bringup() *MockSequenceBuilder {
	return b.AT().EchoOff().VerboseErrors().Firmware("M14A2A_v11.50.164").SMSTextMode()
}

// Close expects the transport to be closed and unblocks the reader.
func (b *MockSequenceBuilder) Close(err error) *MockSequenceBuilder {
	b.calls = append(b.calls,
		b.transport.EXPECT().Close().DoAndReturn(func() error {
			close(b.closed)
			return err
		}),
	)
	return b
}

func (b *MockSequenceBuilder) Build() []any {
	return b.calls
}
