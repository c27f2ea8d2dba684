package at

import (
	"fmt"
	"strings"
	"time"
)

// Upper bounds of the text fields the modem accepts.
const (
	MaxAPN      = 100
	MaxUser     = 64
	MaxPassword = 64
	MaxHost     = 255
)

// Network registration queries.
const (
	CmdRegistration     = "AT+CREG?"
	CmdGPRSRegistration = "AT+CGREG?"
)

// Text is a command argument that has been checked to fit the modem's
// quoted string fields.
type Text struct {
	s string
}

// NewText validates value as a field called name of at most max bytes.
// Overlong values are rejected, never truncated.
func NewText(name, value string, max int) (Text, error) {
	if len(value) > max {
		return Text{}, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrInvalidField, name, len(value), max)
	}
	for i := 0; i < len(value); i++ {
		c := value[i]
		if c < 0x20 || c > 0x7e || c == '"' {
			return Text{}, fmt.Errorf("%w: %s contains byte 0x%02x at %d", ErrInvalidField, name, c, i)
		}
	}
	return Text{s: value}, nil
}

func (t Text) String() string {
	return t.s
}

// Empty reports whether the field holds no text.
func (t Text) Empty() bool {
	return t.s == ""
}

// SockCreate builds the socket creation command.
func SockCreate(p Protocol) (string, error) {
	if p != TCP && p != UDP {
		return "", fmt.Errorf("%w: protocol %d", ErrInvalidField, p)
	}
	return fmt.Sprintf("AT@SOCKCREAT=%d,0", p), nil
}

// SockConnect builds the connect command for socket id. timeout is the
// modem-side connect timeout, sent in whole seconds.
func SockConnect(id int, host string, port int, timeout time.Duration) (string, error) {
	if id <= 0 {
		return "", fmt.Errorf("%w: socket id %d", ErrInvalidField, id)
	}
	if port <= 0 || port > 65535 {
		return "", fmt.Errorf("%w: port %d", ErrInvalidField, port)
	}
	if host == "" {
		return "", fmt.Errorf("%w: empty host", ErrInvalidField)
	}
	h, err := NewText("host", host, MaxHost)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`AT@SOCKCONN=%d,"%s",%d,%d`, id, h, port, int(timeout/time.Second)), nil
}

// SockWrite builds a write of data to socket id, hex encoded.
func SockWrite(id int, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty payload", ErrInvalidField)
	}
	return fmt.Sprintf(`AT@SOCKWRITE=%d,%d,"%s"`, id, len(data), EncodeHex(data)), nil
}

// SockRead asks the modem for up to max buffered bytes of socket id.
func SockRead(id, max int) string {
	return fmt.Sprintf("AT@SOCKREAD=%d,%d", id, max)
}

// SockClose closes socket id on the modem.
func SockClose(id int) string {
	return fmt.Sprintf("AT@SOCKCLOSE=%d", id)
}

// DNSResolve asks the modem to resolve host.
func DNSResolve(host string) (string, error) {
	if host == "" {
		return "", fmt.Errorf("%w: empty host", ErrInvalidField)
	}
	h, err := NewText("host", host, MaxHost)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`AT@DNSRESVDON="%s"`, h), nil
}

// PDNSet binds the APN to context 1. Credentials are appended with PAP
// authentication when a user is given.
func PDNSet(apn, user, password Text) (string, error) {
	if apn.Empty() {
		return "", fmt.Errorf("%w: empty APN", ErrInvalidField)
	}
	if user.Empty() {
		return fmt.Sprintf("AT%%PDNSET=1,%s,IP", apn), nil
	}
	return fmt.Sprintf("AT%%PDNSET=1,%s,IP,PAP,%s,%s", apn, user, password), nil
}

// EnterPIN unlocks the SIM with pin, four to eight digits.
func EnterPIN(pin string) (string, error) {
	if n := len(pin); n < 4 || n > 8 || !digits(pin) {
		return "", fmt.Errorf("%w: SIM PIN must be 4 to 8 digits", ErrInvalidField)
	}
	return fmt.Sprintf(`AT+CPIN="%s"`, pin), nil
}

// NTP starts a network time sync against server.
func NTP(server string) (string, error) {
	s, err := NewText("server", server, MaxHost)
	if err != nil {
		return "", err
	}
	if s.Empty() {
		return "", fmt.Errorf("%w: empty NTP server", ErrInvalidField)
	}
	return fmt.Sprintf(`AT+QNTP="%s"`, s), nil
}

// SetClock seeds the modem real time clock with t, in UTC.
func SetClock(t time.Time) string {
	return fmt.Sprintf(`AT+CCLK="%s+00"`, t.UTC().Format("06/01/02,15:04:05"))
}

// IsEcho reports whether line is the modem echoing cmd back, as it does
// before echo has been disabled. Only the first three bytes are compared.
func IsEcho(line, cmd string) bool {
	n := min(3, len(cmd))
	return len(line) >= n && strings.HasPrefix(line, cmd[:n])
}
