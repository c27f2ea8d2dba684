package modem

import (
	"fmt"
	"log/slog"
	"time"
)

// Config holds the timing and retry policy of a Modem. Zero fields take the
// defaults listed next to them.
type Config struct {
	Dialer   Dialer
	Hardware Hardware     // NopHardware
	Logger   *slog.Logger // slog.Default()
	SimPIN   string

	ATTimeout     time.Duration // 5s, plain command replies
	LineTimeout   time.Duration // 10s, slow replies: registration, PDN, DNS
	MaxLineLength int           // 4096

	SettleDelay   time.Duration // 2s after hardware reset
	ProbeAttempts int           // 10
	ProbeInterval time.Duration // 500ms

	RegistrationAttempts         int           // 5
	DateTimeRegistrationAttempts int           // 20
	RegistrationInterval         time.Duration // 1s
	ConnectAttempts              int           // 3

	SocketCount          int           // 5, id 0 is reserved
	MaxChunk             int           // 1400 bytes per write command
	ChunkAttempts        int           // 2
	ReadChunk            int           // 1400 bytes per read command
	SocketConnectTimeout time.Duration // 30s, enforced by the modem
	CommandRetries       int           // 3
	ReceiveTimeout       time.Duration // 40s

	NTPServer string // pool.ntp.org
}

func (c *Config) setDefaults() {
	if c.Hardware == nil {
		c.Hardware = NopHardware{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.ATTimeout == 0 {
		c.ATTimeout = 5 * time.Second
	}
	if c.LineTimeout == 0 {
		c.LineTimeout = 10 * time.Second
	}
	if c.MaxLineLength == 0 {
		c.MaxLineLength = 4096
	}
	if c.SettleDelay == 0 {
		c.SettleDelay = 2 * time.Second
	}
	if c.ProbeAttempts == 0 {
		c.ProbeAttempts = 10
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = 500 * time.Millisecond
	}
	if c.RegistrationAttempts == 0 {
		c.RegistrationAttempts = 5
	}
	if c.DateTimeRegistrationAttempts == 0 {
		c.DateTimeRegistrationAttempts = 20
	}
	if c.RegistrationInterval == 0 {
		c.RegistrationInterval = time.Second
	}
	if c.ConnectAttempts == 0 {
		c.ConnectAttempts = 3
	}
	if c.SocketCount == 0 {
		c.SocketCount = 5
	}
	if c.MaxChunk == 0 {
		c.MaxChunk = 1400
	}
	if c.ChunkAttempts == 0 {
		c.ChunkAttempts = 2
	}
	if c.ReadChunk == 0 {
		c.ReadChunk = 1400
	}
	if c.SocketConnectTimeout == 0 {
		c.SocketConnectTimeout = 30 * time.Second
	}
	if c.CommandRetries == 0 {
		c.CommandRetries = 3
	}
	if c.ReceiveTimeout == 0 {
		c.ReceiveTimeout = 40 * time.Second
	}
	if c.NTPServer == "" {
		c.NTPServer = "pool.ntp.org"
	}
}

// readOverhead is the length of a payload line without its hex digits:
// @SOCKREAD: nnnnn,""
const readOverhead = 20

func (c *Config) validate() error {
	if c.Dialer == nil {
		return ErrNoDialer
	}
	if c.SocketCount < 2 {
		return fmt.Errorf("%w: socket count %d leaves no usable id", ErrInvalidConfig, c.SocketCount)
	}
	if c.MaxLineLength < 16 {
		return fmt.Errorf("%w: max line length %d", ErrInvalidConfig, c.MaxLineLength)
	}
	for name, v := range map[string]int{
		"max chunk":                       c.MaxChunk,
		"read chunk":                      c.ReadChunk,
		"chunk attempts":                  c.ChunkAttempts,
		"command retries":                 c.CommandRetries,
		"probe attempts":                  c.ProbeAttempts,
		"registration attempts":           c.RegistrationAttempts,
		"date time registration attempts": c.DateTimeRegistrationAttempts,
		"connect attempts":                c.ConnectAttempts,
	} {
		if v < 0 {
			return fmt.Errorf("%w: %s %d", ErrInvalidConfig, name, v)
		}
	}
	// A read payload arrives hex encoded on a single line.
	if need := 2*c.ReadChunk + readOverhead; need > c.MaxLineLength {
		return fmt.Errorf("%w: read chunk %d needs lines of %d bytes, limit %d", ErrInvalidConfig, c.ReadChunk, need, c.MaxLineLength)
	}
	return nil
}

// ConfigBuilder assembles a Config.
type ConfigBuilder struct {
	config Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{}
}

func (b *ConfigBuilder) WithDialer(d Dialer) *ConfigBuilder {
	b.config.Dialer = d
	return b
}

func (b *ConfigBuilder) WithHardware(hw Hardware) *ConfigBuilder {
	b.config.Hardware = hw
	return b
}

func (b *ConfigBuilder) WithLogger(l *slog.Logger) *ConfigBuilder {
	b.config.Logger = l
	return b
}

func (b *ConfigBuilder) WithSimPIN(pin string) *ConfigBuilder {
	b.config.SimPIN = pin
	return b
}

func (b *ConfigBuilder) WithATTimeout(d time.Duration) *ConfigBuilder {
	b.config.ATTimeout = d
	return b
}

func (b *ConfigBuilder) WithLineTimeout(d time.Duration) *ConfigBuilder {
	b.config.LineTimeout = d
	return b
}

func (b *ConfigBuilder) WithMaxLineLength(n int) *ConfigBuilder {
	b.config.MaxLineLength = n
	return b
}

func (b *ConfigBuilder) WithSettleDelay(d time.Duration) *ConfigBuilder {
	b.config.SettleDelay = d
	return b
}

// WithProbe sets how often and how far apart the liveness probe is sent.
func (b *ConfigBuilder) WithProbe(attempts int, interval time.Duration) *ConfigBuilder {
	b.config.ProbeAttempts = attempts
	b.config.ProbeInterval = interval
	return b
}

// WithRegistration sets the registration poll policy of Connect and
// RequestDateTime.
func (b *ConfigBuilder) WithRegistration(attempts, dateTimeAttempts int, interval time.Duration) *ConfigBuilder {
	b.config.RegistrationAttempts = attempts
	b.config.DateTimeRegistrationAttempts = dateTimeAttempts
	b.config.RegistrationInterval = interval
	return b
}

func (b *ConfigBuilder) WithConnectAttempts(n int) *ConfigBuilder {
	b.config.ConnectAttempts = n
	return b
}

func (b *ConfigBuilder) WithSocketCount(n int) *ConfigBuilder {
	b.config.SocketCount = n
	return b
}

// WithChunking sets the largest payload carried by one write command and
// how often a chunk is tried before the send fails.
func (b *ConfigBuilder) WithChunking(maxChunk, attempts int) *ConfigBuilder {
	b.config.MaxChunk = maxChunk
	b.config.ChunkAttempts = attempts
	return b
}

func (b *ConfigBuilder) WithReadChunk(n int) *ConfigBuilder {
	b.config.ReadChunk = n
	return b
}

func (b *ConfigBuilder) WithSocketConnectTimeout(d time.Duration) *ConfigBuilder {
	b.config.SocketConnectTimeout = d
	return b
}

func (b *ConfigBuilder) WithCommandRetries(n int) *ConfigBuilder {
	b.config.CommandRetries = n
	return b
}

func (b *ConfigBuilder) WithReceiveTimeout(d time.Duration) *ConfigBuilder {
	b.config.ReceiveTimeout = d
	return b
}

func (b *ConfigBuilder) WithNTPServer(server string) *ConfigBuilder {
	b.config.NTPServer = server
	return b
}

// Build applies defaults and validates the result.
func (b *ConfigBuilder) Build() (Config, error) {
	c := b.config
	c.setDefaults()
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}
