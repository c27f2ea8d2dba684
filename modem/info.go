package modem

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"i4.energy/across/wncmodem/at"
)

// IsAlive reports whether the modem answers AT with OK.
func (m *Modem) IsAlive(ctx context.Context) bool {
	if err := m.lock(ctx); err != nil {
		return false
	}
	defer m.mu.Unlock()
	return m.isAlive()
}

func (m *Modem) isAlive() bool {
	return m.sendExpect(at.CmdAt, at.OK, m.config.ATTimeout)
}

// query transmits cmd, scans the reply line after prefix into dst and waits
// for the trailing OK.
func (m *Modem) query(cmd, prefix string, dst ...any) error {
	if err := m.engine.transmit(cmd); err != nil {
		return fmt.Errorf("%w: %v", ErrDevice, err)
	}
	line, ok := m.engine.next(m.config.ATTimeout)
	if !ok {
		return m.wireErr(fmt.Errorf("%w: %s", ErrTimeout, cmd))
	}
	if _, err := at.Scan(line, prefix, dst...); err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}
	m.engine.expectExact(at.OK, m.config.LineTimeout)
	return nil
}

// queryLine transmits cmd and returns its reply line, leaving parsing to the
// caller. The trailing OK is consumed.
func (m *Modem) queryLine(ctx context.Context, cmd string) (string, error) {
	if err := m.lock(ctx); err != nil {
		return "", err
	}
	defer m.mu.Unlock()

	if err := m.engine.transmit(cmd); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDevice, err)
	}
	line, ok := m.engine.next(m.config.ATTimeout)
	if !ok {
		return "", m.wireErr(fmt.Errorf("%w: %s", ErrTimeout, cmd))
	}
	if at.IsFinal(line) && line != at.OK {
		return "", fmt.Errorf("%w: %s: %s", ErrDevice, cmd, line)
	}
	m.engine.expectExact(at.OK, m.config.ATTimeout)
	return line, nil
}

// CheckGPRS reports whether the modem is attached to the packet service.
func (m *Modem) CheckGPRS(ctx context.Context) (bool, error) {
	if err := m.lock(ctx); err != nil {
		return false, err
	}
	defer m.mu.Unlock()

	if !m.isAlive() {
		return false, m.wireErr(fmt.Errorf("%w: modem not responding", ErrDevice))
	}
	var attached int
	if err := m.query(at.CmdGPRSStatus, at.RespGPRS, &attached); err != nil {
		return false, err
	}
	m.logger.Debug("packet service", "attached", attached == 1)
	return attached == 1, nil
}

// IPAddress returns the addressing of the active packet context.
func (m *Modem) IPAddress(ctx context.Context) (at.IPStats, error) {
	if err := m.lock(ctx); err != nil {
		return at.IPStats{}, err
	}
	defer m.mu.Unlock()
	return m.ipAddress()
}

func (m *Modem) ipAddress() (at.IPStats, error) {
	if !m.initialized {
		return at.IPStats{}, ErrNotInitialized
	}
	if err := m.engine.transmit(at.CmdIPStats); err != nil {
		return at.IPStats{}, fmt.Errorf("%w: %v", ErrDevice, err)
	}
	line, ok := m.engine.next(m.config.ATTimeout)
	if !ok {
		return at.IPStats{}, m.wireErr(fmt.Errorf("%w: %s", ErrTimeout, at.CmdIPStats))
	}
	st, err := at.ParseIPStats(line)
	if err != nil {
		return at.IPStats{}, fmt.Errorf("%w: %v", ErrNoAddress, err)
	}
	m.engine.expectExact(at.OK, m.config.ATTimeout)
	m.logger.Debug("ip stats", "addr", st.Addr, "mask", st.Mask, "gateway", st.Gateway, "dns", st.DNSPrimary)
	return st, nil
}

// IsConnected reports whether the packet context has an address.
func (m *Modem) IsConnected(ctx context.Context) bool {
	_, err := m.IPAddress(ctx)
	return err == nil
}

// IMEI returns the 15 digit equipment identity.
func (m *Modem) IMEI(ctx context.Context) (string, error) {
	line, err := m.queryLine(ctx, at.CmdIMEI)
	if err != nil {
		return "", err
	}
	return at.ParseIMEI(line)
}

// ICCID returns the SIM card number.
func (m *Modem) ICCID(ctx context.Context) (string, error) {
	line, err := m.queryLine(ctx, at.CmdICCID)
	if err != nil {
		return "", err
	}
	return at.ParseICCID(line)
}

// Signal returns the current signal quality.
func (m *Modem) Signal(ctx context.Context) (at.Signal, error) {
	line, err := m.queryLine(ctx, at.CmdSignal)
	if err != nil {
		return at.Signal{}, err
	}
	return at.ParseSignal(line)
}

// Battery returns the supply state as seen by the modem.
func (m *Modem) Battery(ctx context.Context) (at.Battery, error) {
	line, err := m.queryLine(ctx, at.CmdBattery)
	if err != nil {
		return at.Battery{}, err
	}
	return at.ParseBattery(line)
}

// Location returns the cell based position together with the network time.
func (m *Modem) Location(ctx context.Context) (at.Location, time.Time, error) {
	line, err := m.queryLine(ctx, at.CmdCellLocation)
	if err != nil {
		return at.Location{}, time.Time{}, err
	}
	loc, err := at.ParseCellLocation(line)
	if err != nil {
		return at.Location{}, time.Time{}, err
	}

	line, err = m.queryLine(ctx, at.CmdClock)
	if err != nil {
		return loc, time.Time{}, err
	}
	t, err := at.ParseClock(line)
	if err != nil {
		return loc, time.Time{}, err
	}
	return loc, t, nil
}

// Resolve looks host up through the modem's DNS client. The lookup is tried
// CommandRetries times, a second apart.
func (m *Modem) Resolve(ctx context.Context, host string) (netip.Addr, error) {
	cmd, err := at.DNSResolve(host)
	if err != nil {
		return netip.Addr{}, err
	}

	if err := m.lock(ctx); err != nil {
		return netip.Addr{}, err
	}
	defer m.mu.Unlock()

	for attempt := 1; attempt <= m.config.CommandRetries; attempt++ {
		if attempt > 1 {
			if err := m.sleep(ctx, time.Second); err != nil {
				return netip.Addr{}, err
			}
		}
		addr, err := m.resolve(cmd)
		if err == nil {
			m.logger.Debug("resolved", "host", host, "addr", addr)
			return addr, nil
		}
		if !errors.Is(err, ErrTimeout) {
			return netip.Addr{}, fmt.Errorf("resolve %s: %w", host, err)
		}
	}
	return netip.Addr{}, m.wireErr(fmt.Errorf("resolve %s: %w", host, ErrNoAddress))
}

// resolve runs one lookup. ErrTimeout asks for another attempt.
func (m *Modem) resolve(cmd string) (netip.Addr, error) {
	if err := m.engine.transmit(cmd); err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %v", ErrDevice, err)
	}
	var addr netip.Addr
	for {
		line, ok := m.engine.next(m.config.LineTimeout)
		switch {
		case !ok:
			return netip.Addr{}, ErrTimeout
		case line == at.OK:
			if !addr.IsValid() {
				return netip.Addr{}, ErrNoAddress
			}
			return addr, nil
		case at.IsFinal(line):
			return netip.Addr{}, fmt.Errorf("%w: %s", ErrNoAddress, line)
		case strings.HasPrefix(line, at.RespDNS):
			a, err := at.ParseDNS(line)
			if err != nil {
				m.logger.Warn("unparseable DNS reply", "line", line, "error", err)
				continue
			}
			addr = a
		}
	}
}
