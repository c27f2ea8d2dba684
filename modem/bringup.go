package modem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/looplab/fsm"

	"i4.energy/across/wncmodem/at"
)

// Bring-up states.
const (
	StatePoweredOff    = "powered_off"
	StateResetting     = "resetting"
	StateProbing       = "probing"
	StateNegotiating   = "negotiating"
	StateConfigured    = "configured"
	StateRegistering   = "registering"
	StateContextActive = "context_active"
	StateFailed        = "failed"
)

const (
	evReset      = "reset"
	evProbe      = "probe"
	evNegotiate  = "negotiate"
	evConfigure  = "configure"
	evRegister   = "register"
	evActivate   = "activate"
	evDeactivate = "deactivate"
	evFail       = "fail"
	evPowerOff   = "power_off"
)

// shutdownTimeout is how long the modem may take to confirm AT@SHUTDOWN.
const shutdownTimeout = 20 * time.Second

var allStates = []string{
	StatePoweredOff, StateResetting, StateProbing, StateNegotiating,
	StateConfigured, StateRegistering, StateContextActive, StateFailed,
}

func newBringupFSM(logger *slog.Logger) *fsm.FSM {
	return fsm.NewFSM(
		StatePoweredOff,
		fsm.Events{
			{Name: evReset, Src: allStates, Dst: StateResetting},
			{Name: evProbe, Src: allStates, Dst: StateProbing},
			{Name: evNegotiate, Src: []string{StateProbing}, Dst: StateNegotiating},
			{Name: evConfigure, Src: []string{StateNegotiating}, Dst: StateConfigured},
			{Name: evRegister, Src: []string{StateConfigured, StateContextActive, StateFailed}, Dst: StateRegistering},
			{Name: evActivate, Src: []string{StateRegistering}, Dst: StateContextActive},
			{Name: evDeactivate, Src: []string{StateContextActive}, Dst: StateConfigured},
			{Name: evFail, Src: allStates, Dst: StateFailed},
			{Name: evPowerOff, Src: allStates, Dst: StatePoweredOff},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				logger.Info("state transition", "event", e.Event, "from", e.Src, "to", e.Dst)
			},
		},
	)
}

// transition fires event. Staying in the current state is not an error.
func (m *Modem) transition(ctx context.Context, event string) error {
	err := m.state.Event(ctx, event)
	var same fsm.NoTransitionError
	if err == nil || errors.As(err, &same) {
		return nil
	}
	return fmt.Errorf("bring-up %s from %s: %w", event, m.state.Current(), err)
}

// fail moves to the failed state and returns err.
func (m *Modem) fail(ctx context.Context, err error) error {
	if terr := m.transition(ctx, evFail); terr != nil {
		m.logger.Warn("record failure", "error", terr)
	}
	m.logger.Error("bring-up failed", "state", m.state.Current(), "error", err)
	return err
}

// State returns the current bring-up state.
func (m *Modem) State() string {
	return m.state.Current()
}

// Startup resets the modem through the Hardware port, waits for it to
// settle, then probes and configures it.
func (m *Modem) Startup(ctx context.Context) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.mu.Unlock()

	if err := m.transition(ctx, evReset); err != nil {
		return err
	}
	if err := hardReset(m.config.Hardware); err != nil {
		return m.fail(ctx, fmt.Errorf("%w: %v", ErrDevice, err))
	}
	if err := m.sleep(ctx, m.config.SettleDelay); err != nil {
		return m.fail(ctx, err)
	}
	return m.reset(ctx)
}

// Reset probes and configures the modem without touching the hardware
// lines.
func (m *Modem) Reset(ctx context.Context) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.mu.Unlock()
	return m.reset(ctx)
}

func (m *Modem) reset(ctx context.Context) error {
	m.initialized = false
	if err := m.transition(ctx, evProbe); err != nil {
		return err
	}
	if err := m.probe(ctx); err != nil {
		return m.fail(ctx, err)
	}

	if err := m.transition(ctx, evNegotiate); err != nil {
		return err
	}
	if err := m.negotiate(); err != nil {
		return m.fail(ctx, err)
	}

	m.initialized = true
	return m.transition(ctx, evConfigure)
}

// probe waits for the modem to answer. Each attempt first expects a plain
// OK, then retries accepting an echo of the probe while echo may still be
// on.
func (m *Modem) probe(ctx context.Context) error {
	for attempt := 1; attempt <= m.config.ProbeAttempts; attempt++ {
		m.logger.Debug("probing modem", "attempt", attempt)
		if m.isAlive() {
			return nil
		}
		if err := m.sleep(ctx, m.config.ProbeInterval); err != nil {
			return err
		}

		if err := m.engine.transmit(at.CmdAt); err != nil {
			return fmt.Errorf("%w: %v", ErrDevice, err)
		}
		line, ok := m.engine.readRawLine(2, m.config.ATTimeout)
		if ok && (line == at.CmdAt || line == "OK") {
			return nil
		}
		if err := m.sleep(ctx, m.config.ProbeInterval); err != nil {
			return err
		}
	}
	return m.wireErr(fmt.Errorf("%w: no answer after %d probes", ErrDevice, m.config.ProbeAttempts))
}

// negotiate switches echo off, which is required, then applies the best
// effort settings.
func (m *Modem) negotiate() error {
	if err := m.engine.transmit(at.CmdEchoOff); err != nil {
		return fmt.Errorf("%w: %v", ErrDevice, err)
	}
	line, ok := m.engine.next(m.config.ATTimeout)
	if !ok || !(at.IsEcho(line, at.CmdEchoOff) || strings.HasPrefix(line, at.OK)) {
		return m.wireErr(fmt.Errorf("%w: could not disable echo: %q", ErrDevice, line))
	}

	if !m.sendExpect(at.CmdVerboseErrors, at.RespVerboseErrors, m.config.ATTimeout) ||
		!m.engine.expectExact(at.OK, m.config.ATTimeout) {
		m.logger.Warn("could not enable verbose errors")
	}

	if m.engine.transmit(at.CmdFirmware) == nil {
		if fw, ok := m.engine.readRawLine(60, m.config.LineTimeout); ok && m.engine.expectExact(at.OK, m.config.ATTimeout) {
			m.firmware = fw
			m.logger.Info("modem firmware", "version", fw)
		} else {
			m.logger.Warn("could not read firmware version")
		}
	}

	if !m.sendExpect(at.CmdTextMode, at.OK, m.config.ATTimeout) {
		m.logger.Warn("could not select SMS text mode")
	}
	return nil
}

// sendExpect transmits cmd and matches the next line against want.
func (m *Modem) sendExpect(cmd, want string, timeout time.Duration) bool {
	if err := m.engine.transmit(cmd); err != nil {
		m.logger.Warn("transmit failed", "cmd", cmd, "error", err)
		return false
	}
	return m.engine.expectExact(want, timeout)
}

// Connect registers with the network and activates the packet context for
// apn. user and password are optional PAP credentials. Each outer attempt
// logs the signal, checks the SIM, polls registration and activates the
// context; an attempt only succeeds when both registration and activation
// do.
func (m *Modem) Connect(ctx context.Context, apn, user, password string) error {
	pdn, err := pdnCommand(apn, user, password)
	if err != nil {
		return err
	}

	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.mu.Unlock()

	if !m.initialized {
		return ErrNotInitialized
	}
	if err := m.transition(ctx, evRegister); err != nil {
		return err
	}

	for attempt := 1; attempt <= m.config.ConnectAttempts; attempt++ {
		m.logSignal()

		if err := m.checkSIM(); err != nil {
			if errors.Is(err, ErrSIMPinRequired) {
				return m.fail(ctx, err)
			}
			m.logger.Warn("SIM check failed", "attempt", attempt, "error", err)
		}

		registered, err := m.pollRegistration(ctx, at.CmdRegistration, at.RespCREG, m.config.RegistrationAttempts)
		if err != nil {
			return m.fail(ctx, err)
		}
		if !registered {
			m.logger.Warn("not registered", "attempt", attempt)
			continue
		}

		if err := m.activate(pdn); err != nil {
			m.logger.Warn("context activation failed", "attempt", attempt, "error", err)
			continue
		}

		m.logger.Info("network connected", "apn", apn, "attempt", attempt)
		return m.transition(ctx, evActivate)
	}

	return m.fail(ctx, m.wireErr(fmt.Errorf("%w: gave up after %d attempts", ErrNoConnection, m.config.ConnectAttempts)))
}

func pdnCommand(apn, user, password string) (string, error) {
	a, err := at.NewText("APN", apn, at.MaxAPN)
	if err != nil {
		return "", err
	}
	u, err := at.NewText("user", user, at.MaxUser)
	if err != nil {
		return "", err
	}
	p, err := at.NewText("password", password, at.MaxPassword)
	if err != nil {
		return "", err
	}
	return at.PDNSet(a, u, p)
}

func (m *Modem) logSignal() {
	if err := m.engine.transmit(at.CmdSignal); err != nil {
		return
	}
	var rssi, ber int
	if _, err := m.engine.expectPattern(m.config.ATTimeout, at.RespSignal, &rssi, &ber); err != nil {
		m.logger.Warn("could not read signal quality", "error", err)
		return
	}
	m.engine.expectExact(at.OK, m.config.ATTimeout)
	dbm, _ := at.RSSIToDBm(rssi)
	m.logger.Debug("signal quality", "rssi", rssi, "ber", ber, "dbm", dbm)
}

// checkSIM queries the SIM state. A ready SIM answers with a +CPIN: READY
// notification, which the URC table consumes, so OK follows directly.
func (m *Modem) checkSIM() error {
	if err := m.engine.transmit(at.CmdSimStatus); err != nil {
		return err
	}
	line, ok := m.engine.next(m.config.ATTimeout)
	switch {
	case !ok:
		return ErrTimeout
	case line == at.OK:
		return nil
	case strings.HasPrefix(line, at.RespSimPIN):
		m.engine.expectExact(at.OK, m.config.ATTimeout)
		if m.config.SimPIN == "" {
			return ErrSIMPinRequired
		}
		cmd, err := at.EnterPIN(m.config.SimPIN)
		if err != nil {
			return err
		}
		if !m.sendExpect(cmd, at.OK, m.config.LineTimeout) {
			return fmt.Errorf("%w: SIM PIN rejected", ErrDevice)
		}
		return nil
	default:
		return fmt.Errorf("%w: unexpected SIM state %q", ErrDevice, line)
	}
}

// pollRegistration queries registration up to attempts times, spaced by
// RegistrationInterval. Home and roaming count as registered.
func (m *Modem) pollRegistration(ctx context.Context, cmd, prefix string, attempts int) (bool, error) {
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := m.sleep(ctx, m.config.RegistrationInterval); err != nil {
				return false, err
			}
		}
		if err := m.engine.transmit(cmd); err != nil {
			return false, fmt.Errorf("%w: %v", ErrDevice, err)
		}
		line, ok := m.engine.next(m.config.ATTimeout)
		if !ok {
			m.logger.Debug("registration query timed out", "attempt", attempt)
			continue
		}
		reg, err := at.ParseRegistration(line, prefix)
		if err != nil {
			m.logger.Debug("unexpected registration reply", "line", line, "error", err)
			continue
		}
		m.engine.expectExact(at.OK, m.config.LineTimeout)
		m.logger.Debug("registration", "attempt", attempt, "status", reg.Status)
		if reg.Registered() {
			return true, nil
		}
	}
	return false, nil
}

// activate binds the APN and opens the data session.
func (m *Modem) activate(pdn string) error {
	for _, step := range []struct {
		cmd     string
		timeout time.Duration
	}{
		{pdn, m.config.LineTimeout},
		{at.CmdInternet, m.config.ATTimeout},
		{at.CmdSockDial, m.config.ATTimeout},
	} {
		if !m.sendExpect(step.cmd, at.OK, step.timeout) {
			return fmt.Errorf("%w: %s", ErrDevice, step.cmd)
		}
	}
	return nil
}

// RequestDateTime enables network time, seeds the clock, waits for packet
// registration and starts an NTP sync. It reports ErrDevice when a time
// command was refused and ErrNoConnection when registration never came.
func (m *Modem) RequestDateTime(ctx context.Context) error {
	ntp, err := at.NTP(m.config.NTPServer)
	if err != nil {
		return err
	}

	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.mu.Unlock()

	var failed []string
	for _, cmd := range []string{at.CmdNITZOn, at.CmdTimeZoneSync, at.CmdFullFunction, at.SetClock(m.now())} {
		if !m.sendExpect(cmd, at.OK, m.config.LineTimeout) {
			failed = append(failed, cmd)
		}
	}

	registered, err := m.pollRegistration(ctx, at.CmdGPRSRegistration, at.RespCGREG, m.config.DateTimeRegistrationAttempts)
	if err != nil {
		return err
	}

	if !m.sendExpect(ntp, at.OK, m.config.ATTimeout) {
		failed = append(failed, ntp)
	}

	if !registered {
		return m.wireErr(fmt.Errorf("%w: no packet registration", ErrNoConnection))
	}
	if len(failed) > 0 {
		return m.wireErr(fmt.Errorf("%w: refused %s", ErrDevice, strings.Join(failed, ", ")))
	}
	return nil
}

// PowerDown asks the modem to shut down and cuts power. Power is cut even
// when the modem does not confirm.
func (m *Modem) PowerDown(ctx context.Context) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.mu.Unlock()

	confirmed := m.sendExpect(at.CmdShutdown, at.OK, shutdownTimeout)
	if err := m.config.Hardware.SetPower(false); err != nil {
		m.logger.Warn("power off", "error", err)
	}
	m.initialized = false
	m.releaseAll()
	if err := m.transition(ctx, evPowerOff); err != nil {
		return err
	}
	if !confirmed {
		return m.wireErr(fmt.Errorf("%w: shutdown not confirmed", ErrDevice))
	}
	return nil
}

// Disconnect closes every open socket and leaves the modem configured. The
// packet context itself stays up on the modem.
func (m *Modem) Disconnect(ctx context.Context) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.mu.Unlock()

	var errs []error
	for id, s := range m.sockets {
		if s == nil {
			continue
		}
		if err := m.closeSocket(id); err != nil {
			errs = append(errs, err)
		}
	}
	if m.state.Current() == StateContextActive {
		if err := m.transition(ctx, evDeactivate); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
