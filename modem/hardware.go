package modem

// Hardware drives the power and reset lines of the modem shield.
//
// All lines except reset pass through a signal level translator. The
// translator must be disabled while the idle levels are applied so that the
// modem sees no edge when it is enabled again.
type Hardware interface {
	SetPower(on bool) error
	SetReset(asserted bool) error
	SetTranslation(enabled bool) error
	// SetIdleLevels puts every translated line into the state the modem's
	// internal pulls hold it in.
	SetIdleLevels() error
}

// NopHardware is the Hardware of a modem with no controllable lines, such as
// a USB attached module.
type NopHardware struct{}

func (NopHardware) SetPower(bool) error       { return nil }
func (NopHardware) SetReset(bool) error       { return nil }
func (NopHardware) SetTranslation(bool) error { return nil }
func (NopHardware) SetIdleLevels() error      { return nil }

// hardReset runs the reset line sequence: assert reset, isolate the
// translated lines while their idle levels are set, reconnect them and
// release reset.
func hardReset(hw Hardware) error {
	steps := []struct {
		name string
		fn   func() error
	}{
		{"power on", func() error { return hw.SetPower(true) }},
		{"assert reset", func() error { return hw.SetReset(true) }},
		{"disable translation", func() error { return hw.SetTranslation(false) }},
		{"set idle levels", hw.SetIdleLevels},
		{"enable translation", func() error { return hw.SetTranslation(true) }},
		{"release reset", func() error { return hw.SetReset(false) }},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			return &hardwareError{step: s.name, err: err}
		}
	}
	return nil
}

type hardwareError struct {
	step string
	err  error
}

func (e *hardwareError) Error() string {
	return "hardware " + e.step + ": " + e.err.Error()
}

func (e *hardwareError) Unwrap() error {
	return e.err
}
