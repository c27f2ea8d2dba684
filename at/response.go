package at

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// RegStatus is the <stat> field of +CREG / +CGREG.
type RegStatus int

const (
	RegNotSearching RegStatus = 0
	RegHome         RegStatus = 1
	RegSearching    RegStatus = 2
	RegDenied       RegStatus = 3
	RegUnknown      RegStatus = 4
	RegRoaming      RegStatus = 5
)

func (s RegStatus) String() string {
	switch s {
	case RegNotSearching:
		return "not registered"
	case RegHome:
		return "registered, home"
	case RegSearching:
		return "searching"
	case RegDenied:
		return "registration denied"
	case RegUnknown:
		return "unknown"
	case RegRoaming:
		return "registered, roaming"
	default:
		return "status " + strconv.Itoa(int(s))
	}
}

// Registration is one registration status report.
type Registration struct {
	Mode   int
	Status RegStatus
}

// Registered reports whether the modem is on its home network or roaming.
// Every other status means registration is still pending.
func (r Registration) Registered() bool {
	return r.Status == RegHome || r.Status == RegRoaming
}

// ParseRegistration parses a +CREG: or +CGREG: line, selected by prefix.
func ParseRegistration(line, prefix string) (Registration, error) {
	var mode, status int
	if _, err := Scan(line, prefix, &mode, &status); err != nil {
		return Registration{}, err
	}
	return Registration{Mode: mode, Status: RegStatus(status)}, nil
}

// Signal is a +CSQ report.
type Signal struct {
	RSSI int // raw 0..31, 99 unknown
	BER  int
}

// DBm converts the raw RSSI into dBm.
func (s Signal) DBm() (int, error) {
	return RSSIToDBm(s.RSSI)
}

// RSSIToDBm maps the raw +CSQ RSSI onto dBm: 0 is -113, 1 is -111, 2..30
// step by 2 from -109, 31 is -51 or better, 99 is not detectable (-199).
func RSSIToDBm(raw int) (int, error) {
	switch {
	case raw == 99:
		return -199, nil
	case raw == 0:
		return -113, nil
	case raw == 1:
		return -111, nil
	case raw == 31:
		return -51, nil
	case raw >= 2 && raw <= 30:
		return -113 + 2*raw, nil
	default:
		return 0, fmt.Errorf("invalid RSSI %d", raw)
	}
}

// ParseSignal parses a +CSQ: line.
func ParseSignal(line string) (Signal, error) {
	var s Signal
	if _, err := Scan(line, RespSignal, &s.RSSI, &s.BER); err != nil {
		return Signal{}, err
	}
	return s, nil
}

// IPStats is the PDP context description reported by +CGCONTRDP.
type IPStats struct {
	CID          int
	BearerID     int
	APN          string
	Addr         netip.Addr
	Mask         netip.Addr
	Gateway      netip.Addr
	DNSPrimary   netip.Addr
	DNSSecondary netip.Addr
}

// ParseIPStats parses
//
//	+CGCONTRDP: 1,5,"m2m.apn",10.192.234.63.255.255.255.128,10.192.234.1,8.8.8.8,8.8.4.4,,,
//
// where the fourth field carries address and mask as eight dotted octets.
func ParseIPStats(line string) (IPStats, error) {
	var (
		st                       IPStats
		addrMask, gw, dns1, dns2 string
	)
	if _, err := Scan(line, RespIPStats, &st.CID, &st.BearerID, &st.APN, &addrMask, &gw, &dns1, &dns2); err != nil {
		return IPStats{}, err
	}

	octets := strings.Split(addrMask, ".")
	if len(octets) != 8 {
		return IPStats{}, &FieldError{Index: 3, Raw: addrMask, Err: errors.New("want address and mask")}
	}
	var err error
	if st.Addr, err = netip.ParseAddr(strings.Join(octets[:4], ".")); err != nil {
		return IPStats{}, &FieldError{Index: 3, Raw: addrMask, Err: err}
	}
	if st.Mask, err = netip.ParseAddr(strings.Join(octets[4:], ".")); err != nil {
		return IPStats{}, &FieldError{Index: 3, Raw: addrMask, Err: err}
	}
	for i, f := range []struct {
		raw string
		dst *netip.Addr
	}{{gw, &st.Gateway}, {dns1, &st.DNSPrimary}, {dns2, &st.DNSSecondary}} {
		if f.raw == "" {
			continue
		}
		if *f.dst, err = netip.ParseAddr(f.raw); err != nil {
			return IPStats{}, &FieldError{Index: 4 + i, Raw: f.raw, Err: err}
		}
	}
	return st, nil
}

// Battery is a +CBC report.
type Battery struct {
	Status  int
	Level   int // percent
	Voltage int // millivolts
}

// ParseBattery parses a +CBC: line.
func ParseBattery(line string) (Battery, error) {
	var b Battery
	if _, err := Scan(line, RespBattery, &b.Status, &b.Level, &b.Voltage); err != nil {
		return Battery{}, err
	}
	return b, nil
}

// ParseClock parses +CCLK: "yy/MM/dd,hh:mm:ss±zz", zz in quarter hours.
func ParseClock(line string) (time.Time, error) {
	var raw string
	if _, err := Scan(line, RespClock, &raw); err != nil {
		return time.Time{}, err
	}
	if len(raw) < 20 {
		return time.Time{}, &FieldError{Index: 0, Raw: raw, Err: errors.New("short timestamp")}
	}
	stamp, zone := raw[:17], raw[17:]
	quarters, err := strconv.Atoi(zone)
	if err != nil {
		return time.Time{}, &FieldError{Index: 0, Raw: raw, Err: err}
	}
	loc := time.FixedZone("", quarters*15*60)
	t, err := time.ParseInLocation("06/01/02,15:04:05", stamp, loc)
	if err != nil {
		return time.Time{}, &FieldError{Index: 0, Raw: raw, Err: err}
	}
	return t, nil
}

// Location is a cell based position fix.
type Location struct {
	Longitude float64
	Latitude  float64
}

// ParseCellLocation parses a +QCELLLOC: line.
func ParseCellLocation(line string) (Location, error) {
	var l Location
	if _, err := Scan(line, RespCellLocation, &l.Longitude, &l.Latitude); err != nil {
		return Location{}, err
	}
	return l, nil
}

// ParseDNS parses an @DNSRESVDON: line into a trimmed address.
func ParseDNS(line string) (netip.Addr, error) {
	var raw string
	if _, err := Scan(line, RespDNS, &raw); err != nil {
		return netip.Addr{}, err
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return netip.Addr{}, &FieldError{Index: 0, Raw: raw, Err: err}
	}
	return addr, nil
}

// ParseIMEI validates a bare +GSN line: 15 decimal digits.
func ParseIMEI(line string) (string, error) {
	imei := strings.TrimSpace(line)
	if len(imei) != 15 || !digits(imei) {
		return "", &FieldError{Index: 0, Raw: line, Err: errors.New("IMEI must be 15 digits")}
	}
	return imei, nil
}

// ParseICCID parses a %CCID: line; the ICCID has 19 or 20 digits.
func ParseICCID(line string) (string, error) {
	var iccid string
	if _, err := Scan(line, RespICCID, &iccid); err != nil {
		return "", err
	}
	if n := len(iccid); n < 19 || n > 20 || !digits(iccid) {
		return "", &FieldError{Index: 0, Raw: iccid, Err: errors.New("ICCID must be 19 or 20 digits")}
	}
	return iccid, nil
}

func digits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
