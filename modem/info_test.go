package modem

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"
)

func TestResolve(t *testing.T) {
	t.Run("Trims the address", func(t *testing.T) {
		f := newFakeModem().on(`AT@DNSRESVDON="example.com"`, reply(`@DNSRESVDON:"93.184.216.34 "`))
		m, _, _ := newTestModem(t, f)

		addr, err := m.Resolve(context.Background(), "example.com")
		if err != nil {
			t.Fatalf("unexpected error from Resolve(): %v", err)
		}
		if addr != netip.MustParseAddr("93.184.216.34") {
			t.Errorf("unexpected address %v", addr)
		}
	})

	t.Run("Retries a silent lookup", func(t *testing.T) {
		f := newFakeModem().on(`AT@DNSRESVDON="example.com"`, "", "", reply(`@DNSRESVDON:"10.1.2.3"`))
		m, transport, rec := newTestModem(t, f, func(b *ConfigBuilder) {
			b.WithLineTimeout(50 * time.Millisecond)
		})

		addr, err := m.Resolve(context.Background(), "example.com")
		if err != nil {
			t.Fatalf("unexpected error from Resolve(): %v", err)
		}
		if addr.String() != "10.1.2.3" {
			t.Errorf("unexpected address %v", addr)
		}
		if n := countPrefix(transport.Commands(), "AT@DNSRESVDON="); n != 3 {
			t.Errorf("expected 3 lookups, got %d", n)
		}
		if got := rec.durations(); len(got) != 2 || got[0] != time.Second {
			t.Errorf("expected two 1s pauses, got %v", got)
		}
	})

	t.Run("ErrNoAddress", func(t *testing.T) {
		tests := []struct {
			name    string
			replies []string
		}{
			{name: "Modem error", replies: []string{"\r\n+CME ERROR: 100\r\n"}},
			{name: "No answer line", replies: []string{reply()}},
			{name: "Silence", replies: []string{""}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				f := newFakeModem().on(`AT@DNSRESVDON="nowhere.invalid"`, tt.replies...)
				m, _, _ := newTestModem(t, f, func(b *ConfigBuilder) {
					b.WithLineTimeout(50 * time.Millisecond)
				})

				if _, err := m.Resolve(context.Background(), "nowhere.invalid"); !errors.Is(err, ErrNoAddress) {
					t.Errorf("expected ErrNoAddress, got: %v", err)
				}
			})
		}
	})
}

func TestDeviceInfo(t *testing.T) {
	f := newFakeModem().
		on("AT", reply()).
		on("AT+GSN", reply("359008070012345")).
		on("AT%CCID", reply("%CCID: 89011703278101234567")).
		on("AT+CSQ", reply("+CSQ: 31,0")).
		on("AT+CBC", reply("+CBC: 0,85,3900")).
		on("AT+CGATT?", reply("+CGATT: 1")).
		on("AT+CGCONTRDP=1", reply(`+CGCONTRDP: 1,5,"m2m.com.attz",10.192.234.63.255.255.255.128,10.192.234.1,8.8.8.8,,,,`))
	m, _, _ := newTestModem(t, f)
	ctx := context.Background()

	if !m.IsAlive(ctx) {
		t.Error("expected the modem to be alive")
	}
	if imei, err := m.IMEI(ctx); err != nil || imei != "359008070012345" {
		t.Errorf("unexpected IMEI %q, %v", imei, err)
	}
	if iccid, err := m.ICCID(ctx); err != nil || iccid != "89011703278101234567" {
		t.Errorf("unexpected ICCID %q, %v", iccid, err)
	}
	if sig, err := m.Signal(ctx); err != nil || sig.RSSI != 31 {
		t.Errorf("unexpected signal %+v, %v", sig, err)
	}
	if bat, err := m.Battery(ctx); err != nil || bat.Level != 85 || bat.Voltage != 3900 {
		t.Errorf("unexpected battery %+v, %v", bat, err)
	}
	if attached, err := m.CheckGPRS(ctx); err != nil || !attached {
		t.Errorf("expected packet attach, got %v, %v", attached, err)
	}

	if _, err := m.IPAddress(ctx); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("expected ErrNotInitialized before bring-up, got: %v", err)
	}
	markConfigured(t, m)
	st, err := m.IPAddress(ctx)
	if err != nil {
		t.Fatalf("unexpected error from IPAddress(): %v", err)
	}
	if st.Addr != netip.MustParseAddr("10.192.234.63") {
		t.Errorf("unexpected address %v", st.Addr)
	}
	if !m.IsConnected(ctx) {
		t.Error("expected the modem to be connected")
	}
}

func TestLocation(t *testing.T) {
	f := newFakeModem().
		on("AT+QCELLLOC=1", reply("+QCELLLOC: 13.381645,52.520008")).
		on("AT+CCLK?", reply(`+CCLK: "24/03/09,16:05:02+08"`))
	m, _, _ := newTestModem(t, f)

	loc, ts, err := m.Location(context.Background())
	if err != nil {
		t.Fatalf("unexpected error from Location(): %v", err)
	}
	if loc.Latitude != 52.520008 || loc.Longitude != 13.381645 {
		t.Errorf("unexpected location %+v", loc)
	}
	if !ts.Equal(time.Date(2024, 3, 9, 14, 5, 2, 0, time.UTC)) {
		t.Errorf("unexpected time %v", ts)
	}
}

func TestClosedModem(t *testing.T) {
	m, _, _ := newTestModem(t, newFakeModem().withBasics())

	if err := m.Close(); err != nil {
		t.Fatalf("unexpected error from Close(): %v", err)
	}
	if err := m.Close(); !errors.Is(err, ErrAlreadyClosed) {
		t.Errorf("expected ErrAlreadyClosed, got: %v", err)
	}
	if err := m.Reset(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got: %v", err)
	}
	if m.IsAlive(context.Background()) {
		t.Error("closed modem should not be alive")
	}
}

func TestTransportLost(t *testing.T) {
	m, transport, _ := newTestModem(t, newFakeModem().withBasics())

	transport.Close()
	<-m.pump.done

	if _, err := m.Command(context.Background(), "AT", time.Second); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got: %v", err)
	}
}
