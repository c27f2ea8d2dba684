package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"i4.energy/across/wncmodem/at"
	"i4.energy/across/wncmodem/modem"
)

type upFlags struct {
	syncTime bool
}

func newUpCmd(a *app) *cobra.Command {
	flags := &upFlags{}

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Bring the modem up and attach to the packet network",
		Example: `  wncctl up --serial-port /dev/ttyACM0 --apn m2m.com.attz
  wncctl up --sync-time`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m, err := a.openNetwork(ctx)
			if err != nil {
				return err
			}
			defer a.closeModem(m)

			if flags.syncTime {
				if err := m.RequestDateTime(ctx); err != nil {
					a.logger.Warn("Network time not available", "error", err)
				}
			}

			st, err := m.IPAddress(ctx)
			if err != nil {
				return err
			}
			return printYAML(cmd.OutOrStdout(), newAddressReport(st))
		},
	}

	cmd.Flags().BoolVar(&flags.syncTime, "sync-time", false, "Enable network time and start an NTP sync")
	return cmd
}

type addressReport struct {
	Address      string `yaml:"address"`
	Mask         string `yaml:"mask"`
	Gateway      string `yaml:"gateway,omitempty"`
	DNSPrimary   string `yaml:"dns_primary,omitempty"`
	DNSSecondary string `yaml:"dns_secondary,omitempty"`
	APN          string `yaml:"apn"`
}

func newAddressReport(st at.IPStats) addressReport {
	r := addressReport{
		Address: st.Addr.String(),
		Mask:    st.Mask.String(),
		APN:     st.APN,
	}
	if st.Gateway.IsValid() {
		r.Gateway = st.Gateway.String()
	}
	if st.DNSPrimary.IsValid() {
		r.DNSPrimary = st.DNSPrimary.String()
	}
	if st.DNSSecondary.IsValid() {
		r.DNSSecondary = st.DNSSecondary.String()
	}
	return r
}

type infoFlags struct {
	location bool
}

type infoReport struct {
	Firmware  string       `yaml:"firmware"`
	IMEI      string       `yaml:"imei"`
	ICCID     string       `yaml:"iccid,omitempty"`
	RSSI      int          `yaml:"rssi"`
	SignalDBm int          `yaml:"signal_dbm"`
	BER       int          `yaml:"ber"`
	Battery   int          `yaml:"battery_percent"`
	Voltage   int          `yaml:"battery_mv"`
	Attached  bool         `yaml:"packet_attached"`
	Location  *at.Location `yaml:"location,omitempty"`
	Time      string       `yaml:"network_time,omitempty"`
}

func newInfoCmd(a *app) *cobra.Command {
	flags := &infoFlags{}

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Print modem identity, signal and supply state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m, err := a.openModem(ctx)
			if err != nil {
				return err
			}
			defer a.closeModem(m)

			report := infoReport{Firmware: m.FirmwareVersion()}
			if report.IMEI, err = m.IMEI(ctx); err != nil {
				return err
			}
			if report.ICCID, err = m.ICCID(ctx); err != nil {
				a.logger.Warn("ICCID not available", "error", err)
			}
			if sig, err := m.Signal(ctx); err == nil {
				report.RSSI, report.BER = sig.RSSI, sig.BER
				report.SignalDBm, _ = sig.DBm()
			} else {
				a.logger.Warn("Signal quality not available", "error", err)
			}
			if bat, err := m.Battery(ctx); err == nil {
				report.Battery, report.Voltage = bat.Level, bat.Voltage
			} else {
				a.logger.Warn("Battery state not available", "error", err)
			}
			if report.Attached, err = m.CheckGPRS(ctx); err != nil {
				a.logger.Warn("Packet attach state not available", "error", err)
			}
			if flags.location {
				loc, ts, err := m.Location(ctx)
				if err != nil {
					return err
				}
				report.Location = &loc
				report.Time = ts.Format(time.RFC3339)
			}
			return printYAML(cmd.OutOrStdout(), report)
		},
	}

	cmd.Flags().BoolVar(&flags.location, "location", false, "Include the cell based position and network time")
	return cmd
}

func newResolveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "resolve HOST",
		Short:   "Resolve a host name through the modem's DNS client",
		Example: `  wncctl resolve example.com`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m, err := a.openNetwork(ctx)
			if err != nil {
				return err
			}
			defer a.closeModem(m)

			addr, err := m.Resolve(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), addr)
			return nil
		},
	}
}

// parseProtocol maps a network name onto a modem socket protocol.
func parseProtocol(name string) (at.Protocol, error) {
	switch name {
	case "tcp", "TCP":
		return at.TCP, nil
	case "udp", "UDP":
		return at.UDP, nil
	}
	return 0, fmt.Errorf("unknown protocol %q: %w", name, modem.ErrUnsupported)
}
