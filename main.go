package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.bug.st/serial"
	"gopkg.in/yaml.v3"

	"i4.energy/across/wncmodem/modem"
)

// app carries what every subcommand shares once flags are parsed.
type app struct {
	configFile string
	config     *Config
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:   "wncctl",
		Short: "Drive a WNC M14A2A cellular modem",
		Long: `wncctl brings a WNC M14A2A modem up over its serial port, attaches it to
the packet network and exercises its socket API.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "YAML configuration file")
	pf.String("serial-port", "/dev/ttyUSB0", "Serial port to connect to the modem")
	pf.Int("baud-rate", modem.DefaultBaudRate, "Baud rate for serial communication")
	pf.String("log-level", "info", "Log level (debug, info, warn, error)")
	pf.String("log-format", "json", "Log format (json, text)")
	pf.String("sim-pin", "", "SIM card PIN code (if required)")
	pf.String("apn", "m2m.com.attz", "Access point name of the packet data network")
	pf.String("apn-user", "", "PAP user name for the APN")
	pf.String("apn-password", "", "PAP password for the APN")

	cmd.AddCommand(
		newUpCmd(a),
		newInfoCmd(a),
		newResolveCmd(a),
		newEchoCmd(a),
		newConsoleCmd(a),
		newServeCmd(a),
	)
	return cmd
}

func (a *app) load(cmd *cobra.Command) error {
	config, err := LoadConfig(WithDefaults(), WithFile(a.configFile), WithEnv(), WithFlags(cmd.Flags()))
	if err != nil {
		return err
	}
	a.config = config
	a.logger = newLogger(cmd.ErrOrStderr(), config.LogLevel, config.LogFormat)
	return nil
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	logLevel := slog.LevelInfo
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// openModem dials the serial port and runs the bring-up sequence.
func (a *app) openModem(ctx context.Context) (*modem.Modem, error) {
	modemConfig, err := modem.NewConfigBuilder().
		WithLogger(a.logger).
		WithSimPIN(a.config.SimPIN).
		WithDialer(modem.SerialDialer{
			PortName: a.config.SerialPort,
			Mode: &serial.Mode{
				BaudRate: a.config.BaudRate,
				Parity:   serial.NoParity,
				DataBits: 8,
				StopBits: serial.OneStopBit,
			},
		}).
		Build()
	if err != nil {
		return nil, fmt.Errorf("modem config: %w", err)
	}

	m, err := modem.New(ctx, modemConfig)
	if err != nil {
		return nil, err
	}
	if err := m.Startup(ctx); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

// openNetwork is openModem followed by Connect.
func (a *app) openNetwork(ctx context.Context) (*modem.Modem, error) {
	m, err := a.openModem(ctx)
	if err != nil {
		return nil, err
	}
	if err := m.Connect(ctx, a.config.APN, a.config.APNUser, a.config.APNPassword); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

func (a *app) closeModem(m *modem.Modem) {
	if err := m.Close(); err != nil {
		a.logger.Error("Failed to close modem", "error", err)
	}
}

func printYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
