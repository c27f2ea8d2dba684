package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"i4.energy/across/wncmodem/modem"
)

type echoFlags struct {
	host    string
	port    int
	proto   string
	sockets int
	rounds  int
	payload string
	timeout time.Duration
}

func newEchoCmd(a *app) *cobra.Command {
	flags := &echoFlags{}

	cmd := &cobra.Command{
		Use:   "echo",
		Short: "Exchange payloads with an echo server over modem sockets",
		Long: `Echo opens one or more sockets in parallel, writes the payload on each and
expects the same bytes back. Every socket runs the given number of rounds.`,
		Example: `  wncctl echo --host echo.example.net --port 7
  wncctl echo --host 203.0.113.10 --port 7 --proto udp --sockets 4 --rounds 3`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.host == "" {
				return fmt.Errorf("--host is required")
			}
			if flags.sockets < 1 {
				return fmt.Errorf("--sockets must be at least 1")
			}

			ctx := cmd.Context()
			m, err := a.openNetwork(ctx)
			if err != nil {
				return err
			}
			defer a.closeModem(m)

			return runEcho(ctx, a, m, flags, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&flags.host, "host", "", "Echo server host name or address (required)")
	cmd.Flags().IntVar(&flags.port, "port", 7, "Echo server port")
	cmd.Flags().StringVar(&flags.proto, "proto", "tcp", "Socket protocol (tcp, udp)")
	cmd.Flags().IntVar(&flags.sockets, "sockets", 1, "Number of sockets used in parallel")
	cmd.Flags().IntVar(&flags.rounds, "rounds", 1, "Payload round trips per socket")
	cmd.Flags().StringVar(&flags.payload, "payload", "hello from wncctl", "Payload written on every round")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 30*time.Second, "Time allowed for each echo reply")
	return cmd
}

func runEcho(ctx context.Context, a *app, m *modem.Modem, flags *echoFlags, out io.Writer) error {
	proto, err := parseProtocol(flags.proto)
	if err != nil {
		return err
	}
	network := strings.ToLower(flags.proto)
	address := net.JoinHostPort(flags.host, strconv.Itoa(flags.port))
	payload := []byte(flags.payload)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < flags.sockets; i++ {
		g.Go(func() error {
			conn, err := m.Dial(ctx, network, address)
			if err != nil {
				return fmt.Errorf("dial %s: %w", address, err)
			}
			defer conn.Close()

			logger := a.logger.With("socket", conn.ID(), "proto", proto.String())
			for round := 1; round <= flags.rounds; round++ {
				start := time.Now()
				if err := echoRound(conn, payload, flags.timeout); err != nil {
					return fmt.Errorf("socket %d round %d: %w", conn.ID(), round, err)
				}
				rtt := time.Since(start)
				logger.Debug("Echo round complete", "round", round, "rtt", rtt)
				fmt.Fprintf(out, "socket %d round %d: %d bytes in %s\n", conn.ID(), round, len(payload), rtt.Round(time.Millisecond))
			}
			return nil
		})
	}
	return g.Wait()
}

// echoRound writes payload and reads until as many bytes came back.
func echoRound(conn net.Conn, payload []byte, timeout time.Duration) error {
	if _, err := conn.Write(payload); err != nil {
		return err
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	defer conn.SetReadDeadline(time.Time{})

	got := make([]byte, len(payload))
	if _, err := io.ReadFull(conn, got); err != nil {
		return err
	}
	if !bytes.Equal(got, payload) {
		return fmt.Errorf("echo mismatch: sent %q, received %q", payload, got)
	}
	return nil
}
