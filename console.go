package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/spf13/cobra"

	"i4.energy/across/wncmodem/modem"
)

func newConsoleCmd(a *app) *cobra.Command {
	var offline bool

	cmd := &cobra.Command{
		Use:   "console",
		Short: "Drive modem sockets interactively",
		Long: `Console reads one command per line from standard input. Arguments are split
with shell quoting rules. Type "help" for the command list.`,
		Example: `  wncctl console
  printf 'open tcp\nconnect 1 203.0.113.10 7\nsend 1 "hello"\nrecv 1 64\n' | wncctl console`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			open := a.openNetwork
			if offline {
				open = a.openModem
			}
			m, err := open(ctx)
			if err != nil {
				return err
			}
			defer a.closeModem(m)

			c := &console{modem: m, out: cmd.OutOrStdout()}
			return c.run(ctx, cmd.InOrStdin())
		},
	}

	cmd.Flags().BoolVar(&offline, "offline", false, "Skip network attach, only raw AT commands are useful")
	return cmd
}

var errQuit = errors.New("quit")

const consoleHelp = `commands:
  open tcp|udp                 create a socket, prints its id
  connect ID HOST PORT         connect a socket
  send ID TEXT                 send TEXT on a socket
  sendto ID HOST PORT TEXT     send a UDP datagram
  recv ID [MAX] [TIMEOUT]      receive up to MAX bytes
  close ID                     close a socket
  resolve HOST                 resolve a host name
  sockets                      list open sockets
  state                        print the bring-up state
  at COMMAND                   send a raw AT command
  quit                         leave the console
`

// console executes line oriented socket commands against one modem.
type console struct {
	modem *modem.Modem
	out   io.Writer
}

func (c *console) run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprint(c.out, "> ")
	for scanner.Scan() {
		args, err := shlex.Split(scanner.Text())
		if err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		} else if len(args) > 0 {
			err := c.exec(ctx, args)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				fmt.Fprintf(c.out, "error: %v\n", err)
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fmt.Fprint(c.out, "> ")
	}
	return scanner.Err()
}

func (c *console) exec(ctx context.Context, args []string) error {
	name, args := strings.ToLower(args[0]), args[1:]
	switch name {
	case "help", "?":
		fmt.Fprint(c.out, consoleHelp)
		return nil

	case "quit", "exit":
		return errQuit

	case "open":
		if len(args) != 1 {
			return errors.New("usage: open tcp|udp")
		}
		proto, err := parseProtocol(args[0])
		if err != nil {
			return err
		}
		id, err := c.modem.OpenSocket(ctx, proto)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "socket %d\n", id)
		return nil

	case "connect":
		if len(args) != 3 {
			return errors.New("usage: connect ID HOST PORT")
		}
		id, port, err := atoi2(args[0], args[2])
		if err != nil {
			return err
		}
		if err := c.modem.ConnectSocket(ctx, id, args[1], port); err != nil {
			return err
		}
		fmt.Fprintln(c.out, "connected")
		return nil

	case "send":
		if len(args) < 2 {
			return errors.New("usage: send ID TEXT")
		}
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("socket id: %w", err)
		}
		n, err := c.modem.Send(ctx, id, []byte(strings.Join(args[1:], " ")))
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "sent %d\n", n)
		return nil

	case "sendto":
		if len(args) < 4 {
			return errors.New("usage: sendto ID HOST PORT TEXT")
		}
		id, port, err := atoi2(args[0], args[2])
		if err != nil {
			return err
		}
		n, err := c.modem.SendTo(ctx, id, args[1], port, []byte(strings.Join(args[3:], " ")))
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "sent %d\n", n)
		return nil

	case "recv":
		if len(args) < 1 || len(args) > 3 {
			return errors.New("usage: recv ID [MAX] [TIMEOUT]")
		}
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("socket id: %w", err)
		}
		max := 1024
		if len(args) > 1 {
			if max, err = strconv.Atoi(args[1]); err != nil || max <= 0 {
				return fmt.Errorf("invalid max %q", args[1])
			}
		}
		var timeout time.Duration
		if len(args) > 2 {
			if timeout, err = time.ParseDuration(args[2]); err != nil {
				return fmt.Errorf("timeout: %w", err)
			}
		}
		buf := make([]byte, max)
		n, err := c.modem.Receive(ctx, id, buf, timeout)
		if errors.Is(err, modem.ErrWouldBlock) {
			fmt.Fprintln(c.out, "no data")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%d: %q\n", n, buf[:n])
		return nil

	case "close":
		if len(args) != 1 {
			return errors.New("usage: close ID")
		}
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("socket id: %w", err)
		}
		if err := c.modem.CloseSocket(ctx, id); err != nil {
			return err
		}
		fmt.Fprintln(c.out, "closed")
		return nil

	case "resolve":
		if len(args) != 1 {
			return errors.New("usage: resolve HOST")
		}
		addr, err := c.modem.Resolve(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(c.out, addr)
		return nil

	case "sockets":
		for _, s := range c.modem.Sockets() {
			fmt.Fprintf(c.out, "%d %s %s %s pending=%d\n", s.ID, s.Protocol, s.Status, s.Peer, s.Pending)
		}
		return nil

	case "state":
		fmt.Fprintln(c.out, c.modem.State())
		return nil

	case "at":
		if len(args) == 0 {
			return errors.New("usage: at COMMAND")
		}
		cmd := strings.Join(args, " ")
		if !strings.HasPrefix(strings.ToUpper(cmd), "AT") {
			cmd = "AT" + cmd
		}
		lines, err := c.modem.Command(ctx, cmd, 0)
		for _, line := range lines {
			fmt.Fprintln(c.out, line)
		}
		return err
	}
	return fmt.Errorf("unknown command %q, try help", name)
}

func atoi2(a, b string) (int, int, error) {
	x, err := strconv.Atoi(a)
	if err != nil {
		return 0, 0, fmt.Errorf("socket id: %w", err)
	}
	y, err := strconv.Atoi(b)
	if err != nil {
		return 0, 0, fmt.Errorf("port: %w", err)
	}
	return x, y, nil
}
