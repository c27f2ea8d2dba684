package modem

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"i4.energy/across/wncmodem/at"
)

// withSockets makes f hand out socket handles the way the modem does: the
// lowest free one, starting at 1.
func (f *fakeModem) withSockets() *fakeModem {
	var mu sync.Mutex
	used := map[int]bool{}
	return f.
		handle("AT@SOCKCREAT=", func(string) string {
			mu.Lock()
			defer mu.Unlock()
			id := 1
			for used[id] {
				id++
			}
			used[id] = true
			return reply(fmt.Sprintf("@SOCKCREAT: %d", id))
		}).
		handle("AT@SOCKCLOSE=", func(cmd string) string {
			var id int
			fmt.Sscanf(cmd, "AT@SOCKCLOSE=%d", &id)
			mu.Lock()
			defer mu.Unlock()
			delete(used, id)
			return reply()
		}).
		handle("AT@SOCKCONN=", func(string) string { return reply() }).
		handle("AT@SOCKWRITE=", func(cmd string) string {
			var id, n int
			fmt.Sscanf(cmd, "AT@SOCKWRITE=%d,%d,", &id, &n)
			return reply(fmt.Sprintf("@SOCKWRITE: %d", n))
		})
}

func payload(data []byte) string {
	return reply(fmt.Sprintf(`@SOCKREAD: %d,"%s"`, len(data), at.EncodeHex(data)))
}

func TestOpenSocket(t *testing.T) {
	t.Run("Pool exhaustion and reuse", func(t *testing.T) {
		m, _, _ := newTestModem(t, newFakeModem().withSockets(), func(b *ConfigBuilder) {
			b.WithSocketCount(3)
		})
		ctx := context.Background()

		for want := 1; want <= 2; want++ {
			id, err := m.OpenSocket(ctx, at.TCP)
			if err != nil {
				t.Fatalf("unexpected error from OpenSocket(): %v", err)
			}
			if id != want {
				t.Errorf("expected socket %d, got %d", want, id)
			}
		}
		if _, err := m.OpenSocket(ctx, at.UDP); !errors.Is(err, ErrNoSocket) {
			t.Errorf("expected ErrNoSocket, got: %v", err)
		}

		if err := m.CloseSocket(ctx, 1); err != nil {
			t.Fatalf("unexpected error from CloseSocket(): %v", err)
		}
		id, err := m.OpenSocket(ctx, at.UDP)
		if err != nil {
			t.Fatalf("unexpected error from OpenSocket(): %v", err)
		}
		if id != 1 {
			t.Errorf("expected freed socket 1 to be reused, got %d", id)
		}
	})

	t.Run("Handle mismatch", func(t *testing.T) {
		f := newFakeModem().on("AT@SOCKCREAT=1,0", reply("@SOCKCREAT: 3"))
		m, _, _ := newTestModem(t, f)

		if _, err := m.OpenSocket(context.Background(), at.TCP); !errors.Is(err, ErrDevice) {
			t.Errorf("expected ErrDevice, got: %v", err)
		}
		if len(m.Sockets()) != 0 {
			t.Errorf("expected no open socket, got %v", m.Sockets())
		}
	})

	t.Run("Creation is retried", func(t *testing.T) {
		f := newFakeModem().on("AT@SOCKCREAT=2,0", "\r\nERROR\r\n", "\r\nERROR\r\n", reply("@SOCKCREAT: 1"))
		m, transport, _ := newTestModem(t, f)

		if _, err := m.OpenSocket(context.Background(), at.UDP); err != nil {
			t.Fatalf("unexpected error from OpenSocket(): %v", err)
		}
		if n := countPrefix(transport.Commands(), "AT@SOCKCREAT="); n != 3 {
			t.Errorf("expected 3 creation attempts, got %d", n)
		}
	})
}

func TestConnectSocket(t *testing.T) {
	t.Run("Records the peer", func(t *testing.T) {
		m, transport, _ := newTestModem(t, newFakeModem().withSockets())
		ctx := context.Background()

		id, _ := m.OpenSocket(ctx, at.TCP)
		if err := m.ConnectSocket(ctx, id, "93.184.216.34", 7); err != nil {
			t.Fatalf("unexpected error from ConnectSocket(): %v", err)
		}
		if !strings.Contains(strings.Join(transport.Commands(), "\n"), `AT@SOCKCONN=1,"93.184.216.34",7,30`) {
			t.Errorf("unexpected commands %q", transport.Commands())
		}
		infos := m.Sockets()
		if len(infos) != 1 || infos[0].Peer != "93.184.216.34:7" || infos[0].State != SocketConnected {
			t.Errorf("unexpected socket snapshot %+v", infos)
		}
	})

	t.Run("Failed connect blocks sending", func(t *testing.T) {
		f := newFakeModem().withSockets().on(`AT@SOCKCONN=1,"10.0.0.1",80,30`, "\r\nERROR\r\n")
		m, transport, _ := newTestModem(t, f)
		ctx := context.Background()

		id, _ := m.OpenSocket(ctx, at.TCP)
		if err := m.ConnectSocket(ctx, id, "10.0.0.1", 80); !errors.Is(err, ErrDevice) {
			t.Errorf("expected ErrDevice, got: %v", err)
		}
		if n := countPrefix(transport.Commands(), "AT@SOCKCONN="); n != 3 {
			t.Errorf("expected 3 connect attempts, got %d", n)
		}
		if _, err := m.Send(ctx, id, []byte("x")); !errors.Is(err, ErrNotConnected) {
			t.Errorf("expected ErrNotConnected, got: %v", err)
		}
	})

	t.Run("Unknown socket", func(t *testing.T) {
		m, _, _ := newTestModem(t, newFakeModem())
		for _, id := range []int{0, 1, 5, -1} {
			if err := m.ConnectSocket(context.Background(), id, "10.0.0.1", 80); !errors.Is(err, ErrNoSocket) {
				t.Errorf("socket %d: expected ErrNoSocket, got: %v", id, err)
			}
		}
	})
}

func TestSend(t *testing.T) {
	t.Run("Splits into chunks", func(t *testing.T) {
		m, transport, _ := newTestModem(t, newFakeModem().withSockets())
		ctx := context.Background()

		id, _ := m.OpenSocket(ctx, at.TCP)
		if err := m.ConnectSocket(ctx, id, "93.184.216.34", 7); err != nil {
			t.Fatalf("unexpected error from ConnectSocket(): %v", err)
		}

		data := bytes.Repeat([]byte{0x5a}, 2000)
		n, err := m.Send(ctx, id, data)
		if err != nil {
			t.Fatalf("unexpected error from Send(): %v", err)
		}
		if n != 2000 {
			t.Errorf("expected 2000 bytes sent, got %d", n)
		}

		var sizes []int
		for _, cmd := range transport.Commands() {
			var sid, size int
			if _, err := fmt.Sscanf(cmd, "AT@SOCKWRITE=%d,%d,", &sid, &size); err == nil {
				sizes = append(sizes, size)
			}
		}
		if len(sizes) != 2 || sizes[0] != 1400 || sizes[1] != 600 {
			t.Errorf("expected chunks of 1400 and 600, got %v", sizes)
		}
	})

	t.Run("Short acknowledgement is retried", func(t *testing.T) {
		f := newFakeModem().withSockets()
		m, transport, _ := newTestModem(t, f)
		ctx := context.Background()
		id, _ := m.OpenSocket(ctx, at.UDP)

		cmd, _ := at.SockWrite(id, []byte("0123456789"))
		f.on(cmd, reply("@SOCKWRITE: 5"), reply("@SOCKWRITE: 10"))

		if _, err := m.Send(ctx, id, []byte("0123456789")); err != nil {
			t.Fatalf("unexpected error from Send(): %v", err)
		}
		if n := countPrefix(transport.Commands(), "AT@SOCKWRITE="); n != 2 {
			t.Errorf("expected 2 write attempts, got %d", n)
		}
	})

	t.Run("Fails after chunk attempts", func(t *testing.T) {
		f := newFakeModem().withSockets()
		m, transport, _ := newTestModem(t, f)
		ctx := context.Background()
		id, _ := m.OpenSocket(ctx, at.UDP)

		cmd, _ := at.SockWrite(id, []byte("0123456789"))
		f.on(cmd, reply("@SOCKWRITE: 5"))

		n, err := m.Send(ctx, id, []byte("0123456789"))
		if !errors.Is(err, ErrDevice) {
			t.Errorf("expected ErrDevice, got: %v", err)
		}
		if n != 0 {
			t.Errorf("expected 0 bytes reported, got %d", n)
		}
		if n := countPrefix(transport.Commands(), "AT@SOCKWRITE="); n != 2 {
			t.Errorf("expected 2 write attempts, got %d", n)
		}
	})
}

func TestReceive(t *testing.T) {
	t.Run("Fetches announced data while waiting", func(t *testing.T) {
		data := bytes.Repeat([]byte("ab"), 64)
		f := newFakeModem().withSockets().on("AT@SOCKREAD=2,1400", payload(data))
		m, transport, _ := newTestModem(t, f)
		ctx := context.Background()

		m.OpenSocket(ctx, at.TCP)
		id, _ := m.OpenSocket(ctx, at.TCP)

		var events atomic.Int32
		if err := m.Attach(id, func() { events.Add(1) }); err != nil {
			t.Fatalf("unexpected error from Attach(): %v", err)
		}

		go func() {
			time.Sleep(50 * time.Millisecond)
			transport.SendData("\r\n@SOCKDATAIND: 2,1,128\r\n")
		}()

		buf := make([]byte, 256)
		n, err := m.Receive(ctx, id, buf, time.Second)
		if err != nil {
			t.Fatalf("unexpected error from Receive(): %v", err)
		}
		if !bytes.Equal(buf[:n], data) {
			t.Errorf("expected %d bytes of payload, got %q", len(data), buf[:n])
		}
		if events.Load() < 2 {
			t.Errorf("expected the indication and the payload to be signalled, got %d events", events.Load())
		}
		if n := countPrefix(transport.Commands(), "AT@SOCKREAD="); n != 1 {
			t.Errorf("expected exactly one read command, got %d", n)
		}
	})

	t.Run("Nothing pending", func(t *testing.T) {
		m, transport, _ := newTestModem(t, newFakeModem().withSockets())
		ctx := context.Background()
		id, _ := m.OpenSocket(ctx, at.UDP)

		transport.SendData("\r\n@SOCKDATAIND: 1,0,0\r\n")
		_, err := m.Receive(ctx, id, make([]byte, 16), time.Second)
		if !errors.Is(err, ErrWouldBlock) {
			t.Errorf("expected ErrWouldBlock, got: %v", err)
		}
		if n := countPrefix(transport.Commands(), "AT@SOCKREAD="); n != 0 {
			t.Errorf("expected no read command, got %d", n)
		}
	})

	t.Run("Times out", func(t *testing.T) {
		m, _, _ := newTestModem(t, newFakeModem().withSockets())
		ctx := context.Background()
		id, _ := m.OpenSocket(ctx, at.UDP)

		start := time.Now()
		_, err := m.Receive(ctx, id, make([]byte, 16), 100*time.Millisecond)
		if !errors.Is(err, ErrWouldBlock) {
			t.Errorf("expected ErrWouldBlock, got: %v", err)
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Errorf("receive waited %v", elapsed)
		}
	})

	t.Run("Large announcement is read in pieces", func(t *testing.T) {
		f := newFakeModem().withSockets().
			on("AT@SOCKREAD=1,4", payload([]byte("abcd")), payload([]byte("ef")))
		m, transport, _ := newTestModem(t, f, func(b *ConfigBuilder) {
			b.WithReadChunk(4)
		})
		ctx := context.Background()
		id, _ := m.OpenSocket(ctx, at.TCP)

		transport.SendData("\r\n@SOCKDATAIND: 1,1,6\r\n")

		buf := make([]byte, 16)
		n, err := m.Receive(ctx, id, buf, time.Second)
		if err != nil || string(buf[:n]) != "abcd" {
			t.Fatalf("expected abcd, got %q, %v", buf[:n], err)
		}
		n, err = m.Receive(ctx, id, buf, time.Second)
		if err != nil || string(buf[:n]) != "ef" {
			t.Fatalf("expected ef, got %q, %v", buf[:n], err)
		}
		if n := countPrefix(transport.Commands(), "AT@SOCKREAD=1,4"); n != 2 {
			t.Errorf("expected 2 read commands, got %d", n)
		}
	})

	t.Run("Small buffer keeps the rest queued", func(t *testing.T) {
		m, _, _ := newTestModem(t, newFakeModem().withSockets())
		ctx := context.Background()
		id, _ := m.OpenSocket(ctx, at.TCP)

		m.queue.enqueue(id, at.EncodeHex([]byte("hello")))

		buf := make([]byte, 3)
		n, _ := m.Receive(ctx, id, buf, time.Second)
		if string(buf[:n]) != "hel" {
			t.Errorf("expected hel, got %q", buf[:n])
		}
		n, _ = m.Receive(ctx, id, buf, time.Second)
		if string(buf[:n]) != "lo" {
			t.Errorf("expected lo, got %q", buf[:n])
		}
	})

	t.Run("Failed socket", func(t *testing.T) {
		f := newFakeModem().withSockets().on(`AT@SOCKCONN=1,"10.0.0.1",80,30`, "\r\nERROR\r\n")
		m, _, _ := newTestModem(t, f)
		ctx := context.Background()
		id, _ := m.OpenSocket(ctx, at.TCP)
		m.ConnectSocket(ctx, id, "10.0.0.1", 80)

		m.queue.enqueue(id, at.EncodeHex([]byte("late")))
		if _, err := m.Receive(ctx, id, make([]byte, 16), time.Second); !errors.Is(err, ErrNotConnected) {
			t.Errorf("expected ErrNotConnected, got: %v", err)
		}
	})

	t.Run("Other sockets are served while one waits", func(t *testing.T) {
		m, _, _ := newTestModem(t, newFakeModem().withSockets())
		ctx := context.Background()
		idle, _ := m.OpenSocket(ctx, at.TCP)
		busy, _ := m.OpenSocket(ctx, at.TCP)

		done := make(chan error, 1)
		go func() {
			_, err := m.Receive(ctx, idle, make([]byte, 16), 2*time.Second)
			done <- err
		}()
		time.Sleep(50 * time.Millisecond)

		start := time.Now()
		if _, err := m.Send(ctx, busy, []byte("hi")); err != nil {
			t.Fatalf("unexpected error from Send(): %v", err)
		}
		if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
			t.Errorf("send on socket %d waited %v for socket %d", busy, elapsed, idle)
		}

		if err := <-done; !errors.Is(err, ErrWouldBlock) {
			t.Errorf("expected ErrWouldBlock, got: %v", err)
		}
	})

	t.Run("Closing the socket ends the wait", func(t *testing.T) {
		m, _, _ := newTestModem(t, newFakeModem().withSockets())
		ctx := context.Background()
		id, _ := m.OpenSocket(ctx, at.TCP)

		done := make(chan error, 1)
		go func() {
			_, err := m.Receive(ctx, id, make([]byte, 16), 5*time.Second)
			done <- err
		}()
		time.Sleep(50 * time.Millisecond)

		if err := m.CloseSocket(ctx, id); err != nil {
			t.Fatalf("unexpected error from CloseSocket(): %v", err)
		}
		select {
		case err := <-done:
			if !errors.Is(err, ErrNoSocket) {
				t.Errorf("expected ErrNoSocket, got: %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("receive still waiting after close")
		}
	})

	t.Run("Cancelled context", func(t *testing.T) {
		m, _, _ := newTestModem(t, newFakeModem().withSockets())
		id, _ := m.OpenSocket(context.Background(), at.TCP)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := m.Receive(ctx, id, make([]byte, 16), 10*time.Second)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected context.DeadlineExceeded, got: %v", err)
		}
	})
}

func TestCloseSocket(t *testing.T) {
	t.Run("Discards queued data and indication", func(t *testing.T) {
		m, _, _ := newTestModem(t, newFakeModem().withSockets())
		ctx := context.Background()
		id, _ := m.OpenSocket(ctx, at.TCP)

		m.queue.enqueue(id, at.EncodeHex([]byte("stale")))
		m.engine.setIndication(id, indication{session: 1, more: 10})

		if err := m.CloseSocket(ctx, id); err != nil {
			t.Fatalf("unexpected error from CloseSocket(): %v", err)
		}
		if _, ok := m.engine.takeIndication(id); ok {
			t.Error("expected the indication to be cleared")
		}

		reused, _ := m.OpenSocket(ctx, at.TCP)
		if reused != id {
			t.Fatalf("expected socket %d to be reused, got %d", id, reused)
		}
		if p := m.queue.pending(reused); p != 0 {
			t.Errorf("expected a clean socket, %d bytes pending", p)
		}
	})

	t.Run("Frees the id without confirmation", func(t *testing.T) {
		f := newFakeModem().withSockets().on("AT@SOCKCLOSE=1", "\r\nERROR\r\n")
		m, _, _ := newTestModem(t, f)
		ctx := context.Background()
		id, _ := m.OpenSocket(ctx, at.TCP)

		if err := m.CloseSocket(ctx, id); !errors.Is(err, ErrDevice) {
			t.Errorf("expected ErrDevice, got: %v", err)
		}
		if len(m.Sockets()) != 0 {
			t.Errorf("expected the id to be freed, got %v", m.Sockets())
		}
	})
}

func TestSendTo(t *testing.T) {
	m, transport, _ := newTestModem(t, newFakeModem().withSockets())
	ctx := context.Background()
	id, _ := m.OpenSocket(ctx, at.UDP)

	if _, err := m.SendTo(ctx, id, "10.0.0.1", 5000, []byte("one")); err != nil {
		t.Fatalf("unexpected error from SendTo(): %v", err)
	}
	if _, err := m.SendTo(ctx, id, "10.0.0.1", 5000, []byte("two")); err != nil {
		t.Fatalf("unexpected error from SendTo(): %v", err)
	}
	if n := countPrefix(transport.Commands(), "AT@SOCKCONN="); n != 1 {
		t.Errorf("expected one connect for the same peer, got %d", n)
	}

	if _, err := m.SendTo(ctx, id, "10.0.0.2", 5000, []byte("three")); err != nil {
		t.Fatalf("unexpected error from SendTo(): %v", err)
	}
	cmds := transport.Commands()
	if countPrefix(cmds, "AT@SOCKCLOSE=1") != 1 || countPrefix(cmds, "AT@SOCKCREAT=") != 2 || countPrefix(cmds, "AT@SOCKCONN=") != 2 {
		t.Errorf("expected close, recreate and reconnect for a new peer, got %q", cmds)
	}
}

func TestReceiveFrom(t *testing.T) {
	t.Run("Reports the peer", func(t *testing.T) {
		f := newFakeModem().withSockets().on("AT@SOCKREAD=1,1400", payload([]byte("pong")))
		m, transport, _ := newTestModem(t, f)
		ctx := context.Background()
		id, _ := m.OpenSocket(ctx, at.UDP)
		if _, err := m.SendTo(ctx, id, "10.0.0.2", 5000, []byte("ping")); err != nil {
			t.Fatalf("unexpected error from SendTo(): %v", err)
		}

		transport.SendData("\r\n@SOCKDATAIND: 1,1,4\r\n")

		buf := make([]byte, 8)
		n, peer, err := m.ReceiveFrom(ctx, id, buf, time.Second)
		if err != nil {
			t.Fatalf("unexpected error from ReceiveFrom(): %v", err)
		}
		if string(buf[:n]) != "pong" || peer != "10.0.0.2:5000" {
			t.Errorf("unexpected result %q from %q", buf[:n], peer)
		}
	})

	t.Run("Unconnected socket has no peer", func(t *testing.T) {
		m, _, _ := newTestModem(t, newFakeModem().withSockets())
		ctx := context.Background()
		id, _ := m.OpenSocket(ctx, at.UDP)

		m.queue.enqueue(id, at.EncodeHex([]byte("x")))
		n, peer, err := m.ReceiveFrom(ctx, id, make([]byte, 8), time.Second)
		if err != nil || n != 1 || peer != "" {
			t.Errorf("unexpected result %d from %q, %v", n, peer, err)
		}
	})

	t.Run("Nothing arrives", func(t *testing.T) {
		m, _, _ := newTestModem(t, newFakeModem().withSockets())
		ctx := context.Background()
		id, _ := m.OpenSocket(ctx, at.UDP)

		n, peer, err := m.ReceiveFrom(ctx, id, make([]byte, 8), 100*time.Millisecond)
		if !errors.Is(err, ErrWouldBlock) || n != 0 || peer != "" {
			t.Errorf("expected ErrWouldBlock and no peer, got %d from %q, %v", n, peer, err)
		}
	})

	t.Run("Unknown socket", func(t *testing.T) {
		m, _, _ := newTestModem(t, newFakeModem())
		if _, _, err := m.ReceiveFrom(context.Background(), 2, make([]byte, 8), time.Second); !errors.Is(err, ErrNoSocket) {
			t.Errorf("expected ErrNoSocket, got: %v", err)
		}
	})
}
