package transport

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/danmuck/edgenode/internal/protocol/frame"
	"github.com/danmuck/edgenode/internal/protocol/osc"
	"github.com/danmuck/edgenode/internal/testutil/testlog"
)

func listen(t *testing.T) (net.Listener, uint16) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	return ln, uint16(ln.Addr().(*net.TCPAddr).Port)
}

func connectAndWait(t *testing.T, c *TCP, port uint16) {
	t.Helper()
	if err := c.Connect("127.0.0.1", port); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "tcp connect", func() bool {
		c.Poll()
		return c.Connected()
	})
}

// readFramed reads from conn until one size-prefixed packet is complete.
func readFramed(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	s := frame.NewSplitter(frame.DefaultLimits())
	buf := make([]byte, 512)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("server read frame: %v", err)
		}
		packets, err := s.Feed(buf[:n])
		if err != nil {
			t.Fatalf("server split frame: %v", err)
		}
		if len(packets) > 0 {
			return packets[0]
		}
	}
}

func TestTCPExchangesMessages(t *testing.T) {
	testlog.Start(t)

	ln, port := listen(t)
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	c := NewTCP(TCPConfig{})
	defer c.Close()
	connectAndWait(t, c, port)
	server := <-accepted
	defer server.Close()

	out := osc.New("/status", osc.String("up"))
	if err := c.Send(out); err != nil {
		t.Fatalf("send: %v", err)
	}
	want, _ := out.MarshalBinary()
	got := make([]byte, len(want))
	if _, err := io.ReadFull(server, got); err != nil {
		t.Fatalf("server read: %v", err)
	}
	if in, err := osc.Parse(got); err != nil || !in.Equal(out) {
		t.Fatalf("server got %v err=%v", in, err)
	}

	reply, _ := osc.New("/ack", osc.Int32(1)).MarshalBinary()
	if _, err := server.Write(reply); err != nil {
		t.Fatalf("server write: %v", err)
	}
	var pkt Packet
	waitFor(t, "tcp data", func() bool {
		var ok bool
		pkt, ok = c.Poll()
		return ok
	})
	if m, err := osc.Parse(pkt.Data); err != nil || m.Address != "/ack" {
		t.Fatalf("unexpected reply %v err=%v", m, err)
	}
	if pkt.Source.Port() != port {
		t.Fatalf("expected source port %d, got %v", port, pkt.Source)
	}
}

func TestTCPDropsWhenBufferCannotFit(t *testing.T) {
	testlog.Start(t)

	ln, port := listen(t)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			_, _ = io.Copy(io.Discard, conn)
		}
	}()

	c := NewTCP(TCPConfig{BufferSize: 16})
	defer c.Close()
	connectAndWait(t, c, port)

	big := osc.New("/too/long/for/buffer", osc.Int32(1))
	if err := c.Send(big); err != nil {
		t.Fatalf("oversize send must not error, got %v", err)
	}
	if c.Dropped() != 1 {
		t.Fatalf("expected one drop, got %d", c.Dropped())
	}

	if err := c.Send(osc.New("/a", osc.Int32(1))); err != nil {
		t.Fatalf("small send: %v", err)
	}
	if c.Dropped() != 1 {
		t.Fatalf("small message should fit, drops=%d", c.Dropped())
	}
}

func TestTCPNotConnectedAndBind(t *testing.T) {
	testlog.Start(t)

	c := NewTCP(TCPConfig{})
	if err := c.Send(osc.New("/x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := c.Bind(8000); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	if err := c.Connect("127.0.0.1", 0); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress for port 0, got %v", err)
	}
}

func TestTCPRemoteCloseRaisesDisconnect(t *testing.T) {
	testlog.Start(t)

	ln, port := listen(t)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			_ = conn.Close()
		}
	}()

	c := NewTCP(TCPConfig{})
	defer c.Close()
	var kinds []EventKind
	c.SetEventHook(func(ev Event) { kinds = append(kinds, ev.Kind) })
	if err := c.Connect("127.0.0.1", port); err != nil {
		t.Fatalf("connect: %v", err)
	}

	waitFor(t, "disconnect event", func() bool {
		c.Poll()
		for _, k := range kinds {
			if k == EventDisconnect {
				return true
			}
		}
		return false
	})
	if kinds[0] != EventConnect {
		t.Fatalf("expected connect first, got %v", kinds)
	}
	if c.Connected() {
		t.Fatalf("expected disconnected state")
	}
}

func TestTCPRefusedDialReportsError(t *testing.T) {
	testlog.Start(t)

	ln, port := listen(t)
	_ = ln.Close()

	c := NewTCP(TCPConfig{})
	defer c.Close()
	var got []EventKind
	c.SetEventHook(func(ev Event) { got = append(got, ev.Kind) })
	if err := c.Connect("127.0.0.1", port); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "dial failure", func() bool {
		c.Poll()
		return len(got) > 0
	})
	if got[0] != EventError && got[0] != EventTimeout {
		t.Fatalf("expected error or timeout, got %v", got)
	}
}

func TestTCPSizeFramingSplitsStream(t *testing.T) {
	testlog.Start(t)

	ln, port := listen(t)
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	framing, err := ParseFraming("size")
	if err != nil {
		t.Fatalf("parse framing: %v", err)
	}
	c := NewTCP(TCPConfig{Framing: framing})
	defer c.Close()
	connectAndWait(t, c, port)
	server := <-accepted
	defer server.Close()

	out := osc.New("/status", osc.String("up"))
	if err := c.Send(out); err != nil {
		t.Fatalf("send: %v", err)
	}
	payload := readFramed(t, server)
	if in, err := osc.Parse(payload); err != nil || !in.Equal(out) {
		t.Fatalf("server got %v err=%v", in, err)
	}

	a, _ := osc.New("/a", osc.Int32(1)).MarshalBinary()
	b, _ := osc.New("/b", osc.Int32(2)).MarshalBinary()
	if _, err := server.Write(frame.Append(frame.Append(nil, a), b)); err != nil {
		t.Fatalf("server write: %v", err)
	}

	var addrs []string
	waitFor(t, "two framed packets", func() bool {
		for {
			pkt, ok := c.Poll()
			if !ok {
				break
			}
			m, err := osc.Parse(pkt.Data)
			if err != nil {
				t.Fatalf("parse framed packet: %v", err)
			}
			addrs = append(addrs, m.Address)
		}
		return len(addrs) >= 2
	})
	if addrs[0] != "/a" || addrs[1] != "/b" {
		t.Fatalf("unexpected packet order %v", addrs)
	}

	if _, err := ParseFraming("slip"); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestTCPDisconnectDiscardsQueuedEvents(t *testing.T) {
	testlog.Start(t)

	ln, port := listen(t)
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	var seen []EventKind
	c := NewTCP(TCPConfig{})
	c.SetEventHook(func(ev Event) { seen = append(seen, ev.Kind) })
	defer c.Close()
	connectAndWait(t, c, port)
	server := <-accepted

	payload, _ := osc.New("/stale", osc.Int32(1)).MarshalBinary()
	if _, err := server.Write(payload); err != nil {
		t.Fatalf("server write: %v", err)
	}
	_ = server.Close()
	waitFor(t, "queued data and disconnect", func() bool { return len(c.events) >= 2 })

	seen = nil
	if err := c.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if pkt, ok := c.Poll(); ok {
		t.Fatalf("stale packet delivered after disconnect: %x", pkt.Data)
	}
	if len(seen) != 0 {
		t.Fatalf("stale events reached the hook: %v", seen)
	}
}

func TestTCPCancelledDialErrorIsDropped(t *testing.T) {
	testlog.Start(t)

	dead, deadPort := listen(t)
	_ = dead.Close()
	ln, port := listen(t)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			_, _ = io.Copy(io.Discard, conn)
		}
	}()

	var seen []EventKind
	c := NewTCP(TCPConfig{})
	c.SetEventHook(func(ev Event) { seen = append(seen, ev.Kind) })
	defer c.Close()

	if err := c.Connect("127.0.0.1", deadPort); err != nil {
		t.Fatalf("connect dead: %v", err)
	}
	connectAndWait(t, c, port)
	// Give the refused dial time to land after the live one.
	time.Sleep(50 * time.Millisecond)
	c.Poll()

	for _, k := range seen {
		if k == EventError || k == EventTimeout {
			t.Fatalf("event from the cancelled dial was delivered: %v", seen)
		}
	}
	if !c.Connected() {
		t.Fatalf("live session lost")
	}
}
