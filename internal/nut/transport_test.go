package nut

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

// serveOnce accepts a single connection and hands it to fn.
func serveOnce(t *testing.T, fn func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		fn(conn)
	}()
	t.Cleanup(func() {
		ln.Close()
		<-done
	})
	return ln.Addr().String()
}

func dialTest(t *testing.T, addr string) *LineConn {
	t.Helper()
	c, err := Dial(context.Background(), addr, time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestLineConn_ReassemblesSplitLine(t *testing.T) {
	addr := serveOnce(t, func(conn net.Conn) {
		io.WriteString(conn, "BEGIN LI")
		time.Sleep(30 * time.Millisecond)
		io.WriteString(conn, "ST UPS\r\nUPS a \"b\"\n")
		time.Sleep(100 * time.Millisecond)
	})
	c := dialTest(t, addr)

	line, err := c.ReadLine(time.Second)
	if err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	if line != "BEGIN LIST UPS" {
		t.Errorf("line = %q, want %q", line, "BEGIN LIST UPS")
	}
	line, err = c.ReadLine(time.Second)
	if err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	if line != `UPS a "b"` {
		t.Errorf("line = %q", line)
	}
}

func TestLineConn_WriteAppendsTerminator(t *testing.T) {
	got := make(chan string, 1)
	addr := serveOnce(t, func(conn net.Conn) {
		buf := make([]byte, 64)
		n, _ := io.ReadAtLeast(conn, buf, len("LIST UPS\n"))
		got <- string(buf[:n])
	})
	c := dialTest(t, addr)

	if err := c.WriteLine("LIST UPS", time.Second); err != nil {
		t.Fatalf("WriteLine: %v", err)
	}
	select {
	case s := <-got:
		if s != "LIST UPS\n" {
			t.Errorf("server read %q", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the line")
	}
}

func TestLineConn_WriteRejectsLineBreaks(t *testing.T) {
	addr := serveOnce(t, func(conn net.Conn) { time.Sleep(50 * time.Millisecond) })
	c := dialTest(t, addr)

	err := c.WriteLine("LIST UPS\nLOGOUT", time.Second)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestLineConn_ReadTimeout(t *testing.T) {
	release := make(chan struct{})
	addr := serveOnce(t, func(conn net.Conn) { <-release })
	defer close(release)
	c := dialTest(t, addr)

	start := time.Now()
	_, err := c.ReadLine(50 * time.Millisecond)
	var ce *ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want *ConnectionError", err)
	}
	if !ce.Timeout() {
		t.Errorf("Timeout() = false for %v", err)
	}
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Errorf("errors.As(*TimeoutError) failed for %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("ReadLine took %v, want about 50ms", elapsed)
	}
}

func TestLineConn_RemoteCloseMidLine(t *testing.T) {
	addr := serveOnce(t, func(conn net.Conn) {
		io.WriteString(conn, "VAR ups battery.charge")
	})
	c := dialTest(t, addr)

	_, err := c.ReadLine(time.Second)
	var ce *ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want *ConnectionError", err)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("err = %v, want io.ErrUnexpectedEOF in chain", err)
	}
}

func TestLineConn_OversizedLine(t *testing.T) {
	addr := serveOnce(t, func(conn net.Conn) {
		chunk := make([]byte, 4096)
		for i := range chunk {
			chunk[i] = 'x'
		}
		for i := 0; i < maxLineLength/len(chunk)+2; i++ {
			if _, err := conn.Write(chunk); err != nil {
				return
			}
		}
	})
	c := dialTest(t, addr)

	_, err := c.ReadLine(2 * time.Second)
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *ProtocolError", err)
	}
}

func TestLineConn_CloseIsIdempotent(t *testing.T) {
	addr := serveOnce(t, func(conn net.Conn) { time.Sleep(50 * time.Millisecond) })
	c := dialTest(t, addr)

	if err := c.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	err := c.WriteLine("LIST UPS", time.Second)
	if !errors.Is(err, ErrClosed) {
		t.Errorf("write after close = %v, want ErrClosed", err)
	}
	_, err = c.ReadLine(time.Second)
	if !errors.Is(err, ErrClosed) {
		t.Errorf("read after close = %v, want ErrClosed", err)
	}
}

func TestLineConn_CloseUnblocksRead(t *testing.T) {
	release := make(chan struct{})
	addr := serveOnce(t, func(conn net.Conn) { <-release })
	defer close(release)
	c := dialTest(t, addr)

	time.AfterFunc(30*time.Millisecond, func() { c.Close() })
	_, err := c.ReadLine(5 * time.Second)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestDial_Refused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	_, err = Dial(context.Background(), addr, time.Second)
	var ce *ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want *ConnectionError", err)
	}
	if ce.Op != "dial" {
		t.Errorf("Op = %q, want dial", ce.Op)
	}
}
