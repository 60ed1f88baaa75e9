package nut

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

const maxLineLength = 64 * 1024

// Transport is a newline-delimited duplex stream. Implementations need not
// be safe for concurrent reads or writes; the Client serialises them.
// Close must be idempotent and safe to call from another goroutine.
type Transport interface {
	WriteLine(text string, timeout time.Duration) error
	ReadLine(timeout time.Duration) (string, error)
	Close() error
}

// DialFunc opens a Transport to addr within timeout.
type DialFunc func(ctx context.Context, addr string, timeout time.Duration) (Transport, error)

// LineConn is a Transport over a TCP connection.
type LineConn struct {
	addr   string
	conn   net.Conn
	r      *bufio.Reader
	closed atomic.Bool
}

// Dial connects to a upsd at addr. Refusal, DNS failure and timeout are all
// reported as *ConnectionError.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*LineConn, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectionError{Op: "dial", Addr: addr, Err: classify("dial", err, timeout)}
	}
	return &LineConn{addr: addr, conn: conn, r: bufio.NewReader(conn)}, nil
}

// DialTCP is the default DialFunc.
func DialTCP(ctx context.Context, addr string, timeout time.Duration) (Transport, error) {
	c, err := Dial(ctx, addr, timeout)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// WriteLine sends text followed by the line terminator.
func (c *LineConn) WriteLine(text string, timeout time.Duration) error {
	if strings.ContainsAny(text, "\r\n") {
		return fmt.Errorf("%w: line break in %q", ErrInvalidArgument, text)
	}
	if c.closed.Load() {
		return &ConnectionError{Op: "write", Addr: c.addr, Err: ErrClosed}
	}
	if timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	if _, err := io.WriteString(c.conn, text+"\n"); err != nil {
		return c.ioError("write", err, timeout)
	}
	return nil
}

// ReadLine returns the next line without its terminator. Bytes that arrive
// in several segments are buffered until the newline is seen.
func (c *LineConn) ReadLine(timeout time.Duration) (string, error) {
	if c.closed.Load() {
		return "", &ConnectionError{Op: "read", Addr: c.addr, Err: ErrClosed}
	}
	if timeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	}

	var line []byte
	for {
		chunk, err := c.r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > maxLineLength {
			return "", &ProtocolError{Msg: fmt.Sprintf("line exceeds %d bytes", maxLineLength)}
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && !c.closed.Load() {
			return "", &ConnectionError{
				Op:   "read",
				Addr: c.addr,
				Err:  fmt.Errorf("remote closed connection with %d unterminated bytes: %w", len(line), io.ErrUnexpectedEOF),
			}
		}
		return "", c.ioError("read", err, timeout)
	}
	return strings.TrimRight(string(line), "\r\n"), nil
}

// Close shuts the socket down. It never fails and may be called repeatedly.
func (c *LineConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	_ = c.conn.Close()
	return nil
}

func (c *LineConn) ioError(op string, err error, timeout time.Duration) error {
	if c.closed.Load() {
		return &ConnectionError{Op: op, Addr: c.addr, Err: ErrClosed}
	}
	return &ConnectionError{Op: op, Addr: c.addr, Err: classify(op, err, timeout)}
}

func classify(op string, err error, timeout time.Duration) error {
	var ne net.Error
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &ne) && ne.Timeout()) {
		return &TimeoutError{Op: op, Timeout: timeout}
	}
	return err
}
