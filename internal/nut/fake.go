package nut

import (
	"context"
	"sync"
	"time"
)

// FakeTransport is a scripted Transport for tests.
//
// Replies maps an exact command line (as produced by EncodeCommand) to the
// lines returned for it. Unknown commands get "ERR UNKNOWN-COMMAND". When no
// reply is queued, ReadLine fails with a timeout, like a silent server.
type FakeTransport struct {
	Replies map[string][]string

	mu      sync.Mutex
	written []string
	pending []string
	closed  bool
	dials   int
}

// Dialer returns a DialFunc that hands out this transport, reopening it on
// every dial so reconnect paths can be exercised.
func (f *FakeTransport) Dialer() DialFunc {
	return func(ctx context.Context, addr string, timeout time.Duration) (Transport, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.dials++
		f.closed = false
		f.pending = nil
		return f, nil
	}
}

// WriteLine records text and queues the scripted reply.
func (f *FakeTransport) WriteLine(text string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return &ConnectionError{Op: "write", Addr: "fake", Err: ErrClosed}
	}
	f.written = append(f.written, text)
	if reply, ok := f.Replies[text]; ok {
		f.pending = append(f.pending, reply...)
	} else {
		f.pending = append(f.pending, "ERR UNKNOWN-COMMAND")
	}
	return nil
}

// ReadLine pops the next queued reply line.
func (f *FakeTransport) ReadLine(timeout time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return "", &ConnectionError{Op: "read", Addr: "fake", Err: ErrClosed}
	}
	if len(f.pending) == 0 {
		return "", &ConnectionError{Op: "read", Addr: "fake", Err: &TimeoutError{Op: "read", Timeout: timeout}}
	}
	line := f.pending[0]
	f.pending = f.pending[1:]
	return line, nil
}

// Close marks the transport closed.
func (f *FakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Written returns a copy of every line written so far.
func (f *FakeTransport) Written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.written))
	copy(out, f.written)
	return out
}

// Closed reports whether the transport is currently closed.
func (f *FakeTransport) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Dials reports how many times Dialer's DialFunc was invoked.
func (f *FakeTransport) Dials() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}
