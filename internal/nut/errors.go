package nut

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrClosed is wrapped by ConnectionError when I/O is attempted on a
	// transport that has already been closed.
	ErrClosed = errors.New("connection closed")

	// ErrClientClosed is returned by every Client operation after Close.
	ErrClientClosed = errors.New("nut client closed")

	// ErrNoCredentials is wrapped by AuthError when a privileged command is
	// attempted against a server configured without a username.
	ErrNoCredentials = errors.New("no credentials configured")

	// ErrInvalidArgument is returned before anything is written when a
	// command argument cannot be sent on a single protocol line.
	ErrInvalidArgument = errors.New("invalid command argument")
)

// ConnectionError reports that a server could not be reached or the
// connection to it was lost. Timeouts are ConnectionErrors wrapping a
// *TimeoutError.
type ConnectionError struct {
	Op   string // dial, read, write
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("nut: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("nut: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Timeout reports whether the connection failed because a deadline expired.
func (e *ConnectionError) Timeout() bool {
	var te *TimeoutError
	return errors.As(e.Err, &te)
}

// TimeoutError reports that a single read, write or dial exceeded its
// deadline.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
}

// ProtocolError reports a malformed or unterminated response. The
// connection it happened on is always discarded.
type ProtocolError struct {
	Msg  string
	Line string
	Err  error
}

func (e *ProtocolError) Error() string {
	s := "nut: protocol error: " + e.Msg
	if e.Line != "" {
		s += fmt.Sprintf(" (line %q)", e.Line)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ServerError is an "ERR <code> [detail]" reply from upsd that has no more
// specific mapping.
type ServerError struct {
	Code   string
	Detail string
}

func (e *ServerError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("nut: server error %s (%s)", e.Code, e.Detail)
	}
	return "nut: server error " + e.Code
}

// AuthError reports missing or rejected credentials.
type AuthError struct {
	User string
	Err  error
}

func (e *AuthError) Error() string {
	if e.User == "" {
		return fmt.Sprintf("nut: authentication failed: %v", e.Err)
	}
	return fmt.Sprintf("nut: authentication failed for %q: %v", e.User, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// DeviceNotFoundError reports that the server does not know the UPS.
type DeviceNotFoundError struct {
	Device string
	Err    error
}

func (e *DeviceNotFoundError) Error() string {
	return fmt.Sprintf("nut: device %q not found", e.Device)
}

func (e *DeviceNotFoundError) Unwrap() error { return e.Err }

// VarNotFoundError reports that a variable does not exist on the device or
// cannot be written.
type VarNotFoundError struct {
	Device string
	Var    string
	Err    error
}

func (e *VarNotFoundError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("nut: variable %q on device %q: %v", e.Var, e.Device, e.Err)
	}
	return fmt.Sprintf("nut: variable %q on device %q not found", e.Var, e.Device)
}

func (e *VarNotFoundError) Unwrap() error { return e.Err }

// IsFatal reports whether err leaves the connection in an unknown state.
// Fatal errors close the connection; semantic ones keep it usable.
func IsFatal(err error) bool {
	var ce *ConnectionError
	var pe *ProtocolError
	return errors.As(err, &ce) || errors.As(err, &pe)
}

// mapServerError translates an ERR reply into the typed error taxonomy.
// device and name give context; either may be empty.
func mapServerError(se *ServerError, user, device, name string) error {
	switch se.Code {
	case "UNKNOWN-UPS":
		return &DeviceNotFoundError{Device: device, Err: se}
	case "VAR-NOT-SUPPORTED", "READONLY":
		if name == "" {
			return se
		}
		return &VarNotFoundError{Device: device, Var: name, Err: se}
	case "ACCESS-DENIED", "USERNAME-REQUIRED", "PASSWORD-REQUIRED",
		"INVALID-USERNAME", "INVALID-PASSWORD":
		return &AuthError{User: user, Err: se}
	default:
		return se
	}
}
