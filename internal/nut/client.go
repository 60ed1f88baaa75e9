// Package nut speaks the Network UPS Tools network protocol to upsd.
//
// A Client owns at most one connection at a time and runs exactly one
// command on it at a time. Transport and protocol failures discard the
// connection; the next call dials again. Failed commands are never retried.
package nut

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds every dial, write and read when Options.Timeout is
// zero.
const DefaultTimeout = 5 * time.Second

const descriptionUnavailable = "Description unavailable"

// Options tune a Client. The zero value is usable.
type Options struct {
	Timeout time.Duration
	Logger  *zap.SugaredLogger
	Dial    DialFunc
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
	if o.Dial == nil {
		o.Dial = DialTCP
	}
	return o
}

// Client is the per-server API over one upsd connection.
type Client struct {
	cfg  ServerConfig
	opts Options
	log  *zap.SugaredLogger

	mu    sync.Mutex // held for a whole command cycle
	conn  Transport
	state State
}

// NewClient returns a disconnected Client for cfg. No I/O happens until
// the first operation.
func NewClient(cfg ServerConfig, opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		cfg:  cfg,
		opts: opts,
		log:  opts.Logger.With("server", cfg.Addr()),
	}
}

// Config returns the server this client talks to.
func (c *Client) Config() ServerConfig { return c.cfg }

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the connection. It is a no-op when already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

// TestConnection dials a separate, short-lived connection, lists the UPS
// set, logs out and hangs up. The client's own connection and state are
// untouched.
func (c *Client) TestConnection(ctx context.Context) error {
	if c.State() == StateClosed {
		return &ConnectionError{Op: "connect", Addr: c.cfg.Addr(), Err: ErrClientClosed}
	}
	probe := NewClient(c.cfg, c.opts)
	defer probe.Close() //nolint:errcheck
	if _, err := probe.ListDevices(ctx); err != nil {
		return fmt.Errorf("testing connection to %s: %w", c.cfg.Addr(), err)
	}

	probe.mu.Lock()
	defer probe.mu.Unlock()
	if _, err := probe.expect(ctx, []string{"LOGOUT"}, []string{"OK"}, -1); err != nil {
		c.log.Debugw("logout failed", "err", err)
	}
	return nil
}

// CheckCredentials logs in on a separate, short-lived connection to
// validate the configured username and password.
func (c *Client) CheckCredentials(ctx context.Context) error {
	if c.State() == StateClosed {
		return &ConnectionError{Op: "connect", Addr: c.cfg.Addr(), Err: ErrClientClosed}
	}
	probe := NewClient(c.cfg, c.opts)
	defer probe.Close() //nolint:errcheck

	probe.mu.Lock()
	defer probe.mu.Unlock()
	return probe.authenticateLocked(ctx)
}

// ListDevices returns the UPS names and descriptions known to the server,
// without variables.
func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listUPSLocked(ctx)
}

// GetDevices returns a full snapshot of every UPS on the server. The whole
// snapshot is taken under one hold of the command lock, so each device's
// vars and RW set are consistent with each other.
func (c *Client) GetDevices(ctx context.Context) ([]Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	devices, err := c.listUPSLocked(ctx)
	if err != nil {
		return nil, err
	}
	for i := range devices {
		d := &devices[i]
		if d.Vars, err = c.getDataLocked(ctx, d.Name); err != nil {
			return nil, err
		}
		if d.RWVars, err = c.namesLocked(ctx, "RW", d.Name); err != nil {
			return nil, err
		}
		if d.Commands, err = c.optionalNamesLocked(ctx, "CMD", d.Name); err != nil {
			return nil, err
		}
		if d.Clients, err = c.optionalNamesLocked(ctx, "CLIENT", d.Name); err != nil {
			return nil, err
		}
	}
	return devices, nil
}

// DeviceExists reports whether the server lists a UPS called name. A
// missing device is not an error.
func (c *Client) DeviceExists(ctx context.Context, name string) (bool, error) {
	devices, err := c.ListDevices(ctx)
	if err != nil {
		return false, err
	}
	for _, d := range devices {
		if d.Name == name {
			return true, nil
		}
	}
	return false, nil
}

// GetData returns every variable of device.
func (c *Client) GetData(ctx context.Context, device string) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getDataLocked(ctx, device)
}

// GetRWVars returns the sorted names of device's writable variables.
func (c *Client) GetRWVars(ctx context.Context, device string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.namesLocked(ctx, "RW", device)
}

// GetCommands returns the instant commands device supports.
func (c *Client) GetCommands(ctx context.Context, device string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.namesLocked(ctx, "CMD", device)
}

// GetClients returns the clients attached to device.
func (c *Client) GetClients(ctx context.Context, device string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.namesLocked(ctx, "CLIENT", device)
}

// GetVar returns the current value of one variable.
func (c *Client) GetVar(ctx context.Context, device, name string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tokens, err := c.expect(ctx, []string{"GET", "VAR", device, name}, []string{"VAR", device, name}, 4)
	if err != nil {
		return "", c.semantic(err, device, name)
	}
	return tokens[3], nil
}

// GetVarDescription returns the server's description of a variable, or
// "" when upsd has none.
func (c *Client) GetVarDescription(ctx context.Context, device, name string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tokens, err := c.expect(ctx, []string{"GET", "DESC", device, name}, []string{"DESC", device, name}, 4)
	if err != nil {
		err = c.semantic(err, device, name)
		if se, ok := err.(*ServerError); ok {
			return "", &VarNotFoundError{Device: device, Var: name, Err: se}
		}
		return "", err
	}
	if tokens[3] == descriptionUnavailable {
		return "", nil
	}
	return tokens[3], nil
}

// SetVar writes value to a variable, logging in first if needed.
func (c *Client) SetVar(ctx context.Context, device, name, value string) (SetVarResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.authenticateLocked(ctx); err != nil {
		return SetVarResult{}, err
	}
	if _, err := c.expect(ctx, []string{"SET", "VAR", device, name, value}, []string{"OK"}, -1); err != nil {
		return SetVarResult{}, c.semantic(err, device, name)
	}
	c.log.Infow("variable set", "device", device, "var", name)
	return SetVarResult{Device: device, Variable: name, Value: value}, nil
}

// Close logs out if authenticated and closes the connection. The client
// cannot be used afterwards. Close never fails and may be called again.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return nil
	}
	if c.state == StateAuthenticated && c.conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
		if _, err := c.expect(ctx, []string{"LOGOUT"}, []string{"OK"}, -1); err != nil {
			c.log.Debugw("logout failed", "err", err)
		}
		cancel()
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.state = StateClosed
	return nil
}

func (c *Client) connectLocked(ctx context.Context) error {
	switch c.state {
	case StateClosed:
		return &ConnectionError{Op: "connect", Addr: c.cfg.Addr(), Err: ErrClientClosed}
	case StateConnected, StateAuthenticated:
		return nil
	}
	conn, err := c.opts.Dial(ctx, c.cfg.Addr(), c.timeoutFor(ctx))
	if err != nil {
		return err
	}
	c.conn = conn
	c.state = StateConnected
	c.log.Debugw("connected")
	return nil
}

// dropLocked discards the connection after a fatal error.
func (c *Client) dropLocked(cause error) {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	if c.state != StateClosed {
		c.state = StateDisconnected
	}
	c.log.Warnw("connection dropped", "err", cause)
}

func (c *Client) authenticateLocked(ctx context.Context) error {
	if c.state == StateAuthenticated {
		return nil
	}
	if !c.cfg.HasCredentials() {
		return &AuthError{Err: ErrNoCredentials}
	}
	for _, args := range [][]string{
		{"USERNAME", c.cfg.Username},
		{"PASSWORD", c.cfg.Password},
	} {
		if _, err := c.expect(ctx, args, []string{"OK"}, -1); err != nil {
			var se *ServerError
			if errors.As(err, &se) {
				// upsd refuses a second USERNAME on the same session.
				c.dropLocked(se)
				return &AuthError{User: c.cfg.Username, Err: se}
			}
			return err
		}
	}
	c.state = StateAuthenticated
	c.log.Debugw("authenticated", "user", c.cfg.Username)
	return nil
}

func (c *Client) listUPSLocked(ctx context.Context) ([]Device, error) {
	rows, err := c.list(ctx, 1, "UPS")
	if err != nil {
		return nil, err
	}
	devices := make([]Device, 0, len(rows))
	for _, row := range rows {
		d := Device{
			Name:     row[0],
			Vars:     map[string]string{},
			RWVars:   []string{},
			Commands: []string{},
			Clients:  []string{},
		}
		if len(row) > 1 && row[1] != descriptionUnavailable {
			d.Description = row[1]
		}
		devices = append(devices, d)
	}
	return devices, nil
}

func (c *Client) getDataLocked(ctx context.Context, device string) (map[string]string, error) {
	rows, err := c.list(ctx, 2, "VAR", device)
	if err != nil {
		return nil, c.semantic(err, device, "")
	}
	vars := make(map[string]string, len(rows))
	for _, row := range rows {
		vars[row[0]] = row[1]
	}
	return vars, nil
}

// namesLocked runs LIST <kind> <device> and returns the first column as a
// sorted set. RW rows carry the current value as a second column; it is
// ignored here.
func (c *Client) namesLocked(ctx context.Context, kind, device string) ([]string, error) {
	rows, err := c.list(ctx, 1, kind, device)
	if err != nil {
		return nil, c.semantic(err, device, "")
	}
	names := make([]string, 0, len(rows))
	for _, row := range rows {
		names = append(names, row[0])
	}
	return setOf(names), nil
}

// optionalNamesLocked is namesLocked for lists that some servers refuse.
// A refusal yields an empty list; transport and protocol failures do not.
func (c *Client) optionalNamesLocked(ctx context.Context, kind, device string) ([]string, error) {
	names, err := c.namesLocked(ctx, kind, device)
	if err == nil {
		return names, nil
	}
	var nf *DeviceNotFoundError
	if IsFatal(err) || errors.As(err, &nf) {
		return nil, err
	}
	c.log.Debugw("optional list refused", "kind", kind, "device", device, "err", err)
	return []string{}, nil
}

// semantic maps an ERR reply to the typed taxonomy; other errors pass
// through unchanged.
func (c *Client) semantic(err error, device, name string) error {
	var se *ServerError
	if IsFatal(err) || !errors.As(err, &se) {
		return err
	}
	return mapServerError(se, c.cfg.Username, device, name)
}

// expect sends one command and reads a single-line reply that must start
// with prefix. n is the exact token count required, or -1 for any.
func (c *Client) expect(ctx context.Context, args, prefix []string, n int) ([]string, error) {
	var tokens []string
	err := c.roundTrip(ctx, args, func(next func() (string, error)) error {
		line, err := next()
		if err != nil {
			return err
		}
		if tokens, err = ParseResponse(line); err != nil {
			return err
		}
		if !hasPrefix(tokens, prefix) || (n >= 0 && len(tokens) != n) {
			return &ProtocolError{Msg: "unexpected reply to " + args[0], Line: line}
		}
		return nil
	})
	return tokens, err
}

// list runs LIST <subject...> and returns its rows, each guaranteed to
// have at least minCols columns. Nothing is returned unless the END marker
// arrived.
func (c *Client) list(ctx context.Context, minCols int, subject ...string) ([][]string, error) {
	lr := NewListReader(subject...)
	args := append([]string{"LIST"}, subject...)
	err := c.roundTrip(ctx, args, func(next func() (string, error)) error {
		for {
			line, err := next()
			if err != nil {
				return &ProtocolError{Msg: "unterminated " + strings.Join(args, " "), Err: err}
			}
			done, err := lr.Feed(line)
			if err != nil {
				return err
			}
			if done {
				break
			}
		}
		for _, row := range lr.Rows() {
			if len(row) < minCols {
				return &ProtocolError{Msg: fmt.Sprintf("short row in %s: %q", strings.Join(args, " "), row)}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lr.Rows(), nil
}

// roundTrip writes one command and lets read consume its reply. It is the
// only place that touches the connection, and callers hold c.mu, so at
// most one command is ever in flight. Cancelling ctx closes the
// connection, which fails the pending read.
func (c *Client) roundTrip(ctx context.Context, args []string, read func(next func() (string, error)) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, a := range args {
		if strings.ContainsAny(a, "\r\n") {
			return fmt.Errorf("%w: %q contains a line break", ErrInvalidArgument, a)
		}
	}
	if err := c.connectLocked(ctx); err != nil {
		return err
	}

	conn := c.conn
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		// The callback may have closed conn after the reply was read.
		if !stop() && c.conn == conn {
			c.dropLocked(context.Cause(ctx))
		}
	}()

	c.logCommand(args)
	err := conn.WriteLine(EncodeCommand(args...), c.timeoutFor(ctx))
	if err == nil {
		err = read(func() (string, error) {
			return conn.ReadLine(c.timeoutFor(ctx))
		})
	}
	if err == nil {
		return nil
	}
	if IsFatal(err) {
		c.dropLocked(err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %w", err, ctxErr)
		}
	}
	return err
}

func (c *Client) timeoutFor(ctx context.Context) time.Duration {
	t := c.opts.Timeout
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < t {
			t = rem
		}
	}
	if t <= 0 {
		t = time.Millisecond
	}
	return t
}

func (c *Client) logCommand(args []string) {
	if args[0] == "PASSWORD" {
		c.log.Debugw("send", "cmd", "PASSWORD ****")
		return
	}
	c.log.Debugw("send", "cmd", strings.Join(args, " "))
}
