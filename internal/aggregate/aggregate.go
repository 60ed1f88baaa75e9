// Package aggregate fans NUT queries out across every configured upsd and
// merges the answers. It holds no connections between calls: each call
// builds one client per server and closes it before returning.
package aggregate

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sweeney/upsdash/internal/nut"
)

// ErrNoServers is returned when the caller passes an empty server list.
var ErrNoServers = errors.New("no NUT servers configured")

// Source is the part of *nut.Client the aggregator uses.
type Source interface {
	GetDevices(ctx context.Context) ([]nut.Device, error)
	DeviceExists(ctx context.Context, name string) (bool, error)
	GetVar(ctx context.Context, device, name string) (string, error)
	GetVarDescription(ctx context.Context, device, name string) (string, error)
	SetVar(ctx context.Context, device, name, value string) (nut.SetVarResult, error)
	TestConnection(ctx context.Context) error
	CheckCredentials(ctx context.Context) error
	Close() error
}

// Compile-time interface check.
var _ Source = (*nut.Client)(nil)

// ClientFactory builds a Source for one server.
type ClientFactory func(nut.ServerConfig) Source

// NewClientFactory returns a factory producing real clients with opts.
func NewClientFactory(opts nut.Options) ClientFactory {
	return func(cfg nut.ServerConfig) Source {
		return nut.NewClient(cfg, opts)
	}
}

// ServerFailure records why one server contributed nothing to a result.
type ServerFailure struct {
	Server nut.ServerConfig
	Err    error
}

func (f ServerFailure) Error() string {
	return fmt.Sprintf("%s: %v", f.Server.Addr(), f.Err)
}

func (f ServerFailure) Unwrap() error { return f.Err }

// Result is the merged view of all servers. Devices keeps config order;
// Failures has one entry per server that could not be read.
type Result struct {
	Devices  []nut.Device
	Failures []ServerFailure
}

// Aggregator is stateless apart from its factory and logger, so one value
// can serve concurrent callers.
type Aggregator struct {
	newClient ClientFactory
	log       *zap.SugaredLogger
}

// New returns an Aggregator. A nil factory builds real clients; a nil
// logger discards output.
func New(factory ClientFactory, log *zap.SugaredLogger) *Aggregator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if factory == nil {
		factory = NewClientFactory(nut.Options{Logger: log})
	}
	return &Aggregator{newClient: factory, log: log}
}

// GetAllDevices snapshots every server concurrently. Devices from servers
// that answered are returned even when others failed; the error combines
// every ServerFailure and is nil only if all servers succeeded.
func (a *Aggregator) GetAllDevices(ctx context.Context, configs []nut.ServerConfig) (Result, error) {
	if len(configs) == 0 {
		return Result{Devices: []nut.Device{}}, ErrNoServers
	}

	perServer := make([][]nut.Device, len(configs))
	failed := make([]error, len(configs))

	// A plain Group: one server failing must not cancel the others.
	var g errgroup.Group
	for i, cfg := range configs {
		i, cfg := i, cfg
		g.Go(func() error {
			c := a.newClient(cfg)
			defer c.Close() //nolint:errcheck
			devices, err := c.GetDevices(ctx)
			if err != nil {
				a.log.Warnw("server snapshot failed", "server", cfg.Addr(), "err", err)
				failed[i] = err
				return nil
			}
			perServer[i] = devices
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Devices: []nut.Device{}}
	var combined error
	for i, cfg := range configs {
		if failed[i] != nil {
			f := ServerFailure{Server: cfg, Err: failed[i]}
			res.Failures = append(res.Failures, f)
			combined = multierr.Append(combined, f)
			continue
		}
		res.Devices = append(res.Devices, perServer[i]...)
	}
	return res, combined
}

// FindDeviceOwner returns the first server, in config order, that lists
// device. The error is a *nut.DeviceNotFoundError only when every server
// answered and none had it. Otherwise it carries the ServerFailures of the
// servers that could not be asked.
func (a *Aggregator) FindDeviceOwner(ctx context.Context, configs []nut.ServerConfig, device string) (nut.ServerConfig, error) {
	if len(configs) == 0 {
		return nut.ServerConfig{}, ErrNoServers
	}
	var probeErrs error
	for _, cfg := range configs {
		ok, err := a.deviceExists(ctx, cfg, device)
		if err != nil {
			probeErrs = multierr.Append(probeErrs, ServerFailure{Server: cfg, Err: err})
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nut.ServerConfig{}, multierr.Append(probeErrs, ctxErr)
			}
			continue
		}
		if ok {
			return cfg, nil
		}
	}
	if probeErrs != nil {
		return nut.ServerConfig{}, probeErrs
	}
	return nut.ServerConfig{}, &nut.DeviceNotFoundError{Device: device}
}

// GetVar reads one variable from whichever server owns device.
func (a *Aggregator) GetVar(ctx context.Context, configs []nut.ServerConfig, device, name string) (string, error) {
	var value string
	err := a.onOwner(ctx, configs, device, func(c Source) error {
		var err error
		value, err = c.GetVar(ctx, device, name)
		return err
	})
	return value, err
}

// SetVar writes one variable on whichever server owns device.
func (a *Aggregator) SetVar(ctx context.Context, configs []nut.ServerConfig, device, name, value string) (nut.SetVarResult, error) {
	var res nut.SetVarResult
	err := a.onOwner(ctx, configs, device, func(c Source) error {
		var err error
		res, err = c.SetVar(ctx, device, name, value)
		return err
	})
	return res, err
}

// GetVarDescriptions fetches the description of each name in vars from
// the owning server, over a single connection. Any failure fails the call.
func (a *Aggregator) GetVarDescriptions(ctx context.Context, configs []nut.ServerConfig, device string, vars []string) (map[string]string, error) {
	out := make(map[string]string, len(vars))
	err := a.onOwner(ctx, configs, device, func(c Source) error {
		for _, name := range vars {
			desc, err := c.GetVarDescription(ctx, device, name)
			if err != nil {
				return err
			}
			out[name] = desc
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// TestConnection checks that cfg is reachable and speaks NUT.
func (a *Aggregator) TestConnection(ctx context.Context, cfg nut.ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c := a.newClient(cfg)
	defer c.Close() //nolint:errcheck
	return c.TestConnection(ctx)
}

// CheckCredentials checks that cfg's username and password are accepted.
func (a *Aggregator) CheckCredentials(ctx context.Context, cfg nut.ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c := a.newClient(cfg)
	defer c.Close() //nolint:errcheck
	return c.CheckCredentials(ctx)
}

func (a *Aggregator) deviceExists(ctx context.Context, cfg nut.ServerConfig, device string) (bool, error) {
	c := a.newClient(cfg)
	defer c.Close() //nolint:errcheck
	return c.DeviceExists(ctx, device)
}

// onOwner locates device and runs fn against a fresh client for its server.
func (a *Aggregator) onOwner(ctx context.Context, configs []nut.ServerConfig, device string, fn func(Source) error) error {
	owner, err := a.FindDeviceOwner(ctx, configs, device)
	if err != nil {
		return err
	}
	c := a.newClient(owner)
	defer c.Close() //nolint:errcheck
	if err := fn(c); err != nil {
		return fmt.Errorf("%s on %s: %w", device, owner.Addr(), err)
	}
	return nil
}
