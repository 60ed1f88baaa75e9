package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/upsdash/internal/aggregate"
	"github.com/sweeney/upsdash/internal/nut"
	"github.com/sweeney/upsdash/internal/publisher"
	"github.com/sweeney/upsdash/internal/settings"
)

type snapshotter interface {
	GetAllDevices(ctx context.Context, configs []nut.ServerConfig) (aggregate.Result, error)
}

// poller periodically snapshots every server and exports the result.
type poller struct {
	agg      snapshotter
	store    settings.Store
	fallback []nut.ServerConfig
	pub      publisher.Publisher
	cfg      publisher.Config
	log      *zap.SugaredLogger
}

// loop polls once immediately and then every interval until ctx is done.
func (p *poller) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.log.Infow("polling", "interval", interval)
	for {
		if err := p.poll(ctx); err != nil {
			p.log.Warnw("poll failed", "err", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// poll takes one snapshot and publishes it. Unreachable servers are logged
// and reported on the status topic; the rest are still published.
func (p *poller) poll(ctx context.Context) error {
	configs, err := settings.Resolve(p.store, p.fallback)
	if err != nil {
		p.log.Warnw("stored servers unusable", "err", err)
	}

	res, err := p.agg.GetAllDevices(ctx, configs)
	if len(configs) == 0 {
		return err
	}
	if err != nil {
		p.log.Infow("partial snapshot", "devices", len(res.Devices), "failed", len(res.Failures))
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if err := publisher.PublishSnapshot(res, p.cfg, p.pub); err != nil {
		return fmt.Errorf("publishing: %w", err)
	}
	p.log.Debugw("snapshot published", "devices", len(res.Devices))
	return nil
}
