package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sweeney/upsdash/internal/aggregate"
	"github.com/sweeney/upsdash/internal/api"
	"github.com/sweeney/upsdash/internal/config"
	"github.com/sweeney/upsdash/internal/logger"
	"github.com/sweeney/upsdash/internal/nut"
	"github.com/sweeney/upsdash/internal/publisher"
	"github.com/sweeney/upsdash/internal/settings"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
	idleTimeout       = 60 * time.Second
)

func main() {
	configPath := flag.String("config", "/etc/upsdash/config.toml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "upsdash: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath, "./config.toml")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	for _, w := range cfg.Warnings {
		log.Warn(w)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	fileServers, err := cfg.ServerConfigs()
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	store := settings.NewYAMLStore(cfg.Settings.File)
	agg := aggregate.New(aggregate.NewClientFactory(nut.Options{
		Timeout: cfg.NUT.Timeout.Duration,
		Logger:  log,
	}), log)

	log.Infow("upsdash starting",
		"servers", len(fileServers),
		"settings", store.Path(),
		"http", cfg.HTTP.Enabled,
		"mqtt", cfg.MQTT.Enabled,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	if cfg.HTTP.Enabled {
		if !strings.EqualFold(cfg.Log.Level, logger.DebugLevel) {
			gin.SetMode(gin.ReleaseMode)
		}
		h := api.NewHandler(agg, store, fileServers, log.Named("http"))
		srv := &http.Server{
			Addr:              cfg.HTTP.Listen,
			Handler:           h.InitRoutes(),
			MaxHeaderBytes:    1 << 20,
			ReadHeaderTimeout: readHeaderTimeout,
			WriteTimeout:      writeTimeout,
			IdleTimeout:       idleTimeout,
		}
		g.Go(func() error { return serveHTTP(ctx, srv, log) })
	}

	if cfg.MQTT.Enabled {
		pub, err := publisher.NewMQTTPublisher(cfg.MQTT, log.Named("mqtt"))
		if err != nil {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("connecting to MQTT broker: %w", err)
		}
		p := &poller{
			agg:      agg,
			store:    store,
			fallback: fileServers,
			pub:      pub,
			cfg:      publisher.Config{Prefix: cfg.MQTT.TopicPrefix, Retained: cfg.MQTT.Retained},
			log:      log.Named("poll"),
		}
		g.Go(func() error {
			defer pub.Close() //nolint:errcheck
			p.loop(ctx, cfg.NUT.PollInterval.Duration)
			return nil
		})
	}

	err = g.Wait()
	log.Info("shut down")
	return err
}

// serveHTTP runs srv until ctx is cancelled, then drains it.
func serveHTTP(ctx context.Context, srv *http.Server, log *zap.SugaredLogger) error {
	errc := make(chan error, 1)
	go func() {
		log.Infow("http listening", "addr", srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
