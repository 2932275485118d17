package cmd

import (
	"net/http"
	"time"

	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/cache"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/config"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/geodb"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/locator"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/lookup"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/model"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/publicip"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/settings"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/store"
	"go.uber.org/zap"
)

// app holds the wired components for one command run.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    store.Store
	readers  *cache.Cache
	geodb    *geodb.Cache
	lookup   *lookup.Resolver
	publicIP *publicip.Resolver
	settings *settings.Settings
	locator  *locator.Locator
}

// newApp opens the store and settings and wires the lookup chain.
// sweepInBackground starts the periodic eviction loop.
func newApp(cfg *config.Config, logger *zap.Logger, sweepInBackground bool) (*app, error) {
	variant, err := model.ParseVariant(cfg.GeoDB.Variant)
	if err != nil {
		return nil, err
	}

	var interval time.Duration
	if sweepInBackground {
		interval = cfg.Store.SweepInterval
	}
	st, err := store.New(cfg.Store.Type, cfg.Store.DSN, cfg.Store.TTL, logger, store.WithSweepInterval(interval))
	if err != nil {
		return nil, err
	}

	s, err := settings.Open(cfg.Settings.Path, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	client := &http.Client{}
	fetcher := geodb.NewFetcher(cfg.GeoDB.MirrorURL, client, cfg.GeoDB.DownloadTimeout, logger)
	dbCache := geodb.NewCache(st, fetcher, nil, logger)
	readers := cache.New(cfg.Store.TTL, nil)
	resolver := lookup.NewResolver(dbCache, readers, variant, logger)

	strategies := publicip.Order([]*publicip.Strategy{
		publicip.NewEchoStrategy(client, cfg.PublicIP.IPv4EchoURL, cfg.PublicIP.IPv6EchoURL, cfg.PublicIP.Timeout, logger),
		publicip.NewSTUNStrategy(cfg.PublicIP.STUNServer, cfg.PublicIP.Timeout, logger),
	}, cfg.PublicIP.Strategies)
	ips := publicip.NewResolver(logger, strategies...)
	ips.SetRateLimit(cfg.PublicIP.RateLimit)

	locOpts := []locator.Option{locator.WithHardwareTimeout(cfg.Emulator.HardwareTimeout)}
	if cfg.GeoDB.DetectHosting {
		locOpts = append(locOpts, locator.WithNetworkCheck(lookup.NewASNResolver(dbCache, readers, logger)))
	}
	loc := locator.New(ips, resolver, s, logger, locOpts...)

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		readers:  readers,
		geodb:    dbCache,
		lookup:   resolver,
		publicIP: ips,
		settings: s,
		locator:  loc,
	}, nil
}

func (a *app) Close() {
	a.readers.Stop()
	a.store.Close()
}
