// Package locator implements the "use current location" action: it finds the
// user's real position and stores it as the emulator's default position.
package locator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/lookup"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/metrics"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/model"
	"go.uber.org/zap"
)

const DefaultHardwareTimeout = 10 * time.Second

const (
	SourceHardware = "hardware"
	SourceIPv4     = "ipv4"
	SourceIPv6     = "ipv6"
)

var ErrHardwareUnavailable = errors.New("locator: no location hardware")

// Hardware is a real positioning device.
type Hardware interface {
	Available() bool
	Current(ctx context.Context) (model.LatLng, error)
}

type IPResolver interface {
	Resolve(ctx context.Context) (model.PublicIPs, error)
}

type IPLookup interface {
	Locate(ctx context.Context, ip string) (model.LatLng, error)
}

// NetworkLookup reports the autonomous system behind an address.
type NetworkLookup interface {
	Network(ctx context.Context, ip string) (lookup.Network, error)
}

// PositionStore persists the chosen coordinate.
type PositionStore interface {
	SetDefaultPosition(c model.LatLng) error
}

// Result is a resolved position and where it came from.
type Result struct {
	Position model.LatLng `json:"position"`
	Source   string       `json:"source"`
	IP       string       `json:"ip,omitempty"`
	// Network is set for IP based results when a network check is configured.
	Network *lookup.Network `json:"network,omitempty"`
}

type Option func(*Locator)

func WithHardware(hw Hardware) Option {
	return func(l *Locator) { l.hardware = hw }
}

func WithHardwareTimeout(d time.Duration) Option {
	return func(l *Locator) { l.hardwareTimeout = d }
}

// WithNetworkCheck looks up the AS of the public IP so results from hosting
// networks (VPNs, cloud machines) can be flagged.
func WithNetworkCheck(n NetworkLookup) Option {
	return func(l *Locator) { l.networks = n }
}

// Locator resolves the current location from hardware or, failing that, from
// the public IP address.
type Locator struct {
	hardware        Hardware
	networks        NetworkLookup
	hardwareTimeout time.Duration
	ips             IPResolver
	lookup          IPLookup
	store           PositionStore
	logger          *zap.Logger
}

func New(ips IPResolver, lookup IPLookup, store PositionStore, logger *zap.Logger, opts ...Option) *Locator {
	l := &Locator{
		hardwareTimeout: DefaultHardwareTimeout,
		ips:             ips,
		lookup:          lookup,
		store:           store,
		logger:          logger.Named("locator"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// UseCurrentLocation resolves the current location and persists it. On
// failure the stored position is left unchanged.
func (l *Locator) UseCurrentLocation(ctx context.Context) (Result, error) {
	res, err := l.Resolve(ctx)
	if err != nil {
		metrics.LocatorSource.WithLabelValues("failed").Inc()
		l.logger.Error("could not determine current location", zap.Error(err))
		return Result{}, err
	}
	if err := l.store.SetDefaultPosition(res.Position); err != nil {
		l.logger.Error("could not save current location", zap.Error(err))
		return Result{}, fmt.Errorf("save default position: %w", err)
	}

	metrics.LocatorSource.WithLabelValues(res.Source).Inc()
	l.logger.Info("default position set to current location",
		zap.String("source", res.Source), zap.Stringer("position", res.Position))
	return res, nil
}

// Resolve finds the current location without persisting it.
func (l *Locator) Resolve(ctx context.Context) (Result, error) {
	pos, err := l.fromHardware(ctx)
	if err == nil {
		return Result{Position: pos, Source: SourceHardware}, nil
	}
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	// Denied, timed out or missing hardware all fall back quietly.
	l.logger.Debug("hardware location unavailable, using public IP", zap.Error(err))

	return l.fromPublicIP(ctx)
}

func (l *Locator) fromHardware(ctx context.Context) (model.LatLng, error) {
	if l.hardware == nil || !l.hardware.Available() {
		return model.LatLng{}, ErrHardwareUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, l.hardwareTimeout)
	defer cancel()

	pos, err := l.hardware.Current(ctx)
	if err != nil {
		return model.LatLng{}, err
	}
	if !pos.Valid() {
		return model.LatLng{}, fmt.Errorf("hardware reported non-finite position %v", pos)
	}
	return pos, nil
}

// fromPublicIP tries the IPv4 address first, then IPv6.
func (l *Locator) fromPublicIP(ctx context.Context) (Result, error) {
	ips, err := l.ips.Resolve(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("discover public IP: %w", err)
	}

	candidates := []struct {
		source string
		ip     *string
	}{
		{SourceIPv4, ips.IPv4},
		{SourceIPv6, ips.IPv6},
	}

	var errs []error
	for _, c := range candidates {
		if c.ip == nil {
			continue
		}
		pos, err := l.lookup.Locate(ctx, *c.ip)
		if err != nil {
			l.logger.Debug("address lookup failed", zap.String("ip", *c.ip), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s %s: %w", c.source, *c.ip, err))
			continue
		}
		res := Result{Position: pos, Source: c.source, IP: *c.ip}
		l.checkNetwork(ctx, &res)
		return res, nil
	}
	if len(errs) == 0 {
		return Result{}, errors.New("discover public IP: no address")
	}
	return Result{}, errors.Join(errs...)
}

func (l *Locator) checkNetwork(ctx context.Context, res *Result) {
	if l.networks == nil {
		return
	}
	n, err := l.networks.Network(ctx, res.IP)
	if err != nil {
		l.logger.Debug("network check skipped", zap.String("ip", res.IP), zap.Error(err))
		return
	}
	res.Network = &n
	if n.Hosting != "" {
		l.logger.Warn("public IP belongs to a hosting network, the position is likely not yours",
			zap.String("ip", res.IP), zap.Uint("asn", n.ASN), zap.String("hosting", n.Hosting))
	}
}
