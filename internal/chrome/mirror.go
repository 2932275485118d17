// Package chrome shows emulated positions to a real Chrome tab through the
// DevTools geolocation override.
package chrome

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/emulator"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/model"
	"go.uber.org/zap"
)

// Target is a browser tab that accepts geolocation overrides.
type Target interface {
	GrantGeolocation(ctx context.Context, origin string) error
	OverrideGeolocation(ctx context.Context, c model.LatLng) error
}

// Tab drives a chromedp tab context.
type Tab struct{}

// GrantGeolocation lets origin read the location without a prompt.
func (Tab) GrantGeolocation(ctx context.Context, origin string) error {
	return chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		c := chromedp.FromContext(ctx)
		grant := browser.GrantPermissions([]browser.PermissionType{browser.PermissionTypeGeolocation})
		if origin != "" {
			grant = grant.WithOrigin(origin)
		}
		return grant.Do(cdp.WithExecutor(ctx, c.Browser))
	}))
}

func (Tab) OverrideGeolocation(ctx context.Context, c model.LatLng) error {
	return chromedp.Run(ctx, emulation.SetGeolocationOverride().
		WithLatitude(c.Lat).
		WithLongitude(c.Lng).
		WithAccuracy(1))
}

// Launch starts Chrome and opens url. The returned cancel func closes the browser.
func Launch(ctx context.Context, url string, headless bool) (context.Context, context.CancelFunc, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:], chromedp.Flag("headless", headless))
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	cancel := func() {
		tabCancel()
		allocCancel()
	}

	if err := chromedp.Run(tabCtx, chromedp.Navigate("about:blank")); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("start browser: %w", err)
	}
	if url != "" {
		if err := chromedp.Run(tabCtx, chromedp.Navigate(url)); err != nil {
			cancel()
			return nil, nil, fmt.Errorf("navigate to %s: %w", url, err)
		}
	}
	return tabCtx, cancel, nil
}

// Mirror watches an emulator and pushes each fix to a browser tab. Only the
// newest pending fix is applied when the tab is slower than the emulator.
type Mirror struct {
	geo    emulator.Geolocation
	target Target
	logger *zap.Logger

	mu      sync.Mutex
	watchID int
	latest  chan model.LatLng
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewMirror(geo emulator.Geolocation, target Target, logger *zap.Logger) *Mirror {
	return &Mirror{
		geo:    geo,
		target: target,
		logger: logger.Named("chrome"),
	}
}

// Start grants the permission for origin and begins mirroring. ctx must be
// the tab context for a chromedp Target.
func (m *Mirror) Start(ctx context.Context, origin string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return fmt.Errorf("chrome: mirror already running")
	}

	if err := m.target.GrantGeolocation(ctx, origin); err != nil {
		return fmt.Errorf("grant geolocation: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.latest = make(chan model.LatLng, 1)
	m.done = make(chan struct{})
	go m.apply(ctx, m.latest, m.done)

	latest := m.latest
	m.watchID = m.geo.WatchPosition(func(p *emulator.Position) {
		c := model.LatLng{Lat: p.Coords.Latitude, Lng: p.Coords.Longitude}
		// Replace a fix the tab has not taken yet.
		select {
		case <-latest:
		default:
		}
		select {
		case latest <- c:
		default:
		}
	}, nil, nil)

	m.logger.Info("mirroring emulator into browser", zap.String("origin", origin), zap.Int("watch_id", m.watchID))
	return nil
}

func (m *Mirror) apply(ctx context.Context, latest <-chan model.LatLng, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-latest:
			if err := m.target.OverrideGeolocation(ctx, c); err != nil {
				if ctx.Err() != nil {
					return
				}
				m.logger.Warn("geolocation override failed", zap.Stringer("position", c), zap.Error(err))
				continue
			}
			m.logger.Debug("geolocation overridden", zap.Stringer("position", c))
		}
	}
}

// Stop ends mirroring. The tab keeps its last override.
func (m *Mirror) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel == nil {
		return
	}
	m.geo.ClearWatch(m.watchID)
	m.cancel()
	<-m.done
	m.cancel = nil
	m.logger.Info("mirroring stopped")
}
