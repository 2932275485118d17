// Package bridge carries configuration and joystick input from the outer
// context, which owns the settings, into a page running the location emulator.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/emulator"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/model"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/settings"
	"go.uber.org/zap"
)

var (
	// ErrInactive means emulation is disabled or no default position is stored.
	// The page keeps its native location API.
	ErrInactive = errors.New("bridge: emulation inactive")

	ErrAlreadyInstalled = errors.New("bridge: emulator already installed in page")
)

// Settings is the part of the persisted configuration the bridge reads.
type Settings interface {
	Enabled() bool
	DefaultPosition() (model.LatLng, bool)
	Subscribe(fn settings.Listener) (cancel func())
}

type config struct {
	logger  *zap.Logger
	emuOpts []emulator.Option
}

type Option func(*config)

func WithLogger(l *zap.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithEmulatorOptions is passed through to the emulator booted in the page.
func WithEmulatorOptions(opts ...emulator.Option) Option {
	return func(c *config) { c.emuOpts = append(c.emuOpts, opts...) }
}

// Bridge is an active installation on one page.
type Bridge struct {
	page *Page
	host *Host
	emu  *emulator.Emulator

	unsubscribe func()
	stopInner   context.CancelFunc
	innerDone   chan struct{}
	closeOnce   sync.Once

	logger *zap.Logger
}

// Activate installs the emulator into page when emulation is enabled and a
// default position exists. It returns ErrInactive otherwise, leaving the page alone.
func Activate(ctx context.Context, page *Page, s Settings, opts ...Option) (*Bridge, error) {
	cfg := config{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cfg.logger.Named("bridge")
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Subscribe before reading so no position change between the two is lost.
	b := &Bridge{page: page, logger: logger}
	var pending []settings.Change
	var mu sync.Mutex
	unsubscribe := s.Subscribe(func(c settings.Change) {
		mu.Lock()
		defer mu.Unlock()
		if b.host == nil {
			pending = append(pending, c)
			return
		}
		b.onSettingsChange(c)
	})

	fail := func(err error) (*Bridge, error) {
		unsubscribe()
		return nil, err
	}

	if !s.Enabled() {
		return fail(ErrInactive)
	}
	base, ok := s.DefaultPosition()
	if !ok {
		return fail(ErrInactive)
	}

	data, err := json.Marshal([2]float64{base.Lat, base.Lng})
	if err != nil {
		return fail(fmt.Errorf("encode default position: %w", err))
	}
	host := newHost(map[string]string{DatasetDefaultPosition: string(data)})

	emuOpts := append([]emulator.Option{emulator.WithLogger(cfg.logger)}, cfg.emuOpts...)
	err = page.inject(host, func(h *Host) (emulator.Geolocation, error) {
		emu, err := emulator.Boot(h.Dataset[DatasetDefaultPosition], emuOpts...)
		if err != nil {
			return nil, err
		}
		b.emu = emu
		return emu, nil
	})
	if err != nil {
		return fail(err)
	}

	innerCtx, cancel := context.WithCancel(context.Background())
	b.stopInner = cancel
	b.innerDone = make(chan struct{})
	b.unsubscribe = unsubscribe
	go b.inner(innerCtx, host)

	mu.Lock()
	b.host = host
	for _, c := range pending {
		b.onSettingsChange(c)
	}
	pending = nil
	mu.Unlock()

	logger.Info("emulator installed", zap.Stringer("base", base))
	return b, nil
}

// inner is the page side: it applies host events to the emulator.
func (b *Bridge) inner(ctx context.Context, host *Host) {
	defer close(b.innerDone)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-host.positions:
			var c model.LatLng
			if err := json.Unmarshal(ev.Detail, &c); err != nil {
				b.logger.Warn("dropping malformed event", zap.String("type", ev.Type), zap.Error(err))
				continue
			}
			b.emu.ResetBase(c)
		case ev := <-host.moves:
			var v model.Vector
			if err := json.Unmarshal(ev.Detail, &v); err != nil {
				b.logger.Warn("dropping malformed event", zap.String("type", ev.Type), zap.Error(err))
				continue
			}
			b.emu.SetVector(v)
		}
	}
}

// onSettingsChange forwards default position updates and ignores other keys.
func (b *Bridge) onSettingsChange(c settings.Change) {
	if c.Key != settings.KeyDefaultPosition {
		return
	}
	pos, ok := c.Value.(*model.LatLng)
	if !ok || pos == nil {
		b.logger.Debug("default position removed, keeping current base")
		return
	}
	if err := b.dispatch(EventDefaultPositionChanged, pos); err != nil {
		b.logger.Warn("forward default position", zap.Error(err))
	}
}

// HandleMove is the joystick callback. Every call is forwarded; the
// emulator's tick is the only rate limit.
func (b *Bridge) HandleMove(x, y float64) {
	v := model.Vector{X: clamp(x), Y: clamp(y)}
	if err := b.dispatch(EventJoystickMove, v); err != nil {
		b.logger.Debug("forward joystick move", zap.Error(err))
	}
}

func (b *Bridge) dispatch(typ string, detail any) error {
	ev, err := newEvent(typ, detail)
	if err != nil {
		return err
	}
	return b.host.Dispatch(ev)
}

// Emulator exposes the installed emulator.
func (b *Bridge) Emulator() *emulator.Emulator { return b.emu }

// Page returns the page the bridge is installed in.
func (b *Bridge) Page() *Page { return b.page }

// Close unsubscribes from settings and stops the page side.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		b.unsubscribe()
		b.host.close()
		b.stopInner()
		<-b.innerDone
		b.emu.Close()
		b.logger.Info("bridge closed")
	})
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(-1, math.Min(1, v))
}

// Normalize converts a knob offset in pixels from the joystick centre into a
// movement vector. Offsets beyond radius are pulled back onto the rim, both
// axes are rounded to two decimals, and Y is inverted so up is north.
func Normalize(dx, dy, radius float64) (x, y float64) {
	if radius <= 0 {
		return 0, 0
	}
	if d := math.Hypot(dx, dy); d > radius {
		angle := math.Atan2(dy, dx)
		dx = math.Cos(angle) * radius
		dy = math.Sin(angle) * radius
	}
	x = round2(dx / radius)
	y = -round2(dy / radius)
	if y == 0 {
		y = 0 // no negative zero
	}
	return x, y
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
