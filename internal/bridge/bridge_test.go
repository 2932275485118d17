package bridge

import (
	"context"
	"encoding/json"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/emulator"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/model"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/settings"
	"go.uber.org/zap/zaptest"
)

const wait = 2 * time.Second

// nativeGeo stands in for the browser's own location API.
type nativeGeo struct{}

func (nativeGeo) WatchPosition(emulator.PositionCallback, emulator.PositionErrorCallback, *emulator.PositionOptions) int {
	return -1
}
func (nativeGeo) ClearWatch(int) {}
func (nativeGeo) GetCurrentPosition(emulator.PositionCallback, emulator.PositionErrorCallback, *emulator.PositionOptions) {
}

func newSettings(t *testing.T, enabled bool, pos *model.LatLng) *settings.Settings {
	t.Helper()
	s, err := settings.Open(filepath.Join(t.TempDir(), "settings.json"), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, s.SetEnabled(enabled))
	if pos != nil {
		require.NoError(t, s.SetDefaultPosition(*pos))
	}
	return s
}

type fixes struct {
	mu  sync.Mutex
	all []*emulator.Position
	ch  chan *emulator.Position
}

func newFixes() *fixes { return &fixes{ch: make(chan *emulator.Position, 64)} }

func (f *fixes) cb(p *emulator.Position) {
	f.mu.Lock()
	f.all = append(f.all, p)
	f.mu.Unlock()
	f.ch <- p
}

func (f *fixes) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.all)
}

func (f *fixes) next(t *testing.T) *emulator.Position {
	t.Helper()
	select {
	case p := <-f.ch:
		return p
	case <-time.After(wait):
		t.Fatal("timed out waiting for a fix")
		return nil
	}
}

func activate(t *testing.T, page *Page, s Settings) (*Bridge, chan time.Time) {
	t.Helper()
	ticks := make(chan time.Time)
	b, err := Activate(context.Background(), page, s,
		WithLogger(zaptest.NewLogger(t)),
		WithEmulatorOptions(emulator.WithTicks(ticks), emulator.WithAcquisitionLatency(time.Millisecond)))
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b, ticks
}

func TestActivateRequiresEnabledAndPosition(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		pos     *model.LatLng
	}{
		{name: "disabled", enabled: false, pos: &model.LatLng{Lat: 1, Lng: 2}},
		{name: "no position", enabled: true},
		{name: "neither"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := NewPage(nativeGeo{})
			_, err := Activate(context.Background(), page, newSettings(t, tt.enabled, tt.pos))
			assert.ErrorIs(t, err, ErrInactive)
			assert.False(t, page.Installed())
			assert.Equal(t, nativeGeo{}, page.Geolocation())
			assert.Nil(t, page.Host())
		})
	}
}

func TestActivateInstallsOnce(t *testing.T) {
	s := newSettings(t, true, &model.LatLng{Lat: 35, Lng: 139})
	page := NewPage(nativeGeo{})
	b, _ := activate(t, page, s)

	assert.True(t, page.Installed())
	assert.Same(t, b.Emulator(), page.Geolocation())
	assert.JSONEq(t, "[35,139]", page.Host().Dataset[DatasetDefaultPosition])

	_, err := Activate(context.Background(), page, s)
	assert.ErrorIs(t, err, ErrAlreadyInstalled)
	assert.Same(t, b.Emulator(), page.Geolocation())
}

func TestJoystickDrivesWatchers(t *testing.T) {
	s := newSettings(t, true, &model.LatLng{Lat: 35.0, Lng: 139.0})
	page := NewPage(nativeGeo{})
	b, ticks := activate(t, page, s)

	f := newFixes()
	page.Geolocation().WatchPosition(f.cb, nil, nil)
	first := f.next(t)
	assert.Equal(t, 35.0, first.Coords.Latitude)

	b.HandleMove(0, 1)
	require.Eventually(t, func() bool {
		return b.Emulator().Vector() == model.Vector{X: 0, Y: 1}
	}, wait, 5*time.Millisecond)

	for i := 0; i < 10; i++ {
		ticks <- time.Now()
	}
	pos := b.Emulator().Position()
	assert.InDelta(t, 35.005, pos.Lat, 1e-9)
	assert.Equal(t, 139.0, pos.Lng)

	require.Eventually(t, func() bool { return f.count() == 11 }, wait, 5*time.Millisecond)
}

func TestHandleMoveClamps(t *testing.T) {
	s := newSettings(t, true, &model.LatLng{})
	b, _ := activate(t, NewPage(nativeGeo{}), s)

	b.HandleMove(3, math.NaN())
	require.Eventually(t, func() bool {
		return b.Emulator().Vector() == model.Vector{X: 1, Y: 0}
	}, wait, 5*time.Millisecond)

	b.HandleMove(-0.25, -7)
	require.Eventually(t, func() bool {
		return b.Emulator().Vector() == model.Vector{X: -0.25, Y: -1}
	}, wait, 5*time.Millisecond)
}

func TestDefaultPositionChangeResetsBase(t *testing.T) {
	s := newSettings(t, true, &model.LatLng{Lat: 35, Lng: 139})
	b, ticks := activate(t, NewPage(nativeGeo{}), s)

	b.HandleMove(1, 0)
	require.Eventually(t, func() bool { return b.Emulator().Vector().X == 1 }, wait, 5*time.Millisecond)
	ticks <- time.Now()

	require.NoError(t, s.SetDefaultPosition(model.LatLng{Lat: 51.5007, Lng: -0.1246}))
	require.Eventually(t, func() bool {
		return b.Emulator().Position() == model.LatLng{Lat: 51.5007, Lng: -0.1246}
	}, wait, 5*time.Millisecond)

	ticks <- time.Now()
	pos := b.Emulator().Position()
	assert.InDelta(t, -0.1246+emulator.StepDegrees, pos.Lng, 1e-12)
}

func TestUnrelatedSettingsIgnored(t *testing.T) {
	s := newSettings(t, true, &model.LatLng{Lat: 1, Lng: 1})
	b, _ := activate(t, NewPage(nativeGeo{}), s)

	require.NoError(t, s.SetEnabled(false))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, model.LatLng{Lat: 1, Lng: 1}, b.Emulator().Position())
	assert.True(t, b.Page().Installed(), "disabling does not uninstall a running page")
}

func TestEventDetailIsACopy(t *testing.T) {
	pos := &model.LatLng{Lat: 1, Lng: 2}
	ev, err := newEvent(EventDefaultPositionChanged, pos)
	require.NoError(t, err)
	pos.Lat = 99

	var got model.LatLng
	require.NoError(t, json.Unmarshal(ev.Detail, &got))
	assert.Equal(t, model.LatLng{Lat: 1, Lng: 2}, got)
}

func TestCloseStopsForwarding(t *testing.T) {
	s := newSettings(t, true, &model.LatLng{Lat: 1, Lng: 1})
	b, _ := activate(t, NewPage(nativeGeo{}), s)
	host := b.Page().Host()

	b.Close()
	b.HandleMove(1, 1)
	require.NoError(t, s.SetDefaultPosition(model.LatLng{Lat: 2, Lng: 2}))

	ev, err := newEvent(EventJoystickMove, model.Vector{X: 1})
	require.NoError(t, err)
	assert.ErrorIs(t, host.Dispatch(ev), ErrHostClosed)
	assert.Error(t, host.Dispatch(Event{Type: "unknown"}))
}

func TestMalformedEventDropped(t *testing.T) {
	s := newSettings(t, true, &model.LatLng{Lat: 1, Lng: 1})
	b, _ := activate(t, NewPage(nativeGeo{}), s)
	host := b.Page().Host()

	require.NoError(t, host.Dispatch(Event{Type: EventJoystickMove, Detail: json.RawMessage(`"sideways"`)}))
	b.HandleMove(0.5, 0.5)
	require.Eventually(t, func() bool {
		return b.Emulator().Vector() == model.Vector{X: 0.5, Y: 0.5}
	}, wait, 5*time.Millisecond)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name           string
		dx, dy, radius float64
		wantX, wantY   float64
	}{
		{name: "centre", dx: 0, dy: 0, radius: 60},
		{name: "half right", dx: 30, dy: 0, radius: 60, wantX: 0.5},
		{name: "screen up is north", dx: 0, dy: -60, radius: 60, wantY: 1},
		{name: "screen down is south", dx: 0, dy: 45, radius: 60, wantY: -0.75},
		{name: "beyond rim", dx: 120, dy: 0, radius: 60, wantX: 1},
		{name: "diagonal beyond rim", dx: 100, dy: 100, radius: 60, wantX: 0.71, wantY: -0.71},
		{name: "rounds to two places", dx: 20, dy: 20, radius: 60, wantX: 0.33, wantY: -0.33},
		{name: "degenerate radius", dx: 5, dy: 5, radius: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x, y := Normalize(tt.dx, tt.dy, tt.radius)
			assert.Equal(t, tt.wantX, x)
			assert.Equal(t, tt.wantY, y)
			assert.False(t, math.Signbit(y) && y == 0, "negative zero")
		})
	}
}
