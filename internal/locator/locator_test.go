package locator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/lookup"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/model"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/publicip"
	"go.uber.org/zap/zaptest"
)

func strp(s string) *string { return &s }

type fakeHardware struct {
	available bool
	pos       model.LatLng
	err       error
	block     bool
	calls     int
}

func (h *fakeHardware) Available() bool { return h.available }

func (h *fakeHardware) Current(ctx context.Context) (model.LatLng, error) {
	h.calls++
	if h.block {
		<-ctx.Done()
		return model.LatLng{}, ctx.Err()
	}
	return h.pos, h.err
}

type fakeIPs struct {
	ips   model.PublicIPs
	err   error
	calls int
}

func (f *fakeIPs) Resolve(context.Context) (model.PublicIPs, error) {
	f.calls++
	return f.ips, f.err
}

type fakeLookup struct {
	results map[string]model.LatLng
	errs    map[string]error
	asked   []string
}

func (f *fakeLookup) Locate(_ context.Context, ip string) (model.LatLng, error) {
	f.asked = append(f.asked, ip)
	if err, ok := f.errs[ip]; ok {
		return model.LatLng{}, err
	}
	if pos, ok := f.results[ip]; ok {
		return pos, nil
	}
	return model.LatLng{}, lookup.ErrNoLocation
}

type fakeStore struct {
	saved []model.LatLng
	err   error
}

func (s *fakeStore) SetDefaultPosition(c model.LatLng) error {
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, c)
	return nil
}

func TestHardwareFirst(t *testing.T) {
	hw := &fakeHardware{available: true, pos: model.LatLng{Lat: 48.8584, Lng: 2.2945}}
	ips := &fakeIPs{}
	st := &fakeStore{}
	l := New(ips, &fakeLookup{}, st, zaptest.NewLogger(t), WithHardware(hw))

	res, err := l.UseCurrentLocation(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SourceHardware, res.Source)
	assert.Equal(t, []model.LatLng{{Lat: 48.8584, Lng: 2.2945}}, st.saved)
	assert.Zero(t, ips.calls, "IP path is not used when hardware answers")
}

func TestFallsBackToPublicIP(t *testing.T) {
	tests := []struct {
		name string
		hw   Hardware
	}{
		{name: "no hardware"},
		{name: "unavailable", hw: &fakeHardware{available: false}},
		{name: "permission denied", hw: &fakeHardware{available: true, err: errors.New("denied")}},
		{name: "timeout", hw: &fakeHardware{available: true, block: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ips := &fakeIPs{ips: model.PublicIPs{IPv4: strp("81.2.69.142")}}
			lk := &fakeLookup{results: map[string]model.LatLng{"81.2.69.142": {Lat: 51.5142, Lng: -0.0931}}}
			st := &fakeStore{}
			opts := []Option{WithHardwareTimeout(20 * time.Millisecond)}
			if tt.hw != nil {
				opts = append(opts, WithHardware(tt.hw))
			}
			l := New(ips, lk, st, zaptest.NewLogger(t), opts...)

			res, err := l.UseCurrentLocation(context.Background())
			require.NoError(t, err)
			assert.Equal(t, SourceIPv4, res.Source)
			assert.Equal(t, "81.2.69.142", res.IP)
			assert.Equal(t, []model.LatLng{{Lat: 51.5142, Lng: -0.0931}}, st.saved)
		})
	}
}

func TestIPv4BeforeIPv6(t *testing.T) {
	ips := &fakeIPs{ips: model.PublicIPs{IPv4: strp("1.2.3.4"), IPv6: strp("2001:db8::1")}}
	lk := &fakeLookup{results: map[string]model.LatLng{
		"1.2.3.4":     {Lat: 1, Lng: 1},
		"2001:db8::1": {Lat: 2, Lng: 2},
	}}
	l := New(ips, lk, &fakeStore{}, zaptest.NewLogger(t))

	res, err := l.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.LatLng{Lat: 1, Lng: 1}, res.Position)
	assert.Equal(t, []string{"1.2.3.4"}, lk.asked)
}

func TestIPv6WhenIPv4HasNoLocation(t *testing.T) {
	ips := &fakeIPs{ips: model.PublicIPs{IPv4: strp("10.0.0.1"), IPv6: strp("2001:db8::1")}}
	lk := &fakeLookup{results: map[string]model.LatLng{"2001:db8::1": {Lat: 2, Lng: 2}}}
	l := New(ips, lk, &fakeStore{}, zaptest.NewLogger(t))

	res, err := l.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SourceIPv6, res.Source)
	assert.Equal(t, []string{"10.0.0.1", "2001:db8::1"}, lk.asked)
}

func TestFailureLeavesSettingsUnchanged(t *testing.T) {
	t.Run("no public address", func(t *testing.T) {
		st := &fakeStore{}
		l := New(&fakeIPs{err: publicip.ErrNoAddress}, &fakeLookup{}, st, zaptest.NewLogger(t))
		_, err := l.UseCurrentLocation(context.Background())
		assert.ErrorIs(t, err, publicip.ErrNoAddress)
		assert.Empty(t, st.saved)
	})

	t.Run("no location for any address", func(t *testing.T) {
		st := &fakeStore{}
		ips := &fakeIPs{ips: model.PublicIPs{IPv4: strp("1.2.3.4"), IPv6: strp("2001:db8::1")}}
		l := New(ips, &fakeLookup{}, st, zaptest.NewLogger(t))
		_, err := l.UseCurrentLocation(context.Background())
		assert.ErrorIs(t, err, lookup.ErrNoLocation)
		assert.Empty(t, st.saved)
	})

	t.Run("download failure", func(t *testing.T) {
		st := &fakeStore{}
		boom := errors.New("mirror unreachable")
		ips := &fakeIPs{ips: model.PublicIPs{IPv4: strp("1.2.3.4")}}
		l := New(ips, &fakeLookup{errs: map[string]error{"1.2.3.4": boom}}, st, zaptest.NewLogger(t))
		_, err := l.UseCurrentLocation(context.Background())
		assert.ErrorIs(t, err, boom)
		assert.Empty(t, st.saved)
	})

	t.Run("empty resolver result", func(t *testing.T) {
		l := New(&fakeIPs{}, &fakeLookup{}, &fakeStore{}, zaptest.NewLogger(t))
		_, err := l.Resolve(context.Background())
		assert.Error(t, err)
	})
}

func TestSaveFailure(t *testing.T) {
	hw := &fakeHardware{available: true, pos: model.LatLng{Lat: 1, Lng: 1}}
	l := New(&fakeIPs{}, &fakeLookup{}, &fakeStore{err: errors.New("read-only")}, zaptest.NewLogger(t), WithHardware(hw))
	_, err := l.UseCurrentLocation(context.Background())
	assert.Error(t, err)
}

func TestCancelledContextStopsFallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ips := &fakeIPs{ips: model.PublicIPs{IPv4: strp("1.2.3.4")}}
	l := New(ips, &fakeLookup{}, &fakeStore{}, zaptest.NewLogger(t),
		WithHardware(&fakeHardware{available: true, block: true}))

	_, err := l.Resolve(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, ips.calls)
}

type fakeNetworks map[string]lookup.Network

func (f fakeNetworks) Network(_ context.Context, ip string) (lookup.Network, error) {
	n, ok := f[ip]
	if !ok {
		return lookup.Network{}, lookup.ErrNoLocation
	}
	return n, nil
}

func TestNetworkCheck(t *testing.T) {
	networks := fakeNetworks{
		"3.1.2.3":    {ASN: 16509, Organization: "AMAZON-02", Hosting: "Amazon.com / AWS"},
		"126.10.0.1": {ASN: 17676, Organization: "Softbank BB Corp."},
	}
	lk := &fakeLookup{results: map[string]model.LatLng{
		"3.1.2.3":    {Lat: 39.04, Lng: -77.49},
		"126.10.0.1": {Lat: 35.69, Lng: 139.69},
		"5.6.7.8":    {Lat: 52.37, Lng: 4.89},
	}}

	t.Run("hosting network is flagged", func(t *testing.T) {
		st := &fakeStore{}
		l := New(&fakeIPs{ips: model.PublicIPs{IPv4: strp("3.1.2.3")}}, lk, st, zaptest.NewLogger(t), WithNetworkCheck(networks))
		res, err := l.UseCurrentLocation(context.Background())
		require.NoError(t, err)
		require.NotNil(t, res.Network)
		assert.Equal(t, "Amazon.com / AWS", res.Network.Hosting)
		assert.Len(t, st.saved, 1, "a hosting network still yields a position")
	})

	t.Run("access network", func(t *testing.T) {
		l := New(&fakeIPs{ips: model.PublicIPs{IPv4: strp("126.10.0.1")}}, lk, &fakeStore{}, zaptest.NewLogger(t), WithNetworkCheck(networks))
		res, err := l.Resolve(context.Background())
		require.NoError(t, err)
		require.NotNil(t, res.Network)
		assert.Equal(t, uint(17676), res.Network.ASN)
		assert.Empty(t, res.Network.Hosting)
	})

	t.Run("unknown network is left out", func(t *testing.T) {
		l := New(&fakeIPs{ips: model.PublicIPs{IPv4: strp("5.6.7.8")}}, lk, &fakeStore{}, zaptest.NewLogger(t), WithNetworkCheck(networks))
		res, err := l.Resolve(context.Background())
		require.NoError(t, err)
		assert.Nil(t, res.Network)
	})

	t.Run("hardware results are not checked", func(t *testing.T) {
		hw := &fakeHardware{available: true, pos: model.LatLng{Lat: 1, Lng: 2}}
		l := New(&fakeIPs{}, lk, &fakeStore{}, zaptest.NewLogger(t), WithHardware(hw), WithNetworkCheck(networks))
		res, err := l.Resolve(context.Background())
		require.NoError(t, err)
		assert.Nil(t, res.Network)
	})
}
