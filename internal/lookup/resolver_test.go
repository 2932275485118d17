package lookup

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/cache"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/geodb"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/geotest"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/model"
	"go.uber.org/zap"
)

type stubLoader struct {
	mu    sync.Mutex
	calls int
	db    *geodb.Database
	err   error
}

func (l *stubLoader) Load(ctx context.Context, variant model.Variant) (*geodb.Database, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	return l.db, nil
}

func newResolver(t *testing.T, loader Loader) *Resolver {
	t.Helper()
	readers := cache.New(24*time.Hour, nil)
	t.Cleanup(readers.Stop)
	return NewResolver(loader, readers, model.VariantCity, zap.NewNop())
}

func testDB(t *testing.T) *geodb.Database {
	data := geotest.BuildDB(t, "GeoLite2-City",
		geotest.Record{Network: "81.2.69.0/24", Latitude: geotest.Float(51.5142), Longitude: geotest.Float(-0.0931), City: "London"},
		geotest.Record{Network: "81.2.69.128/25", Latitude: geotest.Float(51.75), Longitude: geotest.Float(-1.25), City: "Oxford"},
		geotest.Record{Network: "89.160.20.0/24", City: "Linköping"},
		geotest.Record{Network: "89.160.21.0/24", Latitude: geotest.Float(58.4167)},
		geotest.Record{Network: "2001:218::/32", Latitude: geotest.Float(35.685), Longitude: geotest.Float(139.7514)},
		geotest.Record{Network: "175.16.199.0/24", Latitude: geotest.Float(math.NaN()), Longitude: geotest.Float(125.3)},
	)
	return &geodb.Database{Variant: model.VariantCity, Data: data, FetchedAt: time.Now()}
}

func TestLocate(t *testing.T) {
	r := newResolver(t, &stubLoader{db: testDB(t)})

	tests := []struct {
		name string
		ip   string
		want model.LatLng
		err  error
	}{
		{"ipv4 found", "81.2.69.10", model.LatLng{Lat: 51.5142, Lng: -0.0931}, nil},
		{"most specific network wins", "81.2.69.200", model.LatLng{Lat: 51.75, Lng: -1.25}, nil},
		{"ipv6 found", "2001:218::1", model.LatLng{Lat: 35.685, Lng: 139.7514}, nil},
		{"record without location", "89.160.20.5", model.LatLng{}, ErrNoLocation},
		{"record with latitude only", "89.160.21.5", model.LatLng{}, ErrNoLocation},
		{"non-finite coordinate", "175.16.199.1", model.LatLng{}, ErrNoLocation},
		{"address not in database", "8.8.8.8", model.LatLng{}, ErrNoLocation},
		{"invalid address", "not-an-ip", model.LatLng{}, ErrInvalidIP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Locate(context.Background(), tt.ip)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want.Lat, got.Lat, 1e-9)
			assert.InDelta(t, tt.want.Lng, got.Lng, 1e-9)
		})
	}
}

func TestLocateParsesOncePerFetch(t *testing.T) {
	loader := &stubLoader{db: testDB(t)}
	r := newResolver(t, loader)

	for i := 0; i < 5; i++ {
		_, err := r.Locate(context.Background(), "81.2.69.10")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, loader.calls)
	assert.Equal(t, 1, r.CacheSize())
}

func TestLocateReloadsExpiredReader(t *testing.T) {
	db := testDB(t)
	db.FetchedAt = time.Now().Add(-25 * time.Hour)
	loader := &stubLoader{db: db}
	r := newResolver(t, loader)

	_, err := r.Locate(context.Background(), "81.2.69.10")
	require.NoError(t, err)
	_, err = r.Locate(context.Background(), "81.2.69.10")
	require.NoError(t, err)
	assert.Equal(t, 2, loader.calls, "stale bytes must not be served from memory")
}

func TestLocateHardFailures(t *testing.T) {
	boom := errors.New("acquisition failed")
	r := newResolver(t, &stubLoader{err: boom})
	_, err := r.Locate(context.Background(), "81.2.69.10")
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrNoLocation)

	r = newResolver(t, &stubLoader{db: &geodb.Database{Data: []byte("garbage"), FetchedAt: time.Now()}})
	_, err = r.Locate(context.Background(), "81.2.69.10")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoLocation)
}
