package lookup

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"

	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/cache"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/geodb"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/metrics"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/model"
	"go.uber.org/zap"
)

var (
	// ErrNoLocation means the database has no usable coordinate for the address.
	// It is a valid negative result, not a failure.
	ErrNoLocation = errors.New("lookup: no location found")
	ErrInvalidIP  = errors.New("lookup: invalid IP address")
)

// Loader provides raw database bytes, normally a *geodb.Cache.
type Loader interface {
	Load(ctx context.Context, variant model.Variant) (*geodb.Database, error)
}

// cityRecord maps the location fields of a GeoLite2-City record.
// Pointers distinguish a missing coordinate from 0.
type cityRecord struct {
	Location struct {
		Latitude  *float64 `maxminddb:"latitude"`
		Longitude *float64 `maxminddb:"longitude"`
	} `maxminddb:"location"`
}

// Resolver maps IP addresses to approximate coordinates.
type Resolver struct {
	src     *source
	variant model.Variant
	logger  *zap.Logger
}

// NewResolver creates a resolver over the given database variant (normally City).
func NewResolver(loader Loader, readers *cache.Cache, variant model.Variant, logger *zap.Logger) *Resolver {
	logger = logger.Named("lookup")
	return &Resolver{
		src:     &source{loader: loader, readers: readers, logger: logger},
		variant: variant,
		logger:  logger,
	}
}

// Locate returns the coordinate of the most specific network covering ip.
func (r *Resolver) Locate(ctx context.Context, ipStr string) (model.LatLng, error) {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return model.LatLng{}, fmt.Errorf("%w: %q", ErrInvalidIP, ipStr)
	}

	reader, err := r.src.reader(ctx, r.variant)
	if err != nil {
		metrics.Lookups.WithLabelValues("error").Inc()
		return model.LatLng{}, err
	}

	var record cityRecord
	network, found, err := reader.LookupNetwork(ip, &record)
	if err != nil {
		metrics.Lookups.WithLabelValues("error").Inc()
		r.logger.Error("database lookup failed", zap.String("ip", ipStr), zap.Error(err))
		return model.LatLng{}, fmt.Errorf("MMDB lookup failed: %w", err)
	}

	lat, lng := record.Location.Latitude, record.Location.Longitude
	if !found || lat == nil || lng == nil || !finite(*lat) || !finite(*lng) {
		metrics.Lookups.WithLabelValues("not_found").Inc()
		r.logger.Debug("no location for address", zap.String("ip", ipStr))
		return model.LatLng{}, ErrNoLocation
	}

	metrics.Lookups.WithLabelValues("found").Inc()
	r.logger.Debug("address located",
		zap.String("ip", ipStr), zap.Stringer("network", network),
		zap.Float64("lat", *lat), zap.Float64("lng", *lng))
	return model.LatLng{Lat: *lat, Lng: *lng}, nil
}

// CacheSize reports how many parsed databases are held in memory.
func (r *Resolver) CacheSize() int {
	return r.src.readers.Size()
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
