// Package geodb acquires GeoLite2 databases and keeps them in a durable
// write-through cache so lookups only download once per TTL window.
package geodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/metrics"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/model"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Database is a raw database file and the time it was downloaded.
type Database struct {
	Variant   model.Variant
	Data      []byte
	FetchedAt time.Time
}

// Source produces raw database bytes for a variant.
type Source interface {
	Fetch(ctx context.Context, variant model.Variant) ([]byte, error)
}

// Cache serves databases from the store while fresh, otherwise from the source.
type Cache struct {
	store  store.Store
	source Source
	now    func() time.Time
	logger *zap.Logger

	// downloads collapses concurrent misses for one variant into one fetch.
	downloads singleflight.Group
}

// NewCache wires a store and a source. now may be nil.
func NewCache(s store.Store, src Source, now func() time.Time, logger *zap.Logger) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{
		store:  s,
		source: src,
		now:    now,
		logger: logger.Named("geodb"),
	}
}

// Load returns the database for variant. A store read failure is logged and
// treated as a miss; download failures are returned to the caller.
func (c *Cache) Load(ctx context.Context, variant model.Variant) (*Database, error) {
	entry, err := c.store.Get(ctx, variant)
	switch {
	case err == nil:
		metrics.GeoDBCacheResults.WithLabelValues(string(variant), "store_hit").Inc()
		return &Database{Variant: variant, Data: entry.Data, FetchedAt: entry.FetchedAt}, nil
	case errors.Is(err, store.ErrNotFound):
		metrics.GeoDBCacheResults.WithLabelValues(string(variant), "miss").Inc()
	default:
		metrics.GeoDBCacheResults.WithLabelValues(string(variant), "store_error").Inc()
		c.logger.Warn("store read failed, downloading instead",
			zap.String("variant", string(variant)), zap.Error(err))
	}

	// No store lock is held while downloading.
	v, err, shared := c.downloads.Do(string(variant), func() (any, error) {
		return c.acquire(ctx, variant)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		metrics.GeoDBCacheResults.WithLabelValues(string(variant), "download_shared").Inc()
	}
	return v.(*Database), nil
}

// acquire downloads variant and writes it through to the store.
func (c *Cache) acquire(ctx context.Context, variant model.Variant) (*Database, error) {
	data, err := c.source.Fetch(ctx, variant)
	if err != nil {
		c.logger.Error("database acquisition failed", zap.String("variant", string(variant)), zap.Error(err))
		return nil, fmt.Errorf("acquire %s database: %w", variant, err)
	}

	db := &Database{Variant: variant, Data: data, FetchedAt: c.now()}
	if err := c.store.Put(ctx, &store.Entry{Variant: variant, Data: data, FetchedAt: db.FetchedAt}); err != nil {
		// The download is still usable for this call.
		c.logger.Warn("failed to persist database", zap.String("variant", string(variant)), zap.Error(err))
	}
	return db, nil
}

// Sweep runs one eviction pass over the store.
func (c *Cache) Sweep(ctx context.Context) (int64, error) {
	return c.store.Sweep(ctx)
}

// Store exposes the underlying durable store.
func (c *Cache) Store() store.Store {
	return c.store
}
