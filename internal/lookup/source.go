package lookup

import (
	"context"
	"fmt"

	"github.com/oschwald/maxminddb-golang"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/cache"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/metrics"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/model"
	"go.uber.org/zap"
)

// source hands out parsed readers, parsing fresh bytes when the memory tier misses.
type source struct {
	loader  Loader
	readers *cache.Cache
	logger  *zap.Logger
}

func (s *source) reader(ctx context.Context, variant model.Variant) (*maxminddb.Reader, error) {
	if item, ok := s.readers.Get(variant); ok {
		metrics.GeoDBCacheResults.WithLabelValues(string(variant), "memory_hit").Inc()
		return item.Reader, nil
	}

	db, err := s.loader.Load(ctx, variant)
	if err != nil {
		return nil, err
	}

	reader, err := maxminddb.FromBytes(db.Data)
	if err != nil {
		s.logger.Error("cached database is malformed", zap.String("variant", string(variant)), zap.Error(err))
		return nil, fmt.Errorf("parse %s database: %w", variant, err)
	}

	s.readers.Set(variant, &cache.Item{Reader: reader, FetchedAt: db.FetchedAt})
	return reader, nil
}
