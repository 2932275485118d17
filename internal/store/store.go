package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/metrics"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/model"
	"go.uber.org/zap"
)

// ErrNotFound is returned by Get when no fresh entry exists for a variant.
var ErrNotFound = errors.New("store: entry not found")

// ErrTooLarge is returned by Put when the backend cannot accept a blob of that size.
var ErrTooLarge = errors.New("store: database too large for backend")

// packetOverhead leaves room for the statement text around the blob.
const packetOverhead = 1 << 10

// Entry is one cached database file.
type Entry struct {
	Variant   model.Variant
	Data      []byte
	FetchedAt time.Time
}

// Store is a durable keyed cache for downloaded geo databases, one row per variant.
// Entries whose age reached the TTL are invisible to Get even before a sweep deletes them.
type Store interface {
	Get(ctx context.Context, variant model.Variant) (*Entry, error)
	Put(ctx context.Context, e *Entry) error
	Sweep(ctx context.Context) (int64, error)
	Size(ctx context.Context) int
	Type() string
	TTL() time.Duration
	Close()
}

// Option tunes a store.
type Option func(*options)

type options struct {
	now           func() time.Time
	sweepInterval time.Duration
}

// WithClock replaces time.Now for age computations.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithSweepInterval sets the background sweep period; zero disables the loop.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) { o.sweepInterval = d }
}

// New opens a store of the given type ("sqlite" or "mysql").
func New(storeType, dsn string, ttl time.Duration, logger *zap.Logger, opts ...Option) (Store, error) {
	o := options{now: time.Now, sweepInterval: time.Hour}
	for _, opt := range opts {
		opt(&o)
	}

	var (
		s   *sqlStore
		err error
	)
	switch storeType {
	case "sqlite":
		s, err = openSQLite(dsn)
	case "mysql":
		s, err = openMySQL(dsn)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", storeType)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", storeType, err)
	}

	s.ttl = ttl
	s.now = o.now
	s.logger = logger.Named("store")
	s.stop = make(chan struct{})
	if o.sweepInterval > 0 {
		go s.sweepLoop(o.sweepInterval)
	}

	s.logger.Info("persistent database cache opened",
		zap.String("type", storeType), zap.Duration("ttl", ttl), zap.Int64("max_packet", s.maxPacket))
	return s, nil
}

// sqlStore holds the dialect-independent part of both backends.
type sqlStore struct {
	kind      string
	db        *sql.DB
	upsertSQL string
	maxPacket int64 // largest statement the server accepts, 0 = unlimited
	ttl       time.Duration
	now       func() time.Time
	logger    *zap.Logger

	mu       sync.RWMutex
	stop     chan struct{}
	stopOnce sync.Once
}

func (s *sqlStore) cutoff() int64 {
	return s.now().Add(-s.ttl).UnixMilli()
}

// Get returns the entry for variant if it is younger than the TTL.
// The returned bytes are a private copy, so a concurrent Sweep cannot affect them.
func (s *sqlStore) Get(ctx context.Context, variant model.Variant) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		data      []byte
		fetchedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT data, fetched_at FROM geo_databases WHERE variant = ? AND fetched_at > ?",
		string(variant), s.cutoff(),
	).Scan(&data, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", variant, err)
	}

	return &Entry{
		Variant:   variant,
		Data:      data,
		FetchedAt: time.UnixMilli(fetchedAt),
	}, nil
}

// Put replaces the entry for e.Variant.
func (s *sqlStore) Put(ctx context.Context, e *Entry) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("refusing to store empty %s database", e.Variant)
	}
	if s.maxPacket > 0 && int64(len(e.Data))+packetOverhead > s.maxPacket {
		return fmt.Errorf("store %s (%d bytes): %w: raise max_allowed_packet to at least %d (currently %d)",
			e.Variant, len(e.Data), ErrTooLarge, int64(len(e.Data))+packetOverhead, s.maxPacket)
	}
	fetchedAt := e.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, s.upsertSQL,
		string(e.Variant), e.Data, len(e.Data), fetchedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("store %s: %w", e.Variant, err)
	}
	return nil
}

// Sweep deletes every entry whose age reached the TTL and reports how many went.
func (s *sqlStore) Sweep(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, "DELETE FROM geo_databases WHERE fetched_at <= ?", s.cutoff())
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected > 0 {
		metrics.GeoDBEvictions.Add(float64(affected))
		s.logger.Info("sweep removed expired databases", zap.Int64("removed", affected))
	}
	return affected, nil
}

// Size returns the number of rows, expired ones included.
func (s *sqlStore) Size(ctx context.Context) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM geo_databases").Scan(&count); err != nil {
		return 0
	}
	return count
}

func (s *sqlStore) Type() string       { return s.kind }
func (s *sqlStore) TTL() time.Duration { return s.ttl }

func (s *sqlStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := s.Sweep(context.Background()); err != nil {
				s.logger.Warn("background sweep failed", zap.Error(err))
			}
		case <-s.stop:
			return
		}
	}
}

// Close stops the background sweep and closes the database.
func (s *sqlStore) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.db.Close()
		s.logger.Info("persistent database cache closed", zap.String("type", s.kind))
	})
}
