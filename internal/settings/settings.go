// Package settings persists the host configuration shared by every page:
// whether emulation is enabled and the default coordinate it starts from.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/model"
	"go.uber.org/zap"
)

const (
	KeyEnabled         = "enabled"
	KeyDefaultPosition = "fakeDefaultLatLng"
)

// Change reports a new value for one key. Value is a bool for KeyEnabled and
// a *model.LatLng for KeyDefaultPosition (nil when the key was removed).
type Change struct {
	Key   string
	Value any
}

// Listener receives changes after they are persisted.
type Listener func(Change)

type values struct {
	Enabled         bool          `json:"enabled"`
	DefaultPosition *model.LatLng `json:"fakeDefaultLatLng,omitempty"`
}

// Settings is a JSON file read through viper. Writes go through Set* and are
// announced to subscribers; edits made by other processes are picked up by Watch.
type Settings struct {
	mu     sync.Mutex
	v      *viper.Viper
	path   string
	cur    values
	nextID int
	subs   map[int]Listener
	logger *zap.Logger

	// Change batches are queued under mu in write order and delivered by
	// whichever caller finds the queue idle.
	pending  []batch
	draining bool
}

type batch struct {
	listeners []Listener
	changes   []Change
}

// Open loads path, creating an empty file when it does not exist.
func Open(path string, logger *zap.Logger) (*Settings, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create settings directory: %w", err)
		}
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte("{}\n"), 0o644); err != nil {
			return nil, fmt.Errorf("create settings file: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetDefault(KeyEnabled, false)

	s := &Settings{
		v:      v,
		path:   path,
		subs:   make(map[int]Listener),
		logger: logger.Named("settings"),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	s.logger.Info("settings loaded",
		zap.String("path", path),
		zap.Bool("enabled", s.cur.Enabled),
		zap.Bool("has_default_position", s.cur.DefaultPosition != nil))
	return s, nil
}

// reload reads the file into cur. Caller must not hold mu.
func (s *Settings) reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := s.read()
	if err != nil {
		return err
	}
	s.cur = next
	return nil
}

func (s *Settings) read() (values, error) {
	if err := s.v.ReadInConfig(); err != nil {
		return values{}, fmt.Errorf("read settings: %w", err)
	}
	next := values{Enabled: s.v.GetBool(KeyEnabled)}
	if s.v.IsSet(KeyDefaultPosition) {
		var pos model.LatLng
		if err := s.v.UnmarshalKey(KeyDefaultPosition, &pos); err != nil {
			return values{}, fmt.Errorf("decode %s: %w", KeyDefaultPosition, err)
		}
		if !pos.Valid() {
			return values{}, fmt.Errorf("decode %s: non-finite coordinate", KeyDefaultPosition)
		}
		next.DefaultPosition = &pos
	}
	return next, nil
}

// Path returns the backing file.
func (s *Settings) Path() string { return s.path }

// Enabled reports whether emulation is switched on. Missing means false.
func (s *Settings) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur.Enabled
}

// DefaultPosition returns the stored start coordinate, if any.
func (s *Settings) DefaultPosition() (model.LatLng, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur.DefaultPosition == nil {
		return model.LatLng{}, false
	}
	return *s.cur.DefaultPosition, true
}

// SetEnabled persists the enabled flag.
func (s *Settings) SetEnabled(enabled bool) error {
	return s.update(func(v *values) { v.Enabled = enabled })
}

// SetDefaultPosition persists the start coordinate.
func (s *Settings) SetDefaultPosition(c model.LatLng) error {
	if !c.Valid() {
		return fmt.Errorf("invalid coordinate %v", c)
	}
	return s.update(func(v *values) { v.DefaultPosition = &c })
}

func (s *Settings) update(mutate func(*values)) error {
	s.mu.Lock()
	prev := s.cur
	next := s.cur
	if next.DefaultPosition != nil {
		p := *next.DefaultPosition
		next.DefaultPosition = &p
	}
	mutate(&next)
	if err := s.write(next); err != nil {
		s.mu.Unlock()
		return err
	}
	s.cur = next
	drain := s.queue(diff(prev, next))
	s.mu.Unlock()

	if drain {
		s.drain()
	}
	return nil
}

// write stores vals atomically. Keys keep their case in the file.
func (s *Settings) write(vals values) error {
	data, err := json.MarshalIndent(vals, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}

// Subscribe registers fn for every later change. The returned func removes it.
func (s *Settings) Subscribe(fn Listener) (cancel func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

func (s *Settings) listeners() []Listener {
	out := make([]Listener, 0, len(s.subs))
	for i := 1; i <= s.nextID; i++ {
		if fn, ok := s.subs[i]; ok {
			out = append(out, fn)
		}
	}
	return out
}

// queue appends changes for delivery. Caller must hold mu. It reports whether
// the caller has to drain the queue.
func (s *Settings) queue(changes []Change) bool {
	if len(changes) == 0 {
		return false
	}
	s.pending = append(s.pending, batch{listeners: s.listeners(), changes: changes})
	if s.draining {
		return false
	}
	s.draining = true
	return true
}

// drain delivers queued batches in order until none are left. Listeners run
// without mu held and may write settings; those writes are delivered after
// the current batch.
func (s *Settings) drain() {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.draining = false
			s.mu.Unlock()
			return
		}
		b := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		for _, c := range b.changes {
			s.logger.Debug("setting changed", zap.String("key", c.Key), zap.Any("value", c.Value))
			for _, fn := range b.listeners {
				fn(c)
			}
		}
	}
}

// Watch follows edits made to the file by other processes and announces the
// keys whose values differ from what this instance last saw.
func (s *Settings) Watch() {
	s.v.OnConfigChange(func(e fsnotify.Event) {
		s.mu.Lock()
		prev := s.cur
		next, err := s.read()
		if err != nil {
			s.mu.Unlock()
			s.logger.Warn("ignoring unreadable settings edit", zap.String("op", e.Op.String()), zap.Error(err))
			return
		}
		s.cur = next
		drain := s.queue(diff(prev, next))
		s.mu.Unlock()

		if drain {
			s.drain()
		}
	})
	s.v.WatchConfig()
	s.logger.Info("watching settings file", zap.String("path", s.path))
}

// Snapshot returns the current values for display.
func (s *Settings) Snapshot() (enabled bool, pos *model.LatLng) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur.DefaultPosition != nil {
		p := *s.cur.DefaultPosition
		pos = &p
	}
	return s.cur.Enabled, pos
}

func diff(prev, next values) []Change {
	var out []Change
	if prev.Enabled != next.Enabled {
		out = append(out, Change{Key: KeyEnabled, Value: next.Enabled})
	}
	if !samePosition(prev.DefaultPosition, next.DefaultPosition) {
		var v *model.LatLng
		if next.DefaultPosition != nil {
			p := *next.DefaultPosition
			v = &p
		}
		out = append(out, Change{Key: KeyDefaultPosition, Value: v})
	}
	return out
}

func samePosition(a, b *model.LatLng) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
