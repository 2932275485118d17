// Package emulator implements a simulated location API. All coordinate state is
// owned by one goroutine; page calls and bridge events reach it as queued commands.
package emulator

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/metrics"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/model"
	"go.uber.org/zap"
)

const (
	DefaultTickPeriod         = time.Second
	DefaultAcquisitionLatency = 100 * time.Millisecond

	// StepDegrees is the drift per tick at full joystick deflection.
	StepDegrees = 0.0005
)

// Option configures an Emulator.
type Option func(*Emulator)

func WithTickPeriod(d time.Duration) Option {
	return func(e *Emulator) { e.tickPeriod = d }
}

// WithTicks drives the movement loop from ch instead of a wall-clock ticker.
func WithTicks(ch <-chan time.Time) Option {
	return func(e *Emulator) { e.ticks = ch }
}

func WithAcquisitionLatency(d time.Duration) Option {
	return func(e *Emulator) { e.latency = d }
}

func WithClock(now func() time.Time) Option {
	return func(e *Emulator) { e.now = now }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Emulator) { e.logger = l }
}

// state is touched only by the loop goroutine.
type state struct {
	pos  model.LatLng
	last model.LatLng // last broadcast
	vec  model.Vector
}

// Emulator is the simulated location API for one page.
type Emulator struct {
	tickPeriod time.Duration
	ticks      <-chan time.Time
	latency    time.Duration
	now        func() time.Time
	logger     *zap.Logger

	watchers registry

	mu    sync.Mutex
	queue []func(*state)
	wake  chan struct{}

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

var _ Geolocation = (*Emulator)(nil)

// New starts an emulator at base with a zero movement vector.
func New(base model.LatLng, opts ...Option) *Emulator {
	e := &Emulator{
		tickPeriod: DefaultTickPeriod,
		latency:    DefaultAcquisitionLatency,
		now:        time.Now,
		logger:     zap.NewNop(),
		watchers:   registry{callbacks: make(map[int]PositionCallback)},
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("emulator")

	ticks, stopTicker := e.ticks, func() {}
	if ticks == nil {
		t := time.NewTicker(e.tickPeriod)
		ticks, stopTicker = t.C, t.Stop
	}

	st := &state{pos: base, last: base}
	go e.run(st, ticks, stopTicker)

	e.logger.Info("location emulator started",
		zap.Float64("lat", base.Lat), zap.Float64("lng", base.Lng),
		zap.Duration("tick", e.tickPeriod))
	return e
}

// Boot starts an emulator from the serialized start coordinate attached to the
// injected unit: a JSON array [lat, lng].
func Boot(data string, opts ...Option) (*Emulator, error) {
	var pair []float64
	if err := json.Unmarshal([]byte(data), &pair); err != nil {
		return nil, fmt.Errorf("decode default position: %w", err)
	}
	if len(pair) != 2 {
		return nil, fmt.Errorf("default position must have 2 elements, got %d", len(pair))
	}
	return New(model.LatLng{Lat: pair[0], Lng: pair[1]}, opts...), nil
}

func (e *Emulator) run(st *state, ticks <-chan time.Time, stopTicker func()) {
	defer close(e.done)
	defer stopTicker()

	for {
		select {
		case <-e.stop:
			return
		case <-e.wake:
			e.runQueued(st)
		case <-ticks:
			// Events queued before the tick apply to it.
			e.runQueued(st)
			e.tick(st)
		}
	}
}

// enqueue never blocks, so callbacks may call back into the emulator.
func (e *Emulator) enqueue(cmd func(*state)) {
	e.mu.Lock()
	e.queue = append(e.queue, cmd)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Emulator) runQueued(st *state) {
	e.mu.Lock()
	cmds := e.queue
	e.queue = nil
	e.mu.Unlock()

	for _, cmd := range cmds {
		cmd(st)
	}
}

func (e *Emulator) tick(st *state) {
	metrics.EmulatorTicks.Inc()

	st.pos.Lat += StepDegrees * st.vec.Y
	st.pos.Lng += StepDegrees * st.vec.X

	// Exact comparison: a zero vector never re-broadcasts.
	if st.pos == st.last {
		return
	}
	st.last = st.pos
	metrics.EmulatorBroadcasts.Inc()

	for _, id := range e.watchers.ids() {
		e.deliverWatch(id, st.pos)
	}
}

// deliverWatch invokes a watcher if it is still registered at this moment.
func (e *Emulator) deliverWatch(id int, pos model.LatLng) {
	cb, ok := e.watchers.get(id)
	if !ok {
		return
	}
	e.invoke(id, cb, pos)
}

// invoke isolates one callback: a panic is logged and swallowed.
func (e *Emulator) invoke(id int, cb PositionCallback, pos model.LatLng) {
	defer func() {
		if r := recover(); r != nil {
			metrics.EmulatorCallbackPanics.Inc()
			e.logger.Error("position callback panicked", zap.Int("watch_id", id), zap.Any("panic", r))
		}
	}()
	cb(newPosition(pos.Lat, pos.Lng, e.now()))
}

// after runs cmd on the loop once the acquisition latency has passed.
func (e *Emulator) after(cmd func(*state)) {
	time.AfterFunc(e.latency, func() {
		select {
		case <-e.stop:
		default:
			e.enqueue(cmd)
		}
	})
}

// WatchPosition registers success and returns its handle. The first fix carries
// the position at call time; later fixes follow coordinate changes.
func (e *Emulator) WatchPosition(success PositionCallback, _ PositionErrorCallback, _ *PositionOptions) int {
	id := e.watchers.add(success)
	metrics.EmulatorWatchers.Inc()

	e.enqueue(func(st *state) {
		pos := st.pos
		e.after(func(*state) { e.deliverWatch(id, pos) })
	})
	return id
}

// ClearWatch removes a watcher. Unknown handles are ignored.
func (e *Emulator) ClearWatch(id int) {
	if e.watchers.remove(id) {
		metrics.EmulatorWatchers.Dec()
	}
}

// GetCurrentPosition delivers one fix without registering a watcher.
func (e *Emulator) GetCurrentPosition(success PositionCallback, _ PositionErrorCallback, _ *PositionOptions) {
	e.enqueue(func(st *state) {
		pos := st.pos
		e.after(func(*state) { e.invoke(0, success, pos) })
	})
}

// ResetBase replaces the current coordinate; drift continues from here.
func (e *Emulator) ResetBase(c model.LatLng) {
	e.enqueue(func(st *state) {
		st.pos = c
		e.logger.Debug("base position reset", zap.Float64("lat", c.Lat), zap.Float64("lng", c.Lng))
	})
}

// SetVector replaces the movement vector used by following ticks.
func (e *Emulator) SetVector(v model.Vector) {
	e.enqueue(func(st *state) { st.vec = v })
}

// Position returns the current simulated coordinate, after all queued commands.
func (e *Emulator) Position() model.LatLng {
	reply := make(chan model.LatLng, 1)
	e.enqueue(func(st *state) { reply <- st.pos })
	select {
	case pos := <-reply:
		return pos
	case <-e.done:
		return model.LatLng{}
	}
}

// Vector returns the movement vector the next tick will apply.
func (e *Emulator) Vector() model.Vector {
	reply := make(chan model.Vector, 1)
	e.enqueue(func(st *state) { reply <- st.vec })
	select {
	case v := <-reply:
		return v
	case <-e.done:
		return model.Vector{}
	}
}

// Watchers returns the number of live registrations.
func (e *Emulator) Watchers() int {
	return len(e.watchers.ids())
}

// Close stops the movement loop. Pending deliveries are dropped.
func (e *Emulator) Close() {
	e.stopOnce.Do(func() {
		close(e.stop)
		<-e.done
		e.logger.Info("location emulator stopped")
	})
}

// registry holds watch callbacks. Handles start at 1 and are never reused.
type registry struct {
	mu        sync.Mutex
	next      int
	callbacks map[int]PositionCallback
	order     []int
}

func (r *registry) add(cb PositionCallback) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.callbacks[r.next] = cb
	r.order = append(r.order, r.next)
	return r.next
}

func (r *registry) remove(id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.callbacks[id]; !ok {
		return false
	}
	delete(r.callbacks, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

func (r *registry) get(id int) (PositionCallback, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.callbacks[id]
	return cb, ok
}

func (r *registry) ids() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.order...)
}
