package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/emulator"
)

// DatasetDefaultPosition is the dataset key carrying the start coordinate as
// a JSON [lat, lng] array.
const DatasetDefaultPosition = "default_position"

const (
	EventDefaultPositionChanged = "default-position-changed"
	EventJoystickMove           = "joystick-onmove"
)

var ErrHostClosed = errors.New("bridge: host element removed")

// Event is a structured message crossing from the outer into the inner
// context. Detail is plain JSON so no live value is shared.
type Event struct {
	Type   string
	Detail json.RawMessage
}

// newEvent deep-copies detail through its JSON form.
func newEvent(typ string, detail any) (Event, error) {
	raw, err := json.Marshal(detail)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s detail: %w", typ, err)
	}
	return Event{Type: typ, Detail: raw}, nil
}

// Host is the injected element both contexts can see. Each event type travels
// on its own ordered one-way channel.
type Host struct {
	Dataset map[string]string

	positions chan Event
	moves     chan Event
	closed    chan struct{}
	closeOnce sync.Once
}

func newHost(dataset map[string]string) *Host {
	return &Host{
		Dataset:   dataset,
		positions: make(chan Event, 16),
		moves:     make(chan Event, 64),
		closed:    make(chan struct{}),
	}
}

// Dispatch hands ev to the inner context. It blocks only while that
// event type's queue is full.
func (h *Host) Dispatch(ev Event) error {
	var ch chan Event
	switch ev.Type {
	case EventDefaultPositionChanged:
		ch = h.positions
	case EventJoystickMove:
		ch = h.moves
	default:
		return fmt.Errorf("bridge: unknown event type %q", ev.Type)
	}

	// A removed host drops events even if there is room in the queue.
	select {
	case <-h.closed:
		return ErrHostClosed
	default:
	}
	select {
	case ch <- ev:
		return nil
	case <-h.closed:
		return ErrHostClosed
	}
}

func (h *Host) close() {
	h.closeOnce.Do(func() { close(h.closed) })
}

// Page is one page load. Its location API slot starts as the native
// implementation and can be replaced at most once.
type Page struct {
	mu        sync.Mutex
	geo       emulator.Geolocation
	installed bool
	host      *Host
}

func NewPage(native emulator.Geolocation) *Page {
	return &Page{geo: native}
}

// Geolocation returns whatever location API page code currently sees.
func (p *Page) Geolocation() emulator.Geolocation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.geo
}

// Installed reports whether the emulator replaced the native API.
func (p *Page) Installed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.installed
}

// Host returns the injected element, nil before installation.
func (p *Page) Host() *Host {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.host
}

// inject runs boot against the host inside the page. boot returns the
// replacement location API; on error the page is left as it was.
func (p *Page) inject(host *Host, boot func(*Host) (emulator.Geolocation, error)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.installed {
		return ErrAlreadyInstalled
	}
	geo, err := boot(host)
	if err != nil {
		return err
	}
	p.geo = geo
	p.host = host
	p.installed = true
	return nil
}
