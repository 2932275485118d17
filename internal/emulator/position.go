package emulator

import "time"

// Coordinates mirrors the Web GeolocationCoordinates shape. Only latitude and
// longitude are simulated; the rest are fixed.
type Coordinates struct {
	Latitude         float64  `json:"latitude"`
	Longitude        float64  `json:"longitude"`
	Altitude         *float64 `json:"altitude"`
	Accuracy         float64  `json:"accuracy"`
	AltitudeAccuracy *float64 `json:"altitudeAccuracy"`
	Heading          *float64 `json:"heading"`
	Speed            *float64 `json:"speed"`
}

// Position is a single fix handed to page callbacks. Every delivery gets its own value.
type Position struct {
	Coords    Coordinates `json:"coords"`
	Timestamp int64       `json:"timestamp"` // ms since epoch
}

func newPosition(lat, lng float64, at time.Time) *Position {
	return &Position{
		Coords: Coordinates{
			Latitude:  lat,
			Longitude: lng,
		},
		Timestamp: at.UnixMilli(),
	}
}

// PositionError exists for API compatibility; the emulator never reports one.
type PositionError struct {
	Code    int
	Message string
}

const (
	PermissionDenied    = 1
	PositionUnavailable = 2
	Timeout             = 3
)

func (e *PositionError) Error() string { return e.Message }

// PositionOptions is accepted and ignored.
type PositionOptions struct {
	EnableHighAccuracy bool
	Timeout            time.Duration
	MaximumAge         time.Duration
}

type (
	PositionCallback      func(*Position)
	PositionErrorCallback func(*PositionError)
)

// Geolocation is the location API a page sees.
type Geolocation interface {
	WatchPosition(success PositionCallback, failure PositionErrorCallback, opts *PositionOptions) int
	ClearWatch(id int)
	GetCurrentPosition(success PositionCallback, failure PositionErrorCallback, opts *PositionOptions)
}
