package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fakegeo",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests processed",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fakegeo",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency in seconds",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 15},
	}, []string{"method", "route"})

	// Emulator metrics
	EmulatorTicks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fakegeo",
		Subsystem: "emulator",
		Name:      "ticks_total",
		Help:      "Movement ticks processed",
	})

	EmulatorBroadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fakegeo",
		Subsystem: "emulator",
		Name:      "broadcasts_total",
		Help:      "Ticks whose coordinate changed and were delivered to watchers",
	})

	EmulatorCallbackPanics = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fakegeo",
		Subsystem: "emulator",
		Name:      "callback_panics_total",
		Help:      "Watcher callbacks that panicked during delivery",
	})

	EmulatorWatchers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fakegeo",
		Subsystem: "emulator",
		Name:      "watchers",
		Help:      "Currently registered position watchers",
	})

	// Geo database metrics
	GeoDBCacheResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fakegeo",
		Subsystem: "geodb",
		Name:      "cache_results_total",
		Help:      "Database loads by tier and outcome (memory/store hit, miss)",
	}, []string{"variant", "result"})

	GeoDBDownloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fakegeo",
		Subsystem: "geodb",
		Name:      "downloads_total",
		Help:      "Database archive downloads by outcome",
	}, []string{"variant", "status"})

	GeoDBEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fakegeo",
		Subsystem: "geodb",
		Name:      "evictions_total",
		Help:      "Expired database entries removed by sweeps",
	})

	Lookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fakegeo",
		Subsystem: "lookup",
		Name:      "ip_lookups_total",
		Help:      "IP to coordinate lookups by outcome",
	}, []string{"result"})

	// Public IP discovery
	PublicIPStrategy = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fakegeo",
		Subsystem: "publicip",
		Name:      "strategy_results_total",
		Help:      "Public IP discovery attempts by strategy and outcome",
	}, []string{"strategy", "result"})

	LocatorSource = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fakegeo",
		Subsystem: "locator",
		Name:      "current_location_total",
		Help:      "Use-current-location resolutions by source",
	}, []string{"source"})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
