// Package server exposes lookups, public IP discovery and the emulator
// settings over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/locator"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/lookup"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/metrics"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/model"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/publicip"
	"go.uber.org/zap"
)

type Lookup interface {
	Locate(ctx context.Context, ip string) (model.LatLng, error)
	CacheSize() int
}

type PublicIP interface {
	Resolve(ctx context.Context) (model.PublicIPs, error)
	Names() []string
	Usage() map[string]int
}

type CurrentLocation interface {
	UseCurrentLocation(ctx context.Context) (locator.Result, error)
}

type Settings interface {
	Snapshot() (enabled bool, pos *model.LatLng)
	SetEnabled(enabled bool) error
	SetDefaultPosition(c model.LatLng) error
}

// Store is the durable database cache, normally a store.Store.
type Store interface {
	Sweep(ctx context.Context) (int64, error)
	Size(ctx context.Context) int
	Type() string
	TTL() time.Duration
}

// Deps are the components behind the routes. Store may be nil.
type Deps struct {
	Lookup   Lookup
	PublicIP PublicIP
	Locator  CurrentLocation
	Settings Settings
	Store    Store
}

// Server is the HTTP server.
type Server struct {
	deps    Deps
	authKey string
	mux     *http.ServeMux
	logger  *zap.Logger
}

// New creates the handler. An empty authKey disables authentication.
func New(deps Deps, authKey string, logger *zap.Logger) *Server {
	s := &Server{
		deps:    deps,
		authKey: authKey,
		mux:     http.NewServeMux(),
		logger:  logger.Named("http"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/v1/locate/{ip}", s.handleLocate)
	s.mux.HandleFunc("GET /api/v1/public-ip", s.handlePublicIP)
	s.mux.HandleFunc("POST /api/v1/current-location", s.handleCurrentLocation)
	s.mux.HandleFunc("GET /api/v1/settings", s.handleGetSettings)
	s.mux.HandleFunc("PUT /api/v1/settings", s.handlePutSettings)
	s.mux.HandleFunc("POST /api/v1/sweep", s.handleSweep)
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/stats", s.handleStats)
	s.mux.Handle("GET /metrics", metrics.Handler())
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	start := time.Now()
	w := &statusWriter{ResponseWriter: rw, status: http.StatusOK}

	// CORS
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	// Auth check (skip for health endpoint)
	if s.authKey != "" && r.URL.Path != "/api/v1/health" && !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		s.logger.Warn("unauthorized request",
			zap.String("method", r.Method), zap.String("path", r.URL.Path),
			zap.String("remote", r.RemoteAddr), zap.Duration("took", time.Since(start)))
		return
	}

	s.mux.ServeHTTP(w, r)

	route := r.Pattern
	if route == "" {
		route = "unmatched"
	}
	took := time.Since(start)
	metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(w.status)).Inc()
	metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(took.Seconds())
	s.logger.Info("request",
		zap.String("method", r.Method), zap.String("path", r.URL.Path),
		zap.Int("status", w.status), zap.Duration("took", took))
}

// authorized accepts "Bearer <key>" or the bare key.
func (s *Server) authorized(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	token := strings.TrimPrefix(auth, "Bearer ")
	return token != "" && token == s.authKey
}

func (s *Server) handleLocate(w http.ResponseWriter, r *http.Request) {
	ip := strings.TrimSpace(r.PathValue("ip"))
	if ip == "" {
		writeError(w, http.StatusBadRequest, "IP address required")
		return
	}
	if net.ParseIP(ip) == nil {
		writeError(w, http.StatusBadRequest, "invalid IP address format")
		return
	}
	// Private and reserved ranges never have a public location record.
	if isPrivateIP(ip) {
		writeError(w, http.StatusBadRequest, "private or reserved IP address")
		return
	}

	pos, err := s.deps.Lookup.Locate(r.Context(), ip)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, pos)
	case errors.Is(err, lookup.ErrNoLocation):
		writeError(w, http.StatusNotFound, "no location for address")
	case errors.Is(err, lookup.ErrInvalidIP):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("lookup failed", zap.String("ip", ip), zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) handlePublicIP(w http.ResponseWriter, r *http.Request) {
	ips, err := s.deps.PublicIP.Resolve(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, publicip.ErrNoAddress) {
			status = http.StatusBadGateway
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ips)
}

func (s *Server) handleCurrentLocation(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Locator.UseCurrentLocation(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// settingsBody is the wire form of the persisted settings. Absent fields
// are left unchanged by PUT.
type settingsBody struct {
	Enabled         *bool         `json:"enabled,omitempty"`
	DefaultPosition *model.LatLng `json:"fakeDefaultLatLng,omitempty"`
}

func (s *Server) currentSettings() settingsBody {
	enabled, pos := s.deps.Settings.Snapshot()
	return settingsBody{Enabled: &enabled, DefaultPosition: pos}
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.currentSettings())
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var body settingsBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid settings body: "+err.Error())
		return
	}
	if body.DefaultPosition != nil && !body.DefaultPosition.Valid() {
		writeError(w, http.StatusBadRequest, "invalid coordinate")
		return
	}

	if body.DefaultPosition != nil {
		if err := s.deps.Settings.SetDefaultPosition(*body.DefaultPosition); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if body.Enabled != nil {
		if err := s.deps.Settings.SetEnabled(*body.Enabled); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, s.currentSettings())
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "no database store configured")
		return
	}
	n, err := s.deps.Store.Sweep(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"evicted": n})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	enabled, pos := s.deps.Settings.Snapshot()
	stats := &model.StatsResponse{
		MemoryCacheSize: s.deps.Lookup.CacheSize(),
		Enabled:         enabled,
		DefaultPosition: pos,
		Strategies:      s.deps.PublicIP.Names(),
		StrategyUsage:   s.deps.PublicIP.Usage(),
	}
	if st := s.deps.Store; st != nil {
		stats.Store = &model.StoreStatus{
			Type:    st.Type(),
			Entries: st.Size(r.Context()),
			TTL:     st.TTL().String(),
		}
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, &model.ErrorResponse{
		Error: msg,
		Code:  status,
	})
}

var privateRanges = func() []*net.IPNet {
	var nets []*net.IPNet
	for _, cidr := range []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"100.64.0.0/10",
		"169.254.0.0/16",
		"::1/128",
		"fc00::/7",
		"fe80::/10",
	} {
		_, n, _ := net.ParseCIDR(cidr)
		nets = append(nets, n)
	}
	return nets
}()

func isPrivateIP(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	if ip.IsUnspecified() {
		return true
	}
	for _, n := range privateRanges {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
