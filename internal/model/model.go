package model

import (
	"fmt"
	"math"
	"strings"
)

// LatLng is a geographic coordinate as stored in settings and returned by lookups.
type LatLng struct {
	Lat float64 `json:"lat" mapstructure:"lat"`
	Lng float64 `json:"lng" mapstructure:"lng"`
}

// Valid reports whether both components are finite numbers.
func (c LatLng) Valid() bool {
	return !math.IsNaN(c.Lat) && !math.IsInf(c.Lat, 0) &&
		!math.IsNaN(c.Lng) && !math.IsInf(c.Lng, 0)
}

func (c LatLng) String() string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lng)
}

// Vector is the joystick movement input, both axes in [-1, 1].
type Vector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PublicIPs holds the externally visible addresses per family. Nil means not found.
type PublicIPs struct {
	IPv4 *string `json:"ipv4"`
	IPv6 *string `json:"ipv6"`
}

// Empty reports whether neither family was discovered.
func (p PublicIPs) Empty() bool {
	return p.IPv4 == nil && p.IPv6 == nil
}

// StoreStatus describes the durable database cache.
type StoreStatus struct {
	Type    string `json:"type"`
	Entries int    `json:"entries"`
	TTL     string `json:"ttl"`
}

// StatsResponse is returned by the /stats endpoint.
type StatsResponse struct {
	MemoryCacheSize int            `json:"memory_cache_size"`
	Store           *StoreStatus   `json:"store,omitempty"`
	Enabled         bool           `json:"enabled"`
	DefaultPosition *LatLng        `json:"default_position"`
	Strategies      []string       `json:"ip_strategies"`
	StrategyUsage   map[string]int `json:"ip_strategy_calls_last_minute,omitempty"`
}

// ErrorResponse is returned on error.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// Variant names one of the GeoLite2 database editions.
type Variant string

const (
	VariantASN     Variant = "ASN"
	VariantCity    Variant = "City"
	VariantCountry Variant = "Country"
)

// ParseVariant accepts the edition name case-insensitively.
func ParseVariant(s string) (Variant, error) {
	for _, v := range []Variant{VariantASN, VariantCity, VariantCountry} {
		if strings.EqualFold(s, string(v)) {
			return v, nil
		}
	}
	return "", fmt.Errorf("unknown database variant %q", s)
}
