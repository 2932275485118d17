package lookup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/cache"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/geodb"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/geotest"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/model"
	"go.uber.org/zap"
)

func asnDB(t *testing.T) *geodb.Database {
	data := geotest.BuildDB(t, "GeoLite2-ASN",
		geotest.Record{Network: "3.0.0.0/9", ASN: 16509, Organization: "AMAZON-02"},
		geotest.Record{Network: "126.0.0.0/8", ASN: 17676, Organization: "Softbank BB Corp."},
		geotest.Record{Network: "2400:cb00::/32", ASN: 13335, Organization: "CLOUDFLARENET"},
	)
	return &geodb.Database{Variant: model.VariantASN, Data: data, FetchedAt: time.Now()}
}

func TestASNNetwork(t *testing.T) {
	readers := cache.New(24*time.Hour, nil)
	t.Cleanup(readers.Stop)
	r := NewASNResolver(&stubLoader{db: asnDB(t)}, readers, zap.NewNop())

	tests := []struct {
		name string
		ip   string
		want Network
		err  error
	}{
		{"hosting network", "3.1.2.3", Network{ASN: 16509, Organization: "AMAZON-02", Hosting: "Amazon.com / AWS"}, nil},
		{"access network", "126.10.0.1", Network{ASN: 17676, Organization: "Softbank BB Corp."}, nil},
		{"ipv6 hosting network", "2400:cb00::1", Network{ASN: 13335, Organization: "CLOUDFLARENET", Hosting: "Cloudflare"}, nil},
		{"not covered", "8.8.8.8", Network{}, ErrNoLocation},
		{"invalid address", "nope", Network{}, ErrInvalidIP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Network(context.Background(), tt.ip)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHostingProvider(t *testing.T) {
	name, ok := HostingProvider(14061)
	assert.True(t, ok)
	assert.Equal(t, "DigitalOcean", name)

	_, ok = HostingProvider(17676)
	assert.False(t, ok)
}
