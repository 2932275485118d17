package lookup

import (
	"context"
	"fmt"
	"net"

	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/cache"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/metrics"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/model"
	"go.uber.org/zap"
)

// Network describes the autonomous system announcing an address.
type Network struct {
	ASN          uint   `json:"asn"`
	Organization string `json:"organization,omitempty"`
	// Hosting names the cloud or hosting operator, empty for access networks.
	Hosting string `json:"hosting,omitempty"`
}

type asnRecord struct {
	Number       uint   `maxminddb:"autonomous_system_number"`
	Organization string `maxminddb:"autonomous_system_organization"`
}

// ASNResolver reads the GeoLite2-ASN edition.
type ASNResolver struct {
	src    *source
	logger *zap.Logger
}

func NewASNResolver(loader Loader, readers *cache.Cache, logger *zap.Logger) *ASNResolver {
	logger = logger.Named("asn")
	return &ASNResolver{
		src:    &source{loader: loader, readers: readers, logger: logger},
		logger: logger,
	}
}

// Network returns the AS announcing ip. ErrNoLocation means the address is not covered.
func (r *ASNResolver) Network(ctx context.Context, ipStr string) (Network, error) {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return Network{}, fmt.Errorf("%w: %q", ErrInvalidIP, ipStr)
	}

	reader, err := r.src.reader(ctx, model.VariantASN)
	if err != nil {
		metrics.Lookups.WithLabelValues("error").Inc()
		return Network{}, err
	}

	var record asnRecord
	_, found, err := reader.LookupNetwork(ip, &record)
	if err != nil {
		metrics.Lookups.WithLabelValues("error").Inc()
		return Network{}, fmt.Errorf("MMDB lookup failed: %w", err)
	}
	if !found || record.Number == 0 {
		metrics.Lookups.WithLabelValues("not_found").Inc()
		return Network{}, ErrNoLocation
	}

	metrics.Lookups.WithLabelValues("found").Inc()
	n := Network{ASN: record.Number, Organization: record.Organization}
	if name, ok := HostingProvider(record.Number); ok {
		n.Hosting = name
	}
	return n, nil
}
