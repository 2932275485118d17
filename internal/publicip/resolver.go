package publicip

import (
	"context"
	"errors"

	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/metrics"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/model"
	"go.uber.org/zap"
)

// ErrNoAddress is returned when no strategy discovered any address.
var ErrNoAddress = errors.New("publicip: no address found")

// Resolver runs strategies one after another until one finds an address.
type Resolver struct {
	strategies []*Strategy
	logger     *zap.Logger
}

func NewResolver(logger *zap.Logger, strategies ...*Strategy) *Resolver {
	logger = logger.Named("publicip")
	for _, s := range strategies {
		logger.Info("strategy registered", zap.String("name", s.Name))
	}
	return &Resolver{strategies: strategies, logger: logger}
}

// Resolve returns the addresses from the first strategy that found any.
// Later strategies are not run, to avoid needless network use.
func (r *Resolver) Resolve(ctx context.Context) (model.PublicIPs, error) {
	for _, s := range r.strategies {
		if !s.Available() {
			metrics.PublicIPStrategy.WithLabelValues(s.Name, "rate_limited").Inc()
			r.logger.Warn("strategy rate limited, skipping",
				zap.String("strategy", s.Name), zap.Int("limit_per_minute", s.RateLimit))
			continue
		}
		s.RecordCall()

		ips, err := s.Discover(ctx)
		if err != nil {
			metrics.PublicIPStrategy.WithLabelValues(s.Name, "error").Inc()
			r.logger.Warn("strategy failed", zap.String("strategy", s.Name), zap.Error(err))
			continue
		}
		if ips.Empty() {
			metrics.PublicIPStrategy.WithLabelValues(s.Name, "empty").Inc()
			r.logger.Info("strategy found no address", zap.String("strategy", s.Name))
			continue
		}

		metrics.PublicIPStrategy.WithLabelValues(s.Name, "found").Inc()
		r.logger.Info("public address discovered",
			zap.String("strategy", s.Name),
			zap.Stringp("ipv4", ips.IPv4),
			zap.Stringp("ipv6", ips.IPv6))
		return ips, nil
	}

	r.logger.Error("all strategies exhausted", zap.Error(ErrNoAddress))
	return model.PublicIPs{}, ErrNoAddress
}

// Names lists the strategies in run order.
func (r *Resolver) Names() []string {
	names := make([]string, len(r.strategies))
	for i, s := range r.strategies {
		names[i] = s.Name
	}
	return names
}

// Usage reports how often each strategy ran in the last minute.
func (r *Resolver) Usage() map[string]int {
	usage := make(map[string]int, len(r.strategies))
	for _, s := range r.strategies {
		usage[s.Name] = s.UsedLastMinute()
	}
	return usage
}

// SetRateLimit applies the same per-minute cap to every strategy.
func (r *Resolver) SetRateLimit(perMinute int) {
	for _, s := range r.strategies {
		s.RateLimit = perMinute
	}
}

// Order puts the named strategies first, in the given order, followed by the rest.
func Order(strategies []*Strategy, names []string) []*Strategy {
	if len(names) == 0 {
		return strategies
	}

	byName := make(map[string]*Strategy, len(strategies))
	for _, s := range strategies {
		byName[s.Name] = s
	}
	ordered := make([]*Strategy, 0, len(strategies))
	for _, name := range names {
		if s, ok := byName[name]; ok {
			ordered = append(ordered, s)
			delete(byName, name)
		}
	}
	for _, s := range strategies {
		if _, ok := byName[s.Name]; ok {
			ordered = append(ordered, s)
		}
	}
	return ordered
}
