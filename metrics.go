package postalregion

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Resolve outcomes recorded by Metrics.
const (
	outcomeExact    = "exact"
	outcomeFallback = "fallback"
	outcomeNotFound = "not_found"
	outcomeNotReady = "not_ready"
)

// Metrics bundles the Prometheus collectors an Index reports to.
// A nil *Metrics records nothing.
type Metrics struct {
	Resolves     *prometheus.CounterVec
	Loads        *prometheus.CounterVec
	LoadDuration prometheus.Histogram
	Regions      prometheus.Gauge
	PostalCodes  prometheus.Gauge
}

// NewMetrics registers the index metrics against reg, defaulting to the
// global registry when reg is nil. Registering twice against the same
// registry reuses the existing collectors.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	resolves, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "postalregion_resolves_total",
		Help: "Postal code resolutions, labeled by outcome (exact, fallback, not_found, not_ready).",
	}, []string{"outcome"}))
	if err != nil {
		return nil, err
	}
	loads, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "postalregion_loads_total",
		Help: "Index initializations, labeled by result (ok, error).",
	}, []string{"result"}))
	if err != nil {
		return nil, err
	}
	duration, err := register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "postalregion_load_duration_seconds",
		Help:    "Time to fetch and index both datasets.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}))
	if err != nil {
		return nil, err
	}
	regions, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "postalregion_regions",
		Help: "Number of regions in the published snapshot.",
	}))
	if err != nil {
		return nil, err
	}
	codes, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "postalregion_postal_codes",
		Help: "Number of postal codes in the published mapping.",
	}))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		Resolves:     resolves,
		Loads:        loads,
		LoadDuration: duration,
		Regions:      regions,
		PostalCodes:  codes,
	}, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) observeResolve(outcome string) {
	if m == nil {
		return
	}
	m.Resolves.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeLoad(start time.Time, s *snapshot, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.Loads.WithLabelValues("error").Inc()
		return
	}
	m.Loads.WithLabelValues("ok").Inc()
	m.LoadDuration.Observe(time.Since(start).Seconds())
	m.Regions.Set(float64(len(s.regions)))
	m.PostalCodes.Set(float64(s.mapping.Len()))
}
