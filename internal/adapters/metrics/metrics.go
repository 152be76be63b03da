package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atvirokodosprendimai/keyring/internal/core/domain"
	"github.com/atvirokodosprendimai/keyring/internal/core/ports"
	"github.com/atvirokodosprendimai/keyring/internal/core/usecase"
)

const namespace = "keyring"

// Metrics owns a private registry so tests and multiple servers in one
// process never collide on the default one.
type Metrics struct {
	registry *prometheus.Registry

	validationTotal    *prometheus.CounterVec
	validationDuration *prometheus.HistogramVec
	invalidationFailed prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		validationTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "apikey",
				Name:      "validation_total",
				Help:      "Total number of presented API key validations by outcome",
			},
			[]string{"outcome"},
		),
		validationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "apikey",
				Name:      "validation_duration_seconds",
				Help:      "Duration of presented API key validations in seconds",
				Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"outcome"},
		),
		invalidationFailed: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "apikey",
				Name:      "cache_invalidation_failures_total",
				Help:      "Total number of failed cache invalidations",
			},
		),
	}
}

// ObserveValidation implements ports.ValidationObserver.
func (m *Metrics) ObserveValidation(outcome domain.VerifyOutcome, elapsed time.Duration) {
	m.validationTotal.WithLabelValues(string(outcome)).Inc()
	m.validationDuration.WithLabelValues(string(outcome)).Observe(elapsed.Seconds())
}

// Invalidator counts failures of the wrapped invalidator.
func (m *Metrics) Invalidator(next ports.CacheInvalidator) ports.CacheInvalidator {
	return countingInvalidator{next: next, failed: m.invalidationFailed}
}

type dispatcherStats interface {
	Stats() usecase.ActivityDispatcherStats
}

// RegisterActivityDispatcher exposes the dispatcher's running totals.
func (m *Metrics) RegisterActivityDispatcher(d dispatcherStats) {
	opts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{Namespace: namespace, Subsystem: "activity", Name: name, Help: help}
	}
	m.registry.MustRegister(
		prometheus.NewCounterFunc(opts("dispatched_total", "Activity events delivered to the sink"),
			func() float64 { return float64(d.Stats().Dispatched) }),
		prometheus.NewCounterFunc(opts("failed_total", "Activity event delivery failures"),
			func() float64 { return float64(d.Stats().Failed) }),
		prometheus.NewCounterFunc(opts("dead_total", "Activity events dead-lettered"),
			func() float64 { return float64(d.Stats().Dead) }),
	)
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

type countingInvalidator struct {
	next   ports.CacheInvalidator
	failed prometheus.Counter
}

func (c countingInvalidator) Invalidate(ctx context.Context, secretHash string) error {
	err := c.next.Invalidate(ctx, secretHash)
	if err != nil {
		c.failed.Inc()
	}
	return err
}
