// Package metrics collects Prometheus metrics for the driver/channel
// registry, grounded on the teacher soft_phone repo's pkg/dialog
// MetricsCollector (github.com/prometheus/client_golang), narrowed to the
// counters this module's own components actually move.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds every metric one Driver reports. Unlike the teacher's
// package-wide collector, one Collector is created per Driver (they are
// named, process-wide singletons per §3's data model) and registered
// against a caller-supplied Registerer so multiple drivers in one process
// don't collide on metric names.
type Collector struct {
	enabled bool

	channelsTotal    prometheus.Counter
	channelsActive   prometheus.Gauge
	routed           prometheus.Counter
	routing          prometheus.Gauge
	rejected         *prometheus.CounterVec // by error kind
	routeDuration    prometheus.Histogram
	stateTransitions *prometheus.CounterVec // by from,to
}

// Config controls metric construction for one driver.
type Config struct {
	// Enabled turns metric collection on; a disabled Collector's methods
	// are all no-ops, so callers never need to nil-check it.
	Enabled bool
	// Namespace/Subsystem are the Prometheus label prefix, typically
	// "pbxcore" and the driver's name.
	Namespace string
	Subsystem string
	// Registerer receives the constructed collectors. Defaults to
	// prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

// New constructs a Collector per cfg. A zero-value Config disables
// collection.
func New(cfg Config) *Collector {
	if !cfg.Enabled {
		return &Collector{enabled: false}
	}
	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{enabled: true}
	factory := promauto.With(reg)

	c.channelsTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
		Name: "channels_total", Help: "Total number of channels ever inserted into the registry.",
	})
	c.channelsActive = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
		Name: "channels_active", Help: "Number of channels currently in the registry.",
	})
	c.routed = factory.NewCounter(prometheus.CounterOpts{
		Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
		Name: "routed_total", Help: "Total number of Router runs that produced a callable target.",
	})
	c.routing = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
		Name: "routing", Help: "Number of Router tasks currently in flight.",
	})
	c.rejected = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
		Name: "rejected_total", Help: "Total number of calls rejected, by error kind.",
	}, []string{"kind"})
	c.routeDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
		Name:    "route_duration_seconds",
		Help:    "Wall-clock duration of one Router run.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	})
	c.stateTransitions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
		Name: "channel_state_transitions_total", Help: "Total number of channel status transitions.",
	}, []string{"from", "to"})

	return c
}

func (c *Collector) ChannelInserted() {
	if !c.enabled {
		return
	}
	c.channelsTotal.Inc()
	c.channelsActive.Inc()
}

func (c *Collector) ChannelRemoved() {
	if !c.enabled {
		return
	}
	c.channelsActive.Dec()
}

func (c *Collector) RoutingStarted() {
	if !c.enabled {
		return
	}
	c.routing.Inc()
}

func (c *Collector) RoutingFinished(routed bool, seconds float64) {
	if !c.enabled {
		return
	}
	c.routing.Dec()
	c.routeDuration.Observe(seconds)
	if routed {
		c.routed.Inc()
	}
}

func (c *Collector) Rejected(kind string) {
	if !c.enabled {
		return
	}
	c.rejected.WithLabelValues(kind).Inc()
}

func (c *Collector) StateTransition(from, to string) {
	if !c.enabled {
		return
	}
	c.stateTransitions.WithLabelValues(from, to).Inc()
}
