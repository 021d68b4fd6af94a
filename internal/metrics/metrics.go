// Package metrics exposes Prometheus instruments for the dispatch service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry and implements the metrics sinks of the
// routing, hub, lifecycle, relay and ingest packages.
type Collector struct {
	reg *prometheus.Registry

	HubConnections   prometheus.Gauge
	HubDelivered     prometheus.Counter
	HubDropped       prometheus.Counter
	SegmentFallbacks prometheus.Counter
	ComposeDuration  prometheus.Histogram
	Transitions      *prometheus.CounterVec // action, outcome
	RelayPublished   prometheus.Counter
	RelayPublishErrs prometheus.Counter
	RelayConnected   prometheus.Gauge
	SamplesIngested  *prometheus.CounterVec // source
	SamplesRejected  *prometheus.CounterVec // reason
	RequestDuration  *prometheus.HistogramVec
}

// NewCollector registers every instrument on a fresh registry.
func NewCollector() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		HubConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_hub_connections",
			Help: "Number of attached hub connections.",
		}),
		HubDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_hub_messages_delivered_total",
			Help: "Frames handed to hub connections.",
		}),
		HubDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_hub_messages_dropped_total",
			Help: "Frames dropped for slow or closed connections.",
		}),
		SegmentFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_route_segment_fallbacks_total",
			Help: "Route segments replaced by a straight line.",
		}),
		ComposeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispatch_route_compose_duration_seconds",
			Help:    "Time to compose a route geometry.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_trip_transitions_total",
			Help: "Trip transitions by action and outcome.",
		}, []string{"action", "outcome"}),
		RelayPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_relay_published_total",
			Help: "Location samples relayed to NATS.",
		}),
		RelayPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_relay_publish_errors_total",
			Help: "Failed NATS relay publishes.",
		}),
		RelayConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_relay_connected",
			Help: "1 if the NATS relay is connected, 0 otherwise.",
		}),
		SamplesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_location_samples_total",
			Help: "Accepted location samples by source.",
		}, []string{"source"}),
		SamplesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_location_samples_rejected_total",
			Help: "Rejected location samples by reason.",
		}, []string{"reason"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dispatch_http_request_duration_seconds",
			Help:    "HTTP request latency by method and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "code"}),
	}

	c.reg.MustRegister(
		c.HubConnections, c.HubDelivered, c.HubDropped,
		c.SegmentFallbacks, c.ComposeDuration, c.Transitions,
		c.RelayPublished, c.RelayPublishErrs, c.RelayConnected,
		c.SamplesIngested, c.SamplesRejected, c.RequestDuration,
		collectors.NewGoCollector(),
	)
	return c
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// InstrumentHandler records request latency for next.
func (c *Collector) InstrumentHandler(next http.Handler) http.Handler {
	return promhttp.InstrumentHandlerDuration(c.RequestDuration, next)
}

func (c *Collector) ConnectionsSet(n int)    { c.HubConnections.Set(float64(n)) }
func (c *Collector) MessagesDelivered(n int) { c.HubDelivered.Add(float64(n)) }
func (c *Collector) MessageDropped()         { c.HubDropped.Inc() }

func (c *Collector) SegmentFallback()               { c.SegmentFallbacks.Inc() }
func (c *Collector) ComposeObserve(d time.Duration) { c.ComposeDuration.Observe(d.Seconds()) }

func (c *Collector) TransitionObserved(action, outcome string) {
	c.Transitions.WithLabelValues(action, outcome).Inc()
}

func (c *Collector) RelayPublishedInc()  { c.RelayPublished.Inc() }
func (c *Collector) RelayPublishErrInc() { c.RelayPublishErrs.Inc() }

func (c *Collector) RelaySetConnected(connected bool) {
	if connected {
		c.RelayConnected.Set(1)
		return
	}
	c.RelayConnected.Set(0)
}

func (c *Collector) SampleIngested(source string) { c.SamplesIngested.WithLabelValues(source).Inc() }
func (c *Collector) SampleRejected(reason string) { c.SamplesRejected.WithLabelValues(reason).Inc() }
