package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the process collectors. A nil *Metrics is valid and records
// nothing, so components can be built without one in tests.
type Metrics struct {
	Rooms             prometheus.Gauge
	Connections       prometheus.Gauge
	EventsPublished   *prometheus.CounterVec
	DeliveriesDropped prometheus.Counter
	Endings           *prometheus.CounterVec
	Generations       *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New registers every collector on reg. Pass prometheus.NewRegistry() in
// tests to keep instances independent.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rapgpt_rooms",
			Help: "Rooms currently held by the room manager",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rapgpt_connections",
			Help: "Registered WebSocket connections",
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rapgpt_events_published_total",
			Help: "Events published to rooms, by event type",
		}, []string{"type"}),
		DeliveriesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rapgpt_deliveries_dropped_total",
			Help: "Per-connection deliveries dropped because the outbox was full or closed",
		}),
		Endings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rapgpt_live_endings_total",
			Help: "Live broadcasts ended, by reason",
		}, []string{"reason"}),
		Generations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rapgpt_generation_duration_seconds",
			Help:    "Verse generation latency",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40},
		}, []string{"status"}),
		gatherer: reg,
	}
	reg.MustRegister(m.Rooms, m.Connections, m.EventsPublished, m.DeliveriesDropped, m.Endings, m.Generations)
	return m
}

func (m *Metrics) SetRooms(n int) {
	if m == nil {
		return
	}
	m.Rooms.Set(float64(n))
}

func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.Connections.Set(float64(n))
}

func (m *Metrics) EventPublished(eventType string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(eventType).Inc()
}

func (m *Metrics) DeliveryDropped() {
	if m == nil {
		return
	}
	m.DeliveriesDropped.Inc()
}

func (m *Metrics) LiveEnded(reason string) {
	if m == nil {
		return
	}
	m.Endings.WithLabelValues(reason).Inc()
}

func (m *Metrics) GenerationObserved(d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.Generations.WithLabelValues(status).Observe(d.Seconds())
}

// Handler serves the registry this instance was built with.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
