package api

import (
	"github.com/atlas-quant/orchestrator-core/internal/events"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the control surface's Prometheus registry: a handful of
// counters driven off the event bus (so instrumentation never has to be
// threaded through every L1-L9 package by hand) plus a couple of gauges
// read straight from the bus's own counters at scrape time.
type Metrics struct {
	registry *prometheus.Registry

	eventsTotal         *prometheus.CounterVec
	riskRejectionsTotal *prometheus.CounterVec
	safeModeTotal       prometheus.Counter
	configRejectedTotal prometheus.Counter
}

// NewMetrics builds a Metrics registry wired to bus: every event bumps
// eventsTotal, and a few event types are broken out further. bus must
// already be running; NewMetrics subscribes immediately.
func NewMetrics(bus *events.Bus) *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_events_total",
		Help: "Events published on the internal event bus, by type.",
	}, []string{"type"})
	m.riskRejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_risk_rejections_total",
		Help: "Risk Gate rejections, by reason.",
	}, []string{"reason"})
	m.safeModeTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_safe_mode_entries_total",
		Help: "Number of times the orchestrator entered SAFE_MODE (cooldown_elapsed exit events excluded).",
	})
	m.configRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_config_rejected_total",
		Help: "Hot-reload attempts rejected by config validation.",
	})

	busLatency := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "orchestrator_event_bus_p99_latency_seconds",
		Help: "Event bus P99 handler processing latency.",
	}, func() float64 { return bus.Stats().P99Latency.Seconds() })
	busDropped := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "orchestrator_event_bus_dropped_total",
		Help: "Events dropped by the bus because a subscriber's buffer was full.",
	}, func() float64 { return float64(bus.Stats().EventsDropped) })

	m.registry.MustRegister(m.eventsTotal, m.riskRejectionsTotal, m.safeModeTotal, m.configRejectedTotal, busLatency, busDropped)

	bus.SubscribeAll(func(ev events.Event) error {
		m.eventsTotal.WithLabelValues(string(ev.GetType())).Inc()
		ge, ok := ev.(events.GenericEvent)
		if !ok {
			return nil
		}
		switch ev.GetType() {
		case events.EventTypeRiskRejected:
			m.riskRejectionsTotal.WithLabelValues(ge.Reason).Inc()
		case events.EventTypeSafeMode:
			if ge.Reason != "cooldown_elapsed" {
				m.safeModeTotal.Inc()
			}
		case events.EventTypeConfigRejected:
			m.configRejectedTotal.Inc()
		}
		return nil
	})

	return m
}

// Registry exposes the underlying Prometheus registry for promhttp.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
