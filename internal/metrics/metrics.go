// Package metrics provides Prometheus metrics for the bot daemons.
package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for a daemon.
type Metrics struct {
	PollsTotal        *prometheus.CounterVec
	MessagesSeen      prometheus.Counter
	ApprovalsTotal    *prometheus.CounterVec
	MeetingsTotal     *prometheus.CounterVec
	WakesTotal        prometheus.Counter
	MissedCycles      *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec
	PendingQueueDepth prometheus.Gauge
	ActiveMeetings    prometheus.Gauge

	registry *prometheus.Registry
}

// New creates and registers all metrics under the given daemon name.
func New(daemon string) *Metrics {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"daemon": daemon}

	m := &Metrics{
		PollsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "botfleet_polls_total",
				Help:        "Provider poll ticks by loop and outcome.",
				ConstLabels: labels,
			},
			[]string{"loop", "outcome"},
		),
		MessagesSeen: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name:        "botfleet_messages_seen_total",
				Help:        "Inbound messages observed by the listener.",
				ConstLabels: labels,
			},
		),
		ApprovalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "botfleet_approvals_total",
				Help:        "Approval queue decisions by result.",
				ConstLabels: labels,
			},
			[]string{"result"},
		),
		MeetingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "botfleet_meetings_total",
				Help:        "Meeting state transitions by target state.",
				ConstLabels: labels,
			},
			[]string{"state"},
		),
		WakesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name:        "botfleet_wakes_total",
				Help:        "System wake events observed.",
				ConstLabels: labels,
			},
		),
		MissedCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "botfleet_missed_cycles_total",
				Help:        "Periodic task cycles missed across suspend, by task.",
				ConstLabels: labels,
			},
			[]string{"task"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "botfleet_errors_total",
				Help:        "Errors by module and type.",
				ConstLabels: labels,
			},
			[]string{"module", "type"},
		),
		PendingQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name:        "botfleet_pending_queue_depth",
				Help:        "Messages waiting for human approval.",
				ConstLabels: labels,
			},
		),
		ActiveMeetings: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name:        "botfleet_active_meetings",
				Help:        "Meetings currently in the active state.",
				ConstLabels: labels,
			},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.PollsTotal, m.MessagesSeen, m.ApprovalsTotal, m.MeetingsTotal,
		m.WakesTotal, m.MissedCycles, m.ErrorsTotal,
		m.PendingQueueDepth, m.ActiveMeetings,
	)
	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve starts a loopback-only metrics listener. Returns the bound address.
// The bus is the only non-local surface this fleet exposes.
func (m *Metrics) Serve(addr string) (string, error) {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	go http.Serve(ln, mux)
	return ln.Addr().String(), nil
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(module, typ string) {
	m.ErrorsTotal.WithLabelValues(module, typ).Inc()
}
