// Package metrics exposes protocol traffic and session service state as
// prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dhruvsoni1802/browser-bidi/internal/bidi"
	"github.com/dhruvsoni1802/browser-bidi/internal/errext"
)

const namespace = "bidi"

// Command outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeProtocol  = "protocol_error"
	OutcomeTimeout   = "timeout"
	OutcomeTransport = "transport_error"
	OutcomeDisposed  = "disposed"
	OutcomeCancelled = "cancelled"
	OutcomeError     = "error"
)

// Collector holds every metric of the service. Each Collector registers
// with its own registerer so tests can use a fresh registry.
type Collector struct {
	gatherer prometheus.Gatherer

	commandsSent    *prometheus.CounterVec
	commandsDone    *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	eventsReceived  *prometheus.CounterVec
	pending         *prometheus.GaugeVec

	agentSessions    prometheus.Gauge
	endpointSessions *prometheus.GaugeVec
	endpointHealthy  *prometheus.GaugeVec
	interceptions    *prometheus.CounterVec
}

// New creates a Collector registered with reg. A nil reg uses a new private
// registry.
func New(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Collector{
		gatherer: reg,
		commandsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "sent_total",
			Help:      "Total number of commands sent.",
		}, []string{"endpoint", "method"}),
		commandsDone: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "completed_total",
			Help:      "Total number of commands completed, by outcome.",
		}, []string{"endpoint", "method", "outcome"}),
		commandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "duration_seconds",
			Help:      "Command round trip time in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		}, []string{"endpoint", "method"}),
		eventsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "event",
			Name:      "received_total",
			Help:      "Total number of events received.",
		}, []string{"endpoint", "method"}),
		pending: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "pending",
			Help:      "Commands awaiting a response.",
		}, []string{"endpoint"}),
		agentSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "sessions_active",
			Help:      "Number of live agent sessions.",
		}),
		endpointSessions: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "endpoint",
			Name:      "sessions",
			Help:      "Agent sessions placed on each endpoint.",
		}, []string{"endpoint"}),
		endpointHealthy: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "endpoint",
			Name:      "healthy",
			Help:      "1 if the endpoint accepts new sessions.",
		}, []string{"endpoint"}),
		interceptions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "interceptions_total",
			Help:      "Intercepted requests by resolved action.",
		}, []string{"action"}),
	}
}

// Handler serves the collector's registry in the prometheus exposition
// format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// Gatherer returns the registry the collector is registered with.
func (c *Collector) Gatherer() prometheus.Gatherer { return c.gatherer }

// Endpoint returns a bidi.Observer recording traffic of one endpoint.
func (c *Collector) Endpoint(endpoint string) bidi.Observer {
	return &endpointObserver{c: c, endpoint: endpoint}
}

// SetAgentSessions sets the number of live agent sessions.
func (c *Collector) SetAgentSessions(n int) { c.agentSessions.Set(float64(n)) }

// SetEndpoint records the state of one pooled endpoint.
func (c *Collector) SetEndpoint(endpoint string, sessions int64, healthy bool) {
	c.endpointSessions.WithLabelValues(endpoint).Set(float64(sessions))
	v := 0.0
	if healthy {
		v = 1
	}
	c.endpointHealthy.WithLabelValues(endpoint).Set(v)
}

// InterceptionResolved counts one resolved interception phase.
func (c *Collector) InterceptionResolved(action string) {
	c.interceptions.WithLabelValues(action).Inc()
}

type endpointObserver struct {
	c        *Collector
	endpoint string
}

var _ bidi.Observer = &endpointObserver{}

func (o *endpointObserver) CommandSent(method string) {
	o.c.commandsSent.WithLabelValues(o.endpoint, method).Inc()
}

func (o *endpointObserver) CommandDone(method string, elapsed time.Duration, err error) {
	o.c.commandsDone.WithLabelValues(o.endpoint, method, Outcome(err)).Inc()
	o.c.commandDuration.WithLabelValues(o.endpoint, method).Observe(elapsed.Seconds())
}

func (o *endpointObserver) EventReceived(method string) {
	o.c.eventsReceived.WithLabelValues(o.endpoint, method).Inc()
}

func (o *endpointObserver) PendingChanged(n int) {
	o.c.pending.WithLabelValues(o.endpoint).Set(float64(n))
}

// Outcome classifies a command error into a metric label.
func Outcome(err error) string {
	var (
		pe *errext.ProtocolError
		te *errext.TimeoutError
		tr *errext.TransportError
	)
	switch {
	case err == nil:
		return OutcomeOK
	case errors.As(err, &pe):
		return OutcomeProtocol
	case errors.As(err, &te):
		return OutcomeTimeout
	case errors.As(err, &tr):
		return OutcomeTransport
	case errors.Is(err, errext.ErrDisposed):
		return OutcomeDisposed
	case errors.Is(err, context.Canceled):
		return OutcomeCancelled
	}
	return OutcomeError
}
