// Package metrics exports flow execution events as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Namespace prefixes every FlowPipe metric.
const Namespace = "flowpipe"

// Sink counts execution events. It implements flow.EventSink.
type Sink struct {
	registry       *prometheus.Registry
	nodeExecutions *prometheus.CounterVec
	guardTrips     *prometheus.CounterVec
	lastEvent      prometheus.Gauge
}

// NewSink creates a Sink with its own registry, including the Go and process collectors.
func NewSink() *Sink {
	s := &Sink{
		registry: prometheus.NewRegistry(),
		nodeExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "engine",
				Name:      "node_executions_total",
				Help:      "Executed nodes by flow, node type and outcome",
			},
			[]string{"flow_id", "node_type", "outcome"},
		),
		guardTrips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "engine",
				Name:      "guard_trips_total",
				Help:      "Loop, timeout, retry and dispatch guards that fired",
			},
			[]string{"flow_id", "outcome"},
		),
		lastEvent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "engine",
			Name:      "last_event_timestamp_seconds",
			Help:      "Unix time of the most recent execution event",
		}),
	}
	s.registry.MustRegister(
		s.nodeExecutions,
		s.guardTrips,
		s.lastEvent,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return s
}

// Emit records one execution event.
func (s *Sink) Emit(e models.ExecutionEvent) {
	s.nodeExecutions.WithLabelValues(e.FlowID, string(e.NodeType), string(e.Outcome)).Inc()
	switch e.Outcome {
	case models.OutcomeLoopDetected, models.OutcomeTimeout, models.OutcomeRetryExhausted, models.OutcomeDispatchFailed:
		s.guardTrips.WithLabelValues(e.FlowID, string(e.Outcome)).Inc()
	}
	if !e.Timestamp.IsZero() {
		s.lastEvent.Set(float64(e.Timestamp.UnixNano()) / 1e9)
	}
}

// Registry returns the registry the sink registers with.
func (s *Sink) Registry() *prometheus.Registry {
	return s.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (s *Sink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
