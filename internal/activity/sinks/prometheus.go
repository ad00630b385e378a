// Package sinks contains activity.Sink implementations.
package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/abirangers/lbf-lunarai-web-v4/internal/activity"
)

// PrometheusSink exports service milestones as Prometheus metrics. It owns
// the collectors for ingest counts, broadcast fan-out, and stream lifecycle.
type PrometheusSink struct {
	sectionsIngested   *prometheus.CounterVec
	broadcastsTotal    prometheus.Counter
	broadcastListeners prometheus.Counter
	streamsOpened      prometheus.Counter
	streamsClosed      *prometheus.CounterVec
	streamsActive      prometheus.Gauge
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		sectionsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "report_sections_ingested_total",
			Help: "Section callbacks accepted, partitioned by outcome.",
		}, []string{"status"}),
		broadcastsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "report_broadcasts_total",
			Help: "Events broadcast through the subscription registry.",
		}),
		broadcastListeners: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "report_broadcast_deliveries_total",
			Help: "Listener deliveries attempted across all broadcasts.",
		}),
		streamsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "report_streams_opened_total",
			Help: "Streaming sessions opened.",
		}),
		streamsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "report_streams_closed_total",
			Help: "Streaming sessions closed, partitioned by reason.",
		}, []string{"reason"}),
		streamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "report_streams_active",
			Help: "Streaming sessions currently open.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.sectionsIngested,
		s.broadcastsTotal,
		s.broadcastListeners,
		s.streamsOpened,
		s.streamsClosed,
		s.streamsActive,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register activity collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors using the provided batch. Safe for
// concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []activity.Event) error {
	for _, evt := range batch {
		switch evt.Kind {
		case activity.KindSectionIngested:
			status := evt.Outcome
			if status == "" {
				status = "completed"
			}
			s.sectionsIngested.WithLabelValues(status).Inc()
		case activity.KindBroadcast:
			s.broadcastsTotal.Inc()
			if evt.Listeners > 0 {
				s.broadcastListeners.Add(float64(evt.Listeners))
			}
		case activity.KindStreamOpened:
			s.streamsOpened.Inc()
			s.streamsActive.Inc()
		case activity.KindStreamClosed:
			reason := evt.Outcome
			if reason == "" {
				reason = activity.CloseError
			}
			s.streamsClosed.WithLabelValues(reason).Inc()
			s.streamsActive.Dec()
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
