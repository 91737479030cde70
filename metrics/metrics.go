// Package metrics counts pipeline events in Prometheus metrics and exports
// them in the text exposition format for a node exporter textfile collector.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dhcgn/outbox-mailer/stats"
)

type Metrics struct {
	registry *prometheus.Registry

	events  *prometheus.CounterVec
	lastRun prometheus.Gauge
	success prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_mailer_events_total",
			Help: "Total number of pipeline events by stage and type",
		}, []string{"stage", "type"}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_mailer_last_run_timestamp_seconds",
			Help: "Unix time the last run finished",
		}),
		success: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_mailer_last_run_success",
			Help: "1 if the last run finished without a pipeline error, else 0",
		}),
	}
	m.registry.MustRegister(m.events, m.lastRun, m.success)
	return m
}

// Observe implements stats.Observer.
func (m *Metrics) Observe(evt stats.Event) {
	m.events.WithLabelValues(string(evt.Stage), string(evt.Type)).Inc()
}

// Finish records the end of a run.
func (m *Metrics) Finish(at time.Time, err error) {
	m.lastRun.Set(float64(at.Unix()))
	if err != nil {
		m.success.Set(0)
	} else {
		m.success.Set(1)
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile atomically writes all metrics to path.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics %s: %w", path, err)
	}
	return nil
}
