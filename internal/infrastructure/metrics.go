package infrastructure

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "ingest"

// Metrics holds Prometheus metrics for the ingestion pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	messagesReceived  *prometheus.CounterVec
	appendFailures    *prometheus.CounterVec
	spoolDepth        prometheus.Gauge
	spoolReplayed     prometheus.Counter
	spoolDropped      prometheus.Counter
	transportState    prometheus.Gauge
	reconnectAttempts prometheus.Counter
	publishFailures   prometheus.Counter

	entriesProcessed *prometheus.CounterVec
	tickDuration     prometheus.Histogram
	readingsWritten  prometheus.Counter
	readingsSkipped  *prometheus.CounterVec
	unprocessed      prometheus.Gauge

	mappingDuration *prometheus.HistogramVec
	scriptFailures  *prometheus.CounterVec
	unpairedSeen    prometheus.Counter
	nodesOffline    prometheus.Counter
}

// NewMetrics creates and registers the pipeline metrics. A nil registerer returns nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_received_total",
			Help:      "Inbound messages accepted per source",
		}, []string{"source", "label"}),
		appendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "raw_log_append_failures_total",
			Help:      "Raw log appends that failed, by fallback taken",
		}, []string{"fallback"}),
		spoolDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "spool_depth",
			Help:      "Records waiting in the local spool",
		}),
		spoolReplayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "spool_replayed_total",
			Help:      "Spooled records appended to the raw log",
		}),
		spoolDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "spool_dropped_total",
			Help:      "Spooled records dropped after exhausting retries",
		}),
		transportState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "transport_state",
			Help:      "Transport session state (0 disconnected, 1 connecting, 2 connected, 3 exhausted)",
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transport_connect_attempts_total",
			Help:      "Broker connect attempts",
		}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transport_publish_failures_total",
			Help:      "Outbound publishes that failed",
		}),
		entriesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "entries_processed_total",
			Help:      "Raw log entries handled by the processor, by outcome",
		}, []string{"outcome"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "processor_tick_duration_seconds",
			Help:      "Duration of a processor tick",
			Buckets:   prometheus.DefBuckets,
		}),
		readingsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "readings_written_total",
			Help:      "Sensor log rows written",
		}),
		readingsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "readings_skipped_total",
			Help:      "Channels skipped during mapping, by reason",
		}, []string{"reason"}),
		unprocessed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "raw_log_unprocessed",
			Help:      "Unprocessed raw log entries seen at the last tick",
		}),
		mappingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "mapping_duration_seconds",
			Help:      "Profile mapping duration by parser type",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .25, .5, 1},
		}, []string{"parser"}),
		scriptFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transform_script_failures_total",
			Help:      "Transform script failures by kind",
		}, []string{"kind"}),
		unpairedSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "unpaired_sightings_total",
			Help:      "Messages from devices that are not paired",
		}),
		nodesOffline: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "nodes_marked_offline_total",
			Help:      "Nodes flagged offline by the liveness sweep",
		}),
	}

	reg.MustRegister(
		m.messagesReceived, m.appendFailures, m.spoolDepth, m.spoolReplayed, m.spoolDropped,
		m.transportState, m.reconnectAttempts, m.publishFailures,
		m.entriesProcessed, m.tickDuration, m.readingsWritten, m.readingsSkipped, m.unprocessed,
		m.mappingDuration, m.scriptFailures, m.unpairedSeen, m.nodesOffline,
	)
	return m
}

func (m *Metrics) RecordMessage(source, label string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(source, label).Inc()
}

func (m *Metrics) RecordAppendFailure(fallback string) {
	if m == nil {
		return
	}
	m.appendFailures.WithLabelValues(fallback).Inc()
}

func (m *Metrics) SetSpoolDepth(n int) {
	if m == nil {
		return
	}
	m.spoolDepth.Set(float64(n))
}

func (m *Metrics) RecordSpoolReplay(replayed, dropped int) {
	if m == nil {
		return
	}
	m.spoolReplayed.Add(float64(replayed))
	m.spoolDropped.Add(float64(dropped))
}

func (m *Metrics) SetTransportState(state SessionState) {
	if m == nil {
		return
	}
	m.transportState.Set(float64(state))
}

func (m *Metrics) RecordConnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

func (m *Metrics) RecordPublishFailure() {
	if m == nil {
		return
	}
	m.publishFailures.Inc()
}

func (m *Metrics) RecordEntry(outcome string) {
	if m == nil {
		return
	}
	m.entriesProcessed.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveTick(d time.Duration, unprocessed int64) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(d.Seconds())
	m.unprocessed.Set(float64(unprocessed))
}

func (m *Metrics) RecordReadings(written int) {
	if m == nil {
		return
	}
	m.readingsWritten.Add(float64(written))
}

func (m *Metrics) RecordSkip(reason string) {
	if m == nil {
		return
	}
	m.readingsSkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveMapping(parser string, d time.Duration) {
	if m == nil {
		return
	}
	m.mappingDuration.WithLabelValues(parser).Observe(d.Seconds())
}

func (m *Metrics) RecordScriptFailure(kind string) {
	if m == nil {
		return
	}
	m.scriptFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordUnpaired() {
	if m == nil {
		return
	}
	m.unpairedSeen.Inc()
}

func (m *Metrics) RecordOffline(n int) {
	if m == nil {
		return
	}
	m.nodesOffline.Add(float64(n))
}
