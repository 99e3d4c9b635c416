package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline collectors on a private registry. All methods
// are no-ops on a nil *Metrics so components can run without it in tests.
type Metrics struct {
	reg *prometheus.Registry

	connections     prometheus.Gauge
	sessions        *prometheus.GaugeVec
	messages        *prometheus.CounterVec
	windowsDropped  prometheus.Counter
	classifications *prometheus.CounterVec
	classifyLatency *prometheus.HistogramVec
	flushed         *prometheus.CounterVec
	dropped         *prometheus.CounterVec
	flushLatency    *prometheus.HistogramVec
	pending         *prometheus.GaugeVec
	published       *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cogload_ws_connections",
			Help: "Currently open ingestion connections.",
		}),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cogload_sessions",
			Help: "Sessions known to the registry by status.",
		}, []string{"status"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cogload_messages_total",
			Help: "Inbound stream messages by type and result.",
		}, []string{"type", "result"}),
		windowsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cogload_windows_dropped_total",
			Help: "Classification windows dropped because a session lane was full.",
		}),
		classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cogload_classifications_total",
			Help: "Classification requests by backend and outcome.",
		}, []string{"classifier", "outcome"}),
		classifyLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cogload_classification_seconds",
			Help:    "Classification latency including fallback.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"classifier"}),
		flushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cogload_persisted_records_total",
			Help: "Records written by the batch persistence engines.",
		}, []string{"engine"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cogload_dropped_records_total",
			Help: "Records dropped after exhausting write retries.",
		}, []string{"engine"}),
		flushLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cogload_flush_seconds",
			Help:    "Duration of successful batch flushes including retries.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"engine"}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cogload_pending_records",
			Help: "Records waiting in the current write batch.",
		}, []string{"engine"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cogload_published_results_total",
			Help: "Live result publications by result.",
		}, []string{"result"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections, m.sessions, m.messages, m.windowsDropped,
		m.classifications, m.classifyLatency,
		m.flushed, m.dropped, m.flushLatency, m.pending, m.published,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) SetSessions(active, idle int) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues("active").Set(float64(active))
	m.sessions.WithLabelValues("idle").Set(float64(idle))
}

// MessageReceived counts one inbound message. result is accepted, rejected or duplicate.
func (m *Metrics) MessageReceived(msgType, result string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(msgType, result).Inc()
}

func (m *Metrics) WindowDropped() {
	if m == nil {
		return
	}
	m.windowsDropped.Inc()
}

func (m *Metrics) ObserveClassification(classifier, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.classifications.WithLabelValues(classifier, outcome).Inc()
	m.classifyLatency.WithLabelValues(classifier).Observe(d.Seconds())
}

func (m *Metrics) BatchFlushed(engine string, n int, d time.Duration) {
	if m == nil {
		return
	}
	m.flushed.WithLabelValues(engine).Add(float64(n))
	m.flushLatency.WithLabelValues(engine).Observe(d.Seconds())
}

func (m *Metrics) RecordsDropped(engine string, n int) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(engine).Add(float64(n))
}

func (m *Metrics) SetPending(engine string, n int) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(engine).Set(float64(n))
}

func (m *Metrics) Published(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.published.WithLabelValues("ok").Inc()
	} else {
		m.published.WithLabelValues("error").Inc()
	}
}
