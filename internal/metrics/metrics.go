package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "fieldpoller_"

	// window read results
	WindowOK           = "ok"
	WindowProtocol     = "protocol_error"
	WindowConnectivity = "connectivity_error"
)

// Metrics holds the poller's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	pollCycles       *prometheus.CounterVec
	windowReads      *prometheus.CounterVec
	windowLatency    *prometheus.HistogramVec
	decodeErrors     prometheus.Counter
	registersMarked  prometheus.Counter
	samplesPublished prometheus.Counter
	publishErrors    prometheus.Counter
	activeLoops      prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		pollCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "poll_cycles_total",
				Help: "Total device poll cycles by result",
			},
			[]string{"result"},
		),
		windowReads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "window_reads_total",
				Help: "Total holding register window reads by result",
			},
			[]string{"result"},
		),
		windowLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "window_read_latency_seconds",
				Help:    "Window read latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		),
		decodeErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "decode_errors_total",
				Help: "Total registers that could not be decoded",
			},
		),
		registersMarked: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "registers_marked_unhealthy_total",
				Help: "Total registers transitioned to unhealthy",
			},
		),
		samplesPublished: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "samples_published_total",
				Help: "Total telemetry samples handed to the sink",
			},
		),
		publishErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "publish_errors_total",
				Help: "Total failed sink deliveries",
			},
		),
		activeLoops: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "active_poll_loops",
				Help: "Number of running device poll loops",
			},
		),
	}

	collectors := []prometheus.Collector{
		m.pollCycles,
		m.windowReads,
		m.windowLatency,
		m.decodeErrors,
		m.registersMarked,
		m.samplesPublished,
		m.publishErrors,
		m.activeLoops,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) ObservePollCycle(result string) {
	if m == nil {
		return
	}
	m.pollCycles.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveWindowRead(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.windowReads.WithLabelValues(result).Inc()
	m.windowLatency.WithLabelValues(result).Observe(duration.Seconds())
}

func (m *Metrics) IncDecodeErrors() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

func (m *Metrics) IncRegistersMarked() {
	if m == nil {
		return
	}
	m.registersMarked.Inc()
}

func (m *Metrics) AddSamplesPublished(n int) {
	if m == nil {
		return
	}
	m.samplesPublished.Add(float64(n))
}

func (m *Metrics) IncPublishErrors() {
	if m == nil {
		return
	}
	m.publishErrors.Inc()
}

func (m *Metrics) SetActiveLoops(n int) {
	if m == nil {
		return
	}
	m.activeLoops.Set(float64(n))
}
