// Package metrics exposes prometheus collectors for downloads and supervised
// processes. Metrics implements download.Recorder and service.Recorder.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/CZERTAINLY/svcman/internal/model"
)

const namespace = "svcman"

// Metrics holds all collectors
type Metrics struct {
	// Download metrics
	DownloadsTotal    *prometheus.CounterVec
	DownloadsSkipped  *prometheus.CounterVec
	BytesTotal        prometheus.Counter
	DownloadsInFlight prometheus.Gauge

	// Process metrics
	ProcessStarts  *prometheus.CounterVec
	ProcessStops   *prometheus.CounterVec
	ProcessExits   *prometheus.CounterVec
	ProcessRunning prometheus.Gauge
}

// New registers all collectors in reg. A nil reg uses a fresh registry, so
// tests and embedders never collide on the default one.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		DownloadsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "downloads_total",
				Help:      "Total number of finished binary downloads",
			},
			[]string{"result"},
		),
		DownloadsSkipped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "downloads_skipped_total",
				Help:      "Total number of skipped binary downloads",
			},
			[]string{"reason"},
		),
		BytesTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "download_bytes_total",
				Help:      "Total number of downloaded bytes",
			},
		),
		DownloadsInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "downloads_in_flight",
				Help:      "Number of downloads in progress",
			},
		),
		ProcessStarts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "process_starts_total",
				Help:      "Total number of service start attempts",
			},
			[]string{"result"},
		),
		ProcessStops: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "process_stops_total",
				Help:      "Total number of service stops",
			},
			[]string{"result"},
		),
		ProcessExits: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "process_exits_total",
				Help:      "Total number of observed service exits",
			},
			[]string{"code"},
		),
		ProcessRunning: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "processes_running",
				Help:      "Number of running services",
			},
		),
	}
}

func (m *Metrics) DownloadSkipped(_ string, reason string) {
	m.DownloadsSkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) DownloadStarted(string) {
	m.DownloadsInFlight.Inc()
}

func (m *Metrics) DownloadBytes(_ string, n int) {
	m.BytesTotal.Add(float64(n))
}

func (m *Metrics) DownloadFinished(_ string, err error) {
	m.DownloadsInFlight.Dec()
	m.DownloadsTotal.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) ProcessStarted(_ string, err error) {
	m.ProcessStarts.WithLabelValues(result(err)).Inc()
	if err == nil {
		m.ProcessRunning.Inc()
	}
}

// ProcessExited is called once per started process, whatever ended it.
func (m *Metrics) ProcessExited(_ string, code int) {
	m.ProcessRunning.Dec()
	m.ProcessExits.WithLabelValues(exitCode(code)).Inc()
}

func (m *Metrics) ProcessStopped(_ string, killed bool, err error) {
	switch {
	case err != nil:
		m.ProcessStops.WithLabelValues(result(err)).Inc()
	case killed:
		m.ProcessStops.WithLabelValues("killed").Inc()
	default:
		m.ProcessStops.WithLabelValues("terminated").Inc()
	}
}

// result maps err to a low cardinality label: ok or the error kind.
func result(err error) string {
	if err == nil {
		return "ok"
	}
	return model.KindOf(err).String()
}

func exitCode(code int) string {
	switch {
	case code == 0:
		return "0"
	case code < 0:
		return "signal"
	default:
		return "nonzero"
	}
}
