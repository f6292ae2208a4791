package awg

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus counters for the uploader.  A nil *Metrics
// records nothing.
type Metrics struct {
	uploads       prometheus.Counter
	uploadErrors  prometheus.Counter
	renders       prometheus.Counter
	reuses        prometheus.Counter
	clears        prometheus.Counter
	voltageResets prometheus.Counter
	samples       prometheus.Counter
	memoryFree    *prometheus.GaugeVec
}

// NewMetrics creates the uploader metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		uploads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "awg_uploads_total",
			Help: "Total number of upload calls that completed",
		}),
		uploadErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "awg_upload_errors_total",
			Help: "Total number of upload calls that failed",
		}),
		renders: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "awg_waveforms_uploaded_total",
			Help: "Total number of waveforms rendered and written to a device",
		}),
		reuses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "awg_waveforms_reused_total",
			Help: "Total number of sequence elements served from device memory",
		}),
		clears: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "awg_memory_clears_total",
			Help: "Total number of memory clears across all AWGs",
		}),
		voltageResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "awg_voltage_resets_total",
			Help: "Total number of output window changes",
		}),
		samples: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "awg_samples_uploaded_total",
			Help: "Total number of samples written to devices",
		}),
		memoryFree: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "awg_memory_free_samples",
			Help: "Samples of device memory not yet used",
		}, []string{"awg"}),
	}
	reg.MustRegister(
		m.uploads,
		m.uploadErrors,
		m.renders,
		m.reuses,
		m.clears,
		m.voltageResets,
		m.samples,
		m.memoryFree,
	)
	return m
}

func (m *Metrics) upload(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.uploadErrors.Inc()
		return
	}
	m.uploads.Inc()
}

func (m *Metrics) wrote(samples int) {
	if m == nil {
		return
	}
	m.renders.Inc()
	m.samples.Add(float64(samples))
}

func (m *Metrics) reused() {
	if m != nil {
		m.reuses.Inc()
	}
}

func (m *Metrics) cleared() {
	if m != nil {
		m.clears.Inc()
	}
}

func (m *Metrics) voltageReset() {
	if m != nil {
		m.voltageResets.Inc()
	}
}

func (m *Metrics) free(u *Unit) {
	if m != nil {
		m.memoryFree.WithLabelValues(u.Name).Set(float64(u.Free()))
	}
}
