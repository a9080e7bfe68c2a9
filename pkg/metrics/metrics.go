// Package metrics exposes Prometheus instrumentation for the step runner.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the step runner's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	StepsStarted    prometheus.Counter
	StepsCompleted  prometheus.Counter
	StepTimeouts    prometheus.Counter
	SamplesAcquired prometheus.Counter
	DispatchErrors  prometheus.Counter
	LastMeasuredHz  prometheus.Gauge
}

// New creates and registers the collectors. A nil registerer uses the
// default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		StepsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optodetect_steps_started_total",
			Help: "Protocol steps for which a controller wait was started.",
		}),
		StepsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optodetect_steps_completed_total",
			Help: "Protocol steps completed successfully.",
		}),
		StepTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optodetect_step_timeouts_total",
			Help: "Protocol steps failed waiting for the hardware controller.",
		}),
		SamplesAcquired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optodetect_samples_acquired_total",
			Help: "Pulse count samples acquired across all detectors.",
		}),
		DispatchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optodetect_dispatch_errors_total",
			Help: "Threshold dispatch failures (logged, non-fatal).",
		}),
		LastMeasuredHz: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "optodetect_last_measured_rate_hz",
			Help: "Median absorbance pulse rate from the last threshold dispatch.",
		}),
	}

	reg.MustRegister(m.StepsStarted, m.StepsCompleted, m.StepTimeouts,
		m.SamplesAcquired, m.DispatchErrors, m.LastMeasuredHz)

	return m
}

// IncStepsStarted increments the started-steps counter.
func (m *Metrics) IncStepsStarted() {
	if m != nil {
		m.StepsStarted.Inc()
	}
}

// IncStepsCompleted increments the completed-steps counter.
func (m *Metrics) IncStepsCompleted() {
	if m != nil {
		m.StepsCompleted.Inc()
	}
}

// IncStepTimeouts increments the timed-out-steps counter.
func (m *Metrics) IncStepTimeouts() {
	if m != nil {
		m.StepTimeouts.Inc()
	}
}

// AddSamplesAcquired adds to the acquired-samples counter.
func (m *Metrics) AddSamplesAcquired(n int) {
	if m != nil && n > 0 {
		m.SamplesAcquired.Add(float64(n))
	}
}

// IncDispatchErrors increments the dispatch-failure counter.
func (m *Metrics) IncDispatchErrors() {
	if m != nil {
		m.DispatchErrors.Inc()
	}
}

// SetLastMeasuredHz records the last dispatched median rate.
func (m *Metrics) SetLastMeasuredHz(hz float64) {
	if m != nil {
		m.LastMeasuredHz.Set(hz)
	}
}
