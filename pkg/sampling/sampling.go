// Package sampling drives detector excitation and pulse count acquisition.
package sampling

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sci-bots/optodetect/pkg/config"
	"github.com/sci-bots/optodetect/pkg/counter"
)

// acquisitionTimeoutFactor bounds each acquisition at a multiple of the
// requested duration; hardware acquisition is not guaranteed to return
// promptly.
const acquisitionTimeoutFactor = 3

// minAcquisitionTimeout is the floor for the per-acquisition timeout, so a
// zero or very short sample duration still leaves the peripheral time to
// answer.
const minAcquisitionTimeout = time.Second

// Row is one pulse count acquisition result.
type Row struct {
	Timestamp   time.Time
	Detector    string
	SampleIndex int     // 0-based, sequential within the detector's run
	Intensity   float64 // excitation intensity used, percent
	DurationMS  int     // acquisition duration used
	PulseCount  uint64
}

// Rate returns the normalized pulse rate in Hz. Zero-duration acquisitions
// have no meaningful rate and report 0.
func (r Row) Rate() float64 {
	if r.DurationMS <= 0 {
		return 0
	}
	return float64(r.PulseCount) / (float64(r.DurationMS) * 1e-3)
}

// Engine acquires pulse count samples from one detector at a time.
type Engine struct {
	client counter.Client
	log    *logrus.Logger
}

// New creates a sampling engine over the given pulse counter client.
func New(client counter.Client, log *logrus.Logger) *Engine {
	return &Engine{
		client: client,
		log:    log,
	}
}

// DutyCycle converts an excitation intensity percentage to an output duty
// cycle (0-counter.MaxDuty).
func DutyCycle(intensity float64) int {
	return int(math.Round(intensity / 100.0 * counter.MaxDuty))
}

// Measure acquires spec.SampleCount samples from the named detector.
//
// Excitation is switched on before the first acquisition and switched off
// again on every exit path, including acquisition errors. Acquisitions are
// strictly sequential; the returned rows carry sample indices 0..N-1 in
// acquisition order. A zero sample count returns no rows and issues no
// hardware calls at all. Cancelling ctx stops between acquisitions; rows
// collected so far are returned alongside the context error, and excitation
// is still restored.
func (e *Engine) Measure(ctx context.Context, name string, det config.DetectorConfig, spec config.SampleConfig) (rows []Row, err error) {
	if spec.SampleCount == 0 {
		return nil, nil
	}

	duty := DutyCycle(spec.Intensity)
	if err := e.client.SetOutput(det.ExcitePin, duty); err != nil {
		return nil, fmt.Errorf("detector %s: failed to set excitation: %w", name, err)
	}

	// Excitation must not stay on, no matter how measurement ends.
	defer func() {
		if offErr := e.client.SetOutput(det.ExcitePin, 0); offErr != nil {
			e.log.WithError(offErr).WithField("detector", name).
				Warn("failed to switch off excitation")
			if err == nil {
				err = fmt.Errorf("detector %s: failed to switch off excitation: %w", name, offErr)
			}
		}
	}()

	duration := time.Duration(spec.DurationMS) * time.Millisecond
	timeout := acquisitionTimeoutFactor * duration
	if timeout < minAcquisitionTimeout {
		timeout = minAcquisitionTimeout
	}

	rows = make([]Row, 0, spec.SampleCount)
	for i := 0; i < spec.SampleCount; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return rows, ctxErr
		}

		count, acqErr := e.client.CountPulses(det.InputPin, det.Channel, duration, timeout)
		if acqErr != nil {
			return rows, fmt.Errorf("detector %s: sample %d: %w", name, i, acqErr)
		}

		rows = append(rows, Row{
			Timestamp:   time.Now(),
			Detector:    name,
			SampleIndex: i,
			Intensity:   spec.Intensity,
			DurationMS:  spec.DurationMS,
			PulseCount:  count,
		})
	}

	return rows, nil
}
