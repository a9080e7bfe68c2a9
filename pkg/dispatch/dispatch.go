// Package dispatch selects and replays stored actuation sub-sequences based
// on a measured absorbance threshold.
package dispatch

import (
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sci-bots/optodetect/pkg/aggregate"
	"github.com/sci-bots/optodetect/pkg/config"
	"github.com/sci-bots/optodetect/pkg/hwctl"
	"github.com/sci-bots/optodetect/pkg/subseq"
)

// AbsorbanceDetector is the detector whose rows drive the threshold decision.
const AbsorbanceDetector = "absorbance"

// Branch identifies which side of the threshold the measurement fell on.
type Branch string

const (
	BranchOver  Branch = "over"
	BranchUnder Branch = "under"
)

// Decision records one threshold comparison and the sub-sequence it selected.
// Derived per step, consumed immediately; not persisted.
type Decision struct {
	Measured  float64 // median normalized pulse rate (Hz)
	Threshold float64
	Branch    Branch
	Sequence  string // selected sub-sequence path; empty = nothing to replay
}

// Dispatcher computes the threshold decision from a step result table and
// replays the selected sub-sequence through the controller's direct
// actuation interface.
type Dispatcher struct {
	cfg        config.ThresholdConfig
	controller hwctl.Controller
	waveform   hwctl.WaveformListener
	log        *logrus.Logger

	// load and sleep are replaceable in tests.
	load  func(string) ([]subseq.Step, error)
	sleep func(time.Duration)
}

// New creates a dispatcher. The waveform listener is typically a
// hwctl.Broadcaster shared with other controller clients.
func New(cfg config.ThresholdConfig, controller hwctl.Controller, waveform hwctl.WaveformListener, log *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:        cfg,
		controller: controller,
		waveform:   waveform,
		log:        log,
		load:       subseq.Load,
		sleep:      time.Sleep,
	}
}

// Dispatch filters the table to absorbance rows, compares the median pulse
// rate against the configured threshold and replays the selected
// sub-sequence. A table without absorbance rows is a no-op and returns a nil
// decision. Replay errors are returned for the caller to log; a dispatch
// failure is non-fatal to step completion.
func (d *Dispatcher) Dispatch(table aggregate.Table) (*Decision, error) {
	rows := table.Detector(AbsorbanceDetector)
	if len(rows) == 0 {
		return nil, nil
	}

	rates := make([]float64, 0, len(rows))
	for _, r := range rows {
		rates = append(rates, r.Rate())
	}

	decision := &Decision{
		Measured:  Median(rates),
		Threshold: d.cfg.Value,
	}
	if decision.Measured >= decision.Threshold {
		decision.Branch = BranchOver
		decision.Sequence = d.cfg.OverSequence
	} else {
		decision.Branch = BranchUnder
		decision.Sequence = d.cfg.UnderSequence
	}

	d.log.WithFields(logrus.Fields{
		"measured":  decision.Measured,
		"threshold": decision.Threshold,
		"branch":    decision.Branch,
		"sequence":  decision.Sequence,
	}).Info("threshold decision")

	if decision.Sequence == "" {
		// No sub-sequence stored for this branch; nothing to replay.
		return decision, nil
	}

	steps, err := d.load(decision.Sequence)
	if err != nil {
		return decision, fmt.Errorf("failed to load sub-sequence: %w", err)
	}

	if err := d.replay(steps); err != nil {
		return decision, err
	}

	return decision, nil
}

// replay issues the stored directives in order, holding for each step's
// settle time before moving on. Replay owns the controller's channel,
// voltage and frequency state for its duration.
func (d *Dispatcher) replay(steps []subseq.Step) error {
	if !d.controller.Connected() {
		// Known leniency: replay is still attempted so a transient
		// disconnect does not silently drop the selected branch.
		d.log.Warn("hardware controller not connected; attempting replay anyway")
	}

	channels := d.controller.NumberOfChannels()
	for i, step := range steps {
		d.waveform.SetVoltage(step.Voltage)
		d.waveform.SetFrequency(step.Frequency)

		states := subseq.AdaptChannels(step.Channels, channels)
		if err := d.controller.SetStateOfAllChannels(states); err != nil {
			return fmt.Errorf("replay step %d: failed to set channel states: %w", i, err)
		}

		// Settle time: deliberate hold, not a cooperative yield point.
		d.sleep(time.Duration(step.DurationMS) * time.Millisecond)
	}

	return nil
}

// Median returns the statistical median; even-count sets average the two
// middle values.
func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
