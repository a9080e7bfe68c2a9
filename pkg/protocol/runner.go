package protocol

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sci-bots/optodetect/pkg/aggregate"
	"github.com/sci-bots/optodetect/pkg/config"
	"github.com/sci-bots/optodetect/pkg/counter"
	"github.com/sci-bots/optodetect/pkg/dispatch"
	"github.com/sci-bots/optodetect/pkg/explog"
	"github.com/sci-bots/optodetect/pkg/metrics"
	"github.com/sci-bots/optodetect/pkg/sampling"
)

// SourceName keys this component's records in the experiment log and its
// step completion signals to the orchestrator.
const SourceName = "optodetect"

// Outcome is the payload of a step completion signal.
type Outcome string

const (
	// OutcomeNone signals successful step completion.
	OutcomeNone Outcome = ""
	// OutcomeFail signals an unrecoverable step outcome; the orchestrator
	// stops the protocol.
	OutcomeFail Outcome = "fail"
)

// CompleteFunc receives the step completion signal. Emitted exactly once per
// step instance that reaches a terminal state; superseded instances emit
// nothing.
type CompleteFunc func(source string, outcome Outcome)

// Runner drives the step synchronization machine: it schedules the poll
// ticks, runs the sampling phase when the controller notification is
// observed, commits the step result table, invokes threshold dispatch and
// emits the completion signal.
type Runner struct {
	cfg        *config.Config
	client     counter.Client
	engine     *sampling.Engine
	logbook    explog.Log
	dispatcher *dispatch.Dispatcher
	machine    *Machine
	met        *metrics.Metrics
	log        *logrus.Logger
	complete   CompleteFunc

	mu     sync.Mutex
	cancel context.CancelFunc // pending step's poll loop

	// hwMu serializes ownership of the excitation and counting lines. One
	// step instance holds it for its whole sampling phase; a new instance
	// blocks here until the superseded one has drained.
	hwMu sync.Mutex
}

// NewRunner creates a step runner. dispatcher and met may be nil; complete
// may be nil when no orchestrator is listening.
func NewRunner(cfg *config.Config, client counter.Client, logbook explog.Log,
	dispatcher *dispatch.Dispatcher, met *metrics.Metrics,
	log *logrus.Logger, complete CompleteFunc) *Runner {
	return &Runner{
		cfg:        cfg,
		client:     client,
		engine:     sampling.New(client, log),
		logbook:    logbook,
		dispatcher: dispatcher,
		machine:    NewMachine(),
		met:        met,
		log:        log,
		complete:   complete,
	}
}

// Machine returns the underlying state machine.
func (r *Runner) Machine() *Machine {
	return r.machine
}

// NotifyStepComplete is the hardware controller's "step actuated" callback.
func (r *Runner) NotifyStepComplete() {
	if r.machine.Notify() {
		r.log.Debug("controller completion observed")
	}
}

// RunStep starts a new step instance and returns its generation. Any pending
// step wait is cancelled first: its poll loop stops, its timeout registration
// is invalidated and its partial results are discarded.
func (r *Runner) RunStep(step config.StepConfig) uint64 {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	timeout := time.Duration(r.cfg.Protocol.WaitTimeoutMS) * time.Millisecond
	gen := r.machine.Begin(time.Now(), timeout)
	r.mu.Unlock()

	r.met.IncStepsStarted()
	r.log.WithFields(logrus.Fields{
		"generation": gen,
		"timeout_ms": r.cfg.Protocol.WaitTimeoutMS,
	}).Info("step started; awaiting controller")

	go r.poll(ctx, gen, step)
	return gen
}

// poll is the cooperative wait loop for one step instance.
func (r *Runner) poll(ctx context.Context, gen uint64, step config.StepConfig) {
	interval := time.Duration(r.cfg.Protocol.PollIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			switch r.machine.Tick(gen, now) {
			case ActionSample:
				r.sample(ctx, gen, step)
				return
			case ActionFail:
				r.log.WithField("generation", gen).
					Warn("controller wait timed out; failing step")
				r.met.IncStepTimeouts()
				r.emit(OutcomeFail)
				return
			}
		}
	}
}

// measureDetectors acquires samples for every configured detector with a
// nonzero sample count, in the fixed detector order. A disconnected counter
// is reconnected first; when that fails the step's measurement is skipped.
// Measurement faults degrade to a partial or skipped result; they never
// abort the protocol. Cancelling ctx stops the remaining acquisitions.
func (r *Runner) measureDetectors(ctx context.Context, step config.StepConfig) [][]sampling.Row {
	if !r.client.Connected() {
		if err := r.client.Connect(); err != nil {
			r.log.WithError(err).Warn("pulse counter not connected; skipping measurement this step")
			return nil
		}
		r.log.Info("pulse counter reconnected")
	}

	var sequences [][]sampling.Row
	for _, name := range config.DetectorOrder {
		if ctx.Err() != nil {
			break
		}
		spec, ok := step[name]
		if !ok || spec.SampleCount == 0 {
			continue
		}
		det, ok := r.cfg.Detectors[name]
		if !ok {
			r.log.WithField("detector", name).Warn("no pin assignment; skipping detector")
			continue
		}

		rows, err := r.engine.Measure(ctx, name, det, spec)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.log.WithError(err).WithField("detector", name).
				Warn("measurement failed")
		}
		if len(rows) > 0 {
			sequences = append(sequences, rows)
			r.met.AddSamplesAcquired(len(rows))
		}
	}
	return sequences
}

// MeasureNow samples the configured detectors immediately, outside a step
// wait, and commits any results to the experiment log. Used when step
// settings change while realtime mode is active.
func (r *Runner) MeasureNow(step config.StepConfig) aggregate.Table {
	r.hwMu.Lock()
	sequences := r.measureDetectors(context.Background(), step)
	r.hwMu.Unlock()

	table := aggregate.Build(sequences...)
	aggregate.Commit(r.logbook, SourceName, table)
	return table
}

// sample runs the sampling phase for one step instance: measure all
// configured detectors in fixed order, commit the result table, dispatch.
func (r *Runner) sample(ctx context.Context, gen uint64, step config.StepConfig) {
	r.hwMu.Lock()
	sequences := r.measureDetectors(ctx, step)
	r.hwMu.Unlock()

	// A newer step superseded this one while sampling was in flight; its
	// rows must not reach the log or the dispatcher.
	if !r.machine.Current(gen) {
		r.log.WithField("generation", gen).Debug("step superseded; discarding results")
		return
	}

	table := aggregate.Build(sequences...)
	if aggregate.Commit(r.logbook, SourceName, table) {
		r.log.WithFields(logrus.Fields{
			"generation": gen,
			"rows":       len(table.Rows),
		}).Info("step results logged")
	}

	if r.dispatcher != nil {
		decision, err := r.dispatcher.Dispatch(table)
		if err != nil {
			// Dispatch failures are non-fatal; sampling itself succeeded.
			r.log.WithError(err).Warn("threshold dispatch failed")
			r.met.IncDispatchErrors()
		}
		if decision != nil {
			r.met.SetLastMeasuredHz(decision.Measured)
		}
	}

	if r.machine.Finish(gen) {
		r.met.IncStepsCompleted()
		r.emit(OutcomeNone)
	}
}

func (r *Runner) emit(outcome Outcome) {
	if r.complete != nil {
		r.complete(SourceName, outcome)
	}
}
