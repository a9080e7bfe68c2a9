package protocol

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sci-bots/optodetect/pkg/aggregate"
	"github.com/sci-bots/optodetect/pkg/config"
	"github.com/sci-bots/optodetect/pkg/counter"
	"github.com/sci-bots/optodetect/pkg/dispatch"
	"github.com/sci-bots/optodetect/pkg/explog"
	"github.com/sci-bots/optodetect/pkg/hwctl"
)

func newTestLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type fixture struct {
	cfg      *config.Config
	client   *counter.Mock
	logbook  *explog.Memory
	runner   *Runner
	outcomes chan Outcome
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()

	cfg := config.Default()
	cfg.Protocol.PollIntervalMS = 5
	cfg.Protocol.WaitTimeoutMS = 0
	if mutate != nil {
		mutate(cfg)
	}

	client := counter.NewMock(&config.MockConfig{BaseRate: 10000, NoiseRate: 0})
	require.NoError(t, client.Connect())

	logbook := explog.NewMemory()
	outcomes := make(chan Outcome, 4)
	runner := NewRunner(cfg, client, logbook, nil, nil, newTestLogger(),
		func(source string, outcome Outcome) {
			assert.Equal(t, SourceName, source)
			outcomes <- outcome
		})

	return &fixture{
		cfg:      cfg,
		client:   client,
		logbook:  logbook,
		runner:   runner,
		outcomes: outcomes,
	}
}

func (f *fixture) waitOutcome(t *testing.T) Outcome {
	t.Helper()
	select {
	case outcome := <-f.outcomes:
		return outcome
	case <-time.After(5 * time.Second):
		t.Fatal("no step completion signal within timeout")
		return OutcomeNone
	}
}

func (f *fixture) assertNoOutcome(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case outcome := <-f.outcomes:
		t.Fatalf("unexpected completion signal %q", outcome)
	case <-time.After(within):
	}
}

func stepAbsorbance(count int) config.StepConfig {
	return config.StepConfig{
		"absorbance": {SampleCount: count, DurationMS: 10, Intensity: 23},
	}
}

func TestRunner_SuccessfulStep(t *testing.T) {
	f := newFixture(t, nil)

	f.runner.RunStep(stepAbsorbance(3))
	assert.Equal(t, StateAwaiting, f.runner.Machine().State())

	f.runner.NotifyStepComplete()
	assert.Equal(t, OutcomeNone, f.waitOutcome(t))
	assert.Equal(t, StateDone, f.runner.Machine().State())

	entries := f.logbook.BySource(SourceName)
	require.Len(t, entries, 1)
	table, ok := entries[0].Record.(aggregate.Table)
	require.True(t, ok)
	require.Len(t, table.Rows, 3)
	for i, row := range table.Rows {
		assert.Equal(t, i, row.SampleIndex)
		assert.Equal(t, "absorbance", row.Detector)
	}
}

func TestRunner_DetectorOrderFixed(t *testing.T) {
	f := newFixture(t, nil)

	step := config.StepConfig{
		"fluorescence_2": {SampleCount: 1, DurationMS: 10, Intensity: 100},
		"absorbance":     {SampleCount: 1, DurationMS: 10, Intensity: 23},
		"fluorescence_1": {SampleCount: 1, DurationMS: 10, Intensity: 100},
	}
	f.runner.RunStep(step)
	f.runner.NotifyStepComplete()
	require.Equal(t, OutcomeNone, f.waitOutcome(t))

	entries := f.logbook.BySource(SourceName)
	require.Len(t, entries, 1)
	table := entries[0].Record.(aggregate.Table)
	require.Len(t, table.Rows, 3)
	assert.Equal(t, "absorbance", table.Rows[0].Detector)
	assert.Equal(t, "fluorescence_1", table.Rows[1].Detector)
	assert.Equal(t, "fluorescence_2", table.Rows[2].Detector)
}

func TestRunner_TimeoutFailsStep(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Protocol.WaitTimeoutMS = 50
	})

	start := time.Now()
	f.runner.RunStep(stepAbsorbance(1))

	assert.Equal(t, OutcomeFail, f.waitOutcome(t))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond,
		"failure not before the configured timeout")
	assert.Equal(t, StateFailed, f.runner.Machine().State())
	assert.Empty(t, f.logbook.Entries(), "no measurements on a timed-out step")

	// Exactly one signal.
	f.assertNoOutcome(t, 100*time.Millisecond)
}

func TestRunner_ZeroTimeoutWaitsIndefinitely(t *testing.T) {
	f := newFixture(t, nil) // WaitTimeoutMS = 0

	f.runner.RunStep(stepAbsorbance(1))
	f.assertNoOutcome(t, 200*time.Millisecond)
	assert.Equal(t, StateAwaiting, f.runner.Machine().State())

	f.runner.NotifyStepComplete()
	assert.Equal(t, OutcomeNone, f.waitOutcome(t))
}

func TestRunner_NewStepSupersedesPendingWait(t *testing.T) {
	f := newFixture(t, nil)

	gen1 := f.runner.RunStep(stepAbsorbance(1))
	gen2 := f.runner.RunStep(stepAbsorbance(2))
	assert.NotEqual(t, gen1, gen2)
	assert.False(t, f.runner.Machine().Current(gen1))

	f.runner.NotifyStepComplete()
	assert.Equal(t, OutcomeNone, f.waitOutcome(t))

	// Only the second step's table reaches the log; only one signal fires.
	entries := f.logbook.BySource(SourceName)
	require.Len(t, entries, 1)
	table := entries[0].Record.(aggregate.Table)
	assert.Len(t, table.Rows, 2)
	f.assertNoOutcome(t, 100*time.Millisecond)
}

func TestRunner_CancelledStepTimerCannotSignal(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Protocol.WaitTimeoutMS = 30
	})

	f.runner.RunStep(stepAbsorbance(1))
	// Supersede before the first step's deadline and switch to no-timeout.
	f.cfg.Protocol.WaitTimeoutMS = 0
	f.runner.RunStep(stepAbsorbance(1))

	// The first step's deadline passes; its timeout registration was
	// invalidated, so no fail signal may fire.
	f.assertNoOutcome(t, 150*time.Millisecond)
	assert.Equal(t, StateAwaiting, f.runner.Machine().State())

	f.runner.NotifyStepComplete()
	assert.Equal(t, OutcomeNone, f.waitOutcome(t))
}

func TestRunner_AllDetectorsZeroSamples(t *testing.T) {
	f := newFixture(t, nil)

	f.runner.RunStep(config.StepConfig{
		"absorbance": {SampleCount: 0, DurationMS: 1000, Intensity: 23},
	})
	f.runner.NotifyStepComplete()

	assert.Equal(t, OutcomeNone, f.waitOutcome(t), "zero samples is not an error")
	assert.Empty(t, f.logbook.Entries(), "no record appended for an empty step table")
	assert.Empty(t, f.client.CountCalls())
	assert.Empty(t, f.client.OutputCalls())
}

func TestRunner_DisconnectedClientSkipsMeasurement(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.client.Close())
	f.client.ConnectErr = errors.New("no such device")

	f.runner.RunStep(stepAbsorbance(3))
	f.runner.NotifyStepComplete()

	assert.Equal(t, OutcomeNone, f.waitOutcome(t), "connection faults do not abort the protocol")
	assert.Empty(t, f.logbook.Entries())
}

func TestRunner_ReconnectsBeforeStep(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.client.Close())
	f.client.ConnectErr = errors.New("no such device")

	f.runner.RunStep(stepAbsorbance(2))
	f.runner.NotifyStepComplete()
	require.Equal(t, OutcomeNone, f.waitOutcome(t))
	require.Empty(t, f.logbook.Entries(), "no rows while the device is absent")

	// Device appears; the next step reconnects and measures.
	f.client.ConnectErr = nil

	f.runner.RunStep(stepAbsorbance(2))
	f.runner.NotifyStepComplete()
	assert.Equal(t, OutcomeNone, f.waitOutcome(t))

	assert.True(t, f.client.Connected())
	entries := f.logbook.BySource(SourceName)
	require.Len(t, entries, 1)
	table := entries[0].Record.(aggregate.Table)
	assert.Len(t, table.Rows, 2)
}

// slowClient delays each acquisition so a step's sampling phase can be
// superseded while it is still in flight.
type slowClient struct {
	*counter.Mock
	delay time.Duration
}

func (s *slowClient) CountPulses(inputPin, channel int, duration, timeout time.Duration) (uint64, error) {
	time.Sleep(s.delay)
	return s.Mock.CountPulses(inputPin, channel, duration, timeout)
}

func TestRunner_SupersededStepReleasesHardware(t *testing.T) {
	cfg := config.Default()
	cfg.Protocol.PollIntervalMS = 5
	cfg.Protocol.WaitTimeoutMS = 0

	mock := counter.NewMock(&config.MockConfig{BaseRate: 10000, NoiseRate: 0})
	require.NoError(t, mock.Connect())
	client := &slowClient{Mock: mock, delay: 20 * time.Millisecond}

	logbook := explog.NewMemory()
	outcomes := make(chan Outcome, 4)
	runner := NewRunner(cfg, client, logbook, nil, nil, newTestLogger(),
		func(source string, outcome Outcome) { outcomes <- outcome })

	// Absorbance counts on multiplexer channel 0, fluorescence_1 on 1.
	runner.RunStep(config.StepConfig{
		"absorbance": {SampleCount: 10, DurationMS: 10, Intensity: 23},
	})
	runner.NotifyStepComplete()

	// Let the first instance get a few acquisitions in, then supersede it
	// mid-flight.
	time.Sleep(50 * time.Millisecond)
	runner.RunStep(config.StepConfig{
		"fluorescence_1": {SampleCount: 5, DurationMS: 10, Intensity: 100},
	})
	runner.NotifyStepComplete()

	select {
	case outcome := <-outcomes:
		assert.Equal(t, OutcomeNone, outcome)
	case <-time.After(5 * time.Second):
		t.Fatal("no completion signal")
	}

	// The superseded instance must have released the counting lines before
	// the new instance's first acquisition: once channel 1 appears in the
	// call record, channel 0 must never appear again.
	calls := mock.CountCalls()
	firstNew := -1
	for i, c := range calls {
		if c.Channel == 1 {
			firstNew = i
			break
		}
	}
	require.GreaterOrEqual(t, firstNew, 0, "new instance never acquired")
	for _, c := range calls[firstNew:] {
		assert.Equal(t, 1, c.Channel, "superseded instance acquired concurrently with the new one")
	}
	assert.Less(t, firstNew, 10, "superseded instance did not stop early")

	// Only the new step's rows reach the log; exactly one signal fires.
	entries := logbook.BySource(SourceName)
	require.Len(t, entries, 1)
	table := entries[0].Record.(aggregate.Table)
	require.Len(t, table.Rows, 5)
	for _, row := range table.Rows {
		assert.Equal(t, "fluorescence_1", row.Detector)
	}
	select {
	case outcome := <-outcomes:
		t.Fatalf("unexpected completion signal %q", outcome)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRunner_MeasureNow(t *testing.T) {
	f := newFixture(t, nil)

	table := f.runner.MeasureNow(stepAbsorbance(2))

	require.Len(t, table.Rows, 2)
	assert.Len(t, f.logbook.BySource(SourceName), 1)
	assert.Equal(t, StateIdle, f.runner.Machine().State(),
		"immediate measurement does not touch the step wait")
}

func TestRunner_DispatchFailureIsNonFatal(t *testing.T) {
	cfg := config.Default()
	cfg.Protocol.PollIntervalMS = 5
	cfg.Protocol.WaitTimeoutMS = 0
	// The selected branch points at a sub-sequence file that does not exist.
	cfg.Threshold = config.ThresholdConfig{Value: 0, OverSequence: "missing.yml"}

	client := counter.NewMock(&config.MockConfig{BaseRate: 10000, NoiseRate: 0})
	require.NoError(t, client.Connect())

	ctl := hwctl.NewMock(4, true)
	b := &hwctl.Broadcaster{}
	b.Register(ctl)
	d := dispatch.New(cfg.Threshold, ctl, b, newTestLogger())

	logbook := explog.NewMemory()
	outcomes := make(chan Outcome, 1)
	runner := NewRunner(cfg, client, logbook, d, nil, newTestLogger(),
		func(source string, outcome Outcome) { outcomes <- outcome })

	runner.RunStep(stepAbsorbance(2))
	runner.NotifyStepComplete()

	select {
	case outcome := <-outcomes:
		assert.Equal(t, OutcomeNone, outcome, "dispatch failure must not prevent step completion")
	case <-time.After(5 * time.Second):
		t.Fatal("no completion signal")
	}

	assert.Len(t, logbook.Entries(), 1, "table committed before dispatch ran")
	assert.Equal(t, StateDone, runner.Machine().State())
}
