// Package protocol implements the step synchronization state machine that
// coordinates detector sampling with the external hardware controller.
package protocol

import (
	"sync"
	"time"
)

// State is the step synchronization state.
type State int

const (
	// StateIdle means no step is in progress.
	StateIdle State = iota
	// StateAwaiting means the machine is waiting for the hardware controller
	// to finish actuating the current step.
	StateAwaiting
	// StateSampling means the controller finished and detector sampling is
	// running.
	StateSampling
	// StateDone is the successful terminal state for a step instance.
	StateDone
	// StateFailed is the terminal state entered when the controller did not
	// signal completion within the configured timeout.
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaiting:
		return "awaiting-controller"
	case StateSampling:
		return "sampling"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Action is what a Tick tells the caller to do.
type Action int

const (
	// ActionNone means keep polling (or the tick was stale).
	ActionNone Action = iota
	// ActionSample means the controller notification was observed; run the
	// sampling phase.
	ActionSample
	// ActionFail means the configured timeout elapsed without a controller
	// notification; report an unrecoverable step outcome.
	ActionFail
)

// Machine serializes the two event sources of a step wait (the periodic tick
// and the asynchronous controller notification) through a single state
// variable. Each step instance carries a generation; events tagged with a
// superseded generation are recognized as stale and ignored, so a cancelled
// step's timer can never act on a newer step's state.
//
// The machine does no scheduling of its own; the caller owns delivering
// ticks.
type Machine struct {
	mu       sync.Mutex
	state    State
	gen      uint64
	started  time.Time
	timeout  time.Duration // 0 = no timeout
	notified bool
}

// NewMachine creates a machine in the idle state.
func NewMachine() *Machine {
	return &Machine{state: StateIdle}
}

// Begin starts a new step instance and returns its generation. A pending
// wait or sampling phase is superseded: its generation becomes stale and its
// timeout registration is invalidated.
func (m *Machine) Begin(now time.Time, timeout time.Duration) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.gen++
	m.state = StateAwaiting
	m.started = now
	m.timeout = timeout
	m.notified = false
	return m.gen
}

// Notify records that the hardware controller finished actuating the current
// step. Returns false when no step is awaiting (late or duplicate
// notifications after Done/Failed are ignored and cannot re-trigger
// sampling).
func (m *Machine) Notify() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateAwaiting {
		return false
	}
	m.notified = true
	return true
}

// Tick evaluates the wait for the given step generation at the given time.
// A tick from a superseded generation is a no-op. The notification flag is
// checked before the deadline, so a notification that raced the timeout
// still wins. The deadline is measured from step start; repeated ticks do
// not reset it.
func (m *Machine) Tick(gen uint64, now time.Time) Action {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || m.state != StateAwaiting {
		return ActionNone
	}

	if m.notified {
		m.state = StateSampling
		return ActionSample
	}

	if m.timeout > 0 && now.Sub(m.started) >= m.timeout {
		m.state = StateFailed
		return ActionFail
	}

	return ActionNone
}

// Finish transitions the given generation from sampling to done. Returns
// false when the generation was superseded while sampling; the caller must
// then discard its results and emit nothing.
func (m *Machine) Finish(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || m.state != StateSampling {
		return false
	}
	m.state = StateDone
	return true
}

// Current reports whether the generation is still the live step instance.
func (m *Machine) Current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Generation returns the current step generation.
func (m *Machine) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen
}
