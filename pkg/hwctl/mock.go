package hwctl

import (
	"fmt"
	"sync"
)

// StateCall records one SetStateOfAllChannels invocation.
type StateCall struct {
	States []bool
}

// Mock simulates the hardware controller for testing and development. It
// also implements WaveformListener so it can be registered with a
// Broadcaster and record waveform directives.
type Mock struct {
	mu        sync.Mutex
	connected bool
	channels  int

	stateCalls  []StateCall
	voltages    []float64
	frequencies []float64
}

// Ensure Mock implements Controller and WaveformListener.
var (
	_ Controller       = (*Mock)(nil)
	_ WaveformListener = (*Mock)(nil)
)

// NewMock creates a mock controller with the given channel count.
func NewMock(channels int, connected bool) *Mock {
	return &Mock{
		connected: connected,
		channels:  channels,
	}
}

// SetConnected changes the simulated connection state.
func (m *Mock) SetConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = connected
}

// Connected reports the simulated connection state.
func (m *Mock) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// NumberOfChannels returns the simulated channel count.
func (m *Mock) NumberOfChannels() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels
}

// SetStateOfAllChannels records the applied channel-state vector.
func (m *Mock) SetStateOfAllChannels(states []bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(states) != m.channels {
		return fmt.Errorf("state vector length %d does not match channel count %d", len(states), m.channels)
	}

	copied := make([]bool, len(states))
	copy(copied, states)
	m.stateCalls = append(m.stateCalls, StateCall{States: copied})
	return nil
}

// SetVoltage records a broadcast voltage directive.
func (m *Mock) SetVoltage(volts float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.voltages = append(m.voltages, volts)
}

// SetFrequency records a broadcast frequency directive.
func (m *Mock) SetFrequency(hz float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frequencies = append(m.frequencies, hz)
}

// StateCalls returns a copy of the recorded channel-state vectors.
func (m *Mock) StateCalls() []StateCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]StateCall, len(m.stateCalls))
	copy(result, m.stateCalls)
	return result
}

// Voltages returns a copy of the recorded voltage directives.
func (m *Mock) Voltages() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]float64, len(m.voltages))
	copy(result, m.voltages)
	return result
}

// Frequencies returns a copy of the recorded frequency directives.
func (m *Mock) Frequencies() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]float64, len(m.frequencies))
	copy(result, m.frequencies)
	return result
}
