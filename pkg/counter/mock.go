package counter

import (
	"fmt"
	"sync"
	"time"

	"github.com/sci-bots/optodetect/pkg/config"
)

// OutputCall records a SetOutput invocation on the mock.
type OutputCall struct {
	Pin  int
	Duty int
}

// CountCall records a CountPulses invocation on the mock.
type CountCall struct {
	InputPin int
	Channel  int
	Duration time.Duration
	Timeout  time.Duration
}

// Mock simulates a pulse counting peripheral for testing and development.
//
// The simulated pulse rate on a channel scales linearly with the last duty
// cycle set on any output pin, on top of a constant dark count rate.
type Mock struct {
	cfg *config.MockConfig

	mu        sync.Mutex
	connected bool
	duties    map[int]int // last duty cycle per output pin
	rates     map[int]float64

	outputCalls []OutputCall
	countCalls  []CountCall

	// CountErr, when set, is returned by every CountPulses call.
	CountErr error
	// OutputErr, when set, is returned by every SetOutput call.
	OutputErr error
	// ConnectErr, when set, makes Connect fail, simulating an absent device.
	ConnectErr error
}

// NewMock creates a new mocked pulse counter.
func NewMock(cfg *config.MockConfig) *Mock {
	if cfg == nil {
		cfg = &config.MockConfig{
			BaseRate:  50000,
			NoiseRate: 100,
		}
	}
	return &Mock{
		cfg:    cfg,
		duties: make(map[int]int),
		rates:  make(map[int]float64),
	}
}

// Connect simulates connecting to the peripheral.
func (m *Mock) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return fmt.Errorf("already connected")
	}
	if m.ConnectErr != nil {
		return m.ConnectErr
	}
	m.connected = true
	return nil
}

// Close disconnects the mock.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// Connected returns whether the mock is connected.
func (m *Mock) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// SetChannelRate overrides the simulated full-excitation pulse rate for a
// multiplexer channel.
func (m *Mock) SetChannelRate(channel int, rate float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rates[channel] = rate
}

// SetOutput records the duty cycle set on an output pin.
func (m *Mock) SetOutput(pin, duty int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}
	if m.OutputErr != nil {
		return m.OutputErr
	}
	if duty < 0 || duty > MaxDuty {
		return fmt.Errorf("duty cycle %d out of range (0-%d)", duty, MaxDuty)
	}

	m.duties[pin] = duty
	m.outputCalls = append(m.outputCalls, OutputCall{Pin: pin, Duty: duty})
	return nil
}

// CountPulses returns a simulated pulse count proportional to the acquisition
// duration, the channel rate and the current excitation duty cycle.
func (m *Mock) CountPulses(inputPin, channel int, duration, timeout time.Duration) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return 0, ErrNotConnected
	}

	m.countCalls = append(m.countCalls, CountCall{
		InputPin: inputPin,
		Channel:  channel,
		Duration: duration,
		Timeout:  timeout,
	})

	if m.CountErr != nil {
		return 0, m.CountErr
	}

	rate, ok := m.rates[channel]
	if !ok {
		rate = m.cfg.BaseRate
	}

	// Highest duty cycle across output pins drives the excitation level.
	maxDuty := 0
	for _, d := range m.duties {
		if d > maxDuty {
			maxDuty = d
		}
	}

	seconds := duration.Seconds()
	count := (rate*float64(maxDuty)/MaxDuty + m.cfg.NoiseRate) * seconds
	if count < 0 {
		count = 0
	}
	return uint64(count), nil
}

// OutputCalls returns a copy of the recorded SetOutput calls.
func (m *Mock) OutputCalls() []OutputCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]OutputCall, len(m.outputCalls))
	copy(result, m.outputCalls)
	return result
}

// CountCalls returns a copy of the recorded CountPulses calls.
func (m *Mock) CountCalls() []CountCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]CountCall, len(m.countCalls))
	copy(result, m.countCalls)
	return result
}
