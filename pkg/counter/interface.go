package counter

import "time"

// MaxDuty is the maximum excitation output duty cycle.
const MaxDuty = 255

// Client defines the interface for pulse counting peripherals (real or mocked).
type Client interface {
	// SetOutput sets the analog output duty cycle (0-MaxDuty) on a pin.
	SetOutput(pin, duty int) error
	// CountPulses counts pulses on the input pin over the multiplexer channel
	// for the requested duration. The call blocks until the peripheral reports
	// the count or the timeout elapses; hardware acquisition is not guaranteed
	// to return promptly, so the timeout should be several multiples of the
	// requested duration.
	CountPulses(inputPin, channel int, duration, timeout time.Duration) (uint64, error)
	// Connect opens a session with the peripheral. Calling it while already
	// connected is an error.
	Connect() error
	// Connected returns whether the peripheral is currently reachable.
	Connected() bool
	Close() error
}

// Ensure Proxy implements Client.
var _ Client = (*Proxy)(nil)

// Ensure Mock implements Client.
var _ Client = (*Mock)(nil)
