// Package hwctl defines the hardware controller surface used for direct
// actuation during sub-sequence replay.
package hwctl

import "sync"

// Controller is the direct-actuation interface of the electrode hardware
// controller. It bypasses the controller's own step sequencing and is only
// used for sub-sequence replay; the normal step protocol is driven by the
// external orchestrator, not through this interface.
type Controller interface {
	// Connected reports whether the controller hardware is reachable.
	Connected() bool
	// NumberOfChannels returns the controller's electrode channel count.
	NumberOfChannels() int
	// SetStateOfAllChannels applies a full channel-state vector. The vector
	// length must equal NumberOfChannels().
	SetStateOfAllChannels(states []bool) error
}

// WaveformListener receives waveform directives. Directives are broadcast;
// any number of listeners may be registered and zero or more may act.
type WaveformListener interface {
	SetVoltage(volts float64)
	SetFrequency(hz float64)
}

// Broadcaster fans waveform directives out to registered listeners.
type Broadcaster struct {
	mu        sync.RWMutex
	listeners []WaveformListener
}

// Register adds a waveform listener.
func (b *Broadcaster) Register(l WaveformListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// SetVoltage broadcasts a voltage directive to all listeners.
func (b *Broadcaster) SetVoltage(volts float64) {
	for _, l := range b.snapshot() {
		l.SetVoltage(volts)
	}
}

// SetFrequency broadcasts a frequency directive to all listeners.
func (b *Broadcaster) SetFrequency(hz float64) {
	for _, l := range b.snapshot() {
		l.SetFrequency(hz)
	}
}

func (b *Broadcaster) snapshot() []WaveformListener {
	b.mu.RLock()
	defer b.mu.RUnlock()

	listeners := make([]WaveformListener, len(b.listeners))
	copy(listeners, b.listeners)
	return listeners
}
