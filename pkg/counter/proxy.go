package counter

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	// DefaultBaudRate is the standard baud rate for the pulse counter MCU.
	DefaultBaudRate = 115200
	// responsePoll is the serial read timeout granularity while waiting for a
	// response line.
	responsePoll = 50 * time.Millisecond
)

var (
	// ErrNotConnected is returned when the peripheral is unreachable. Callers
	// degrade to skipping measurement rather than aborting the protocol.
	ErrNotConnected = errors.New("pulse counter not connected")
	// ErrAcquisitionTimeout is returned when the peripheral did not report a
	// count within the acquisition timeout.
	ErrAcquisitionTimeout = errors.New("pulse count acquisition timed out")
)

// Port represents a serial port.
type Port struct {
	Name        string
	Description string
}

// Ports returns a list of available serial ports.
func Ports() ([]Port, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	result := make([]Port, 0, len(ports))
	for _, name := range ports {
		result = append(result, Port{Name: name, Description: name})
	}
	return result, nil
}

// Proxy is a serial RPC client to the pulse counting peripheral.
//
// The wire protocol is line oriented: "O<pin>,<duty>" sets an analog output
// and answers "OK"; "C<pin>,<channel>,<duration_ms>" starts an acquisition
// and answers a single decimal pulse count line once the acquisition window
// has elapsed.
type Proxy struct {
	port     string
	baudRate int

	conn      serial.Port
	mu        sync.Mutex
	connected bool
}

// New creates a new Proxy for the given serial port. Connect must be called
// before issuing commands.
func New(port string, baudRate int) *Proxy {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	return &Proxy{
		port:     port,
		baudRate: baudRate,
	}
}

// Connect opens the serial port. Failure to open (e.g., no device present) is
// reported as an error; callers treat it as "not connected".
func (p *Proxy) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.connected {
		return fmt.Errorf("already connected")
	}

	mode := &serial.Mode{
		BaudRate: p.baudRate,
	}

	conn, err := serial.Open(p.port, mode)
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", p.port, err)
	}

	if err := conn.SetReadTimeout(responsePoll); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set read timeout on %s: %w", p.port, err)
	}

	p.conn = conn
	p.connected = true

	return nil
}

// Close closes the serial connection.
func (p *Proxy) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return nil
	}

	p.connected = false
	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		if err != nil {
			return fmt.Errorf("failed to close serial port: %w", err)
		}
	}

	return nil
}

// Connected returns whether the peripheral is currently connected.
func (p *Proxy) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// SetOutput sets the analog output duty cycle (0-MaxDuty) on a pin.
func (p *Proxy) SetOutput(pin, duty int) error {
	if duty < 0 || duty > MaxDuty {
		return fmt.Errorf("duty cycle %d out of range (0-%d)", duty, MaxDuty)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return ErrNotConnected
	}

	cmd := fmt.Sprintf("O%d,%d\n", pin, duty)
	if _, err := p.conn.Write([]byte(cmd)); err != nil {
		return fmt.Errorf("failed to send output command: %w", err)
	}

	line, err := p.readLine(time.Second)
	if err != nil {
		return fmt.Errorf("failed to read output response: %w", err)
	}
	if line != "OK" {
		return fmt.Errorf("unexpected output response %q", line)
	}

	return nil
}

// CountPulses requests a pulse count acquisition and blocks until the
// peripheral responds or the timeout elapses. Acquisitions are serialized;
// the duty-cycle and counting state is shared hardware.
func (p *Proxy) CountPulses(inputPin, channel int, duration, timeout time.Duration) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return 0, ErrNotConnected
	}

	cmd := fmt.Sprintf("C%d,%d,%d\n", inputPin, channel, duration.Milliseconds())
	if _, err := p.conn.Write([]byte(cmd)); err != nil {
		return 0, fmt.Errorf("failed to send count command: %w", err)
	}

	line, err := p.readLine(timeout)
	if err != nil {
		return 0, err
	}

	count, err := strconv.ParseUint(line, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid pulse count response %q: %w", line, err)
	}

	return count, nil
}

// readLine reads a single response line, bounded by the given deadline. The
// serial read timeout is shorter than the deadline so a stalled acquisition
// does not block past it. Callers must hold p.mu.
func (p *Proxy) readLine(deadline time.Duration) (string, error) {
	var buf []byte
	chunk := make([]byte, 64)
	end := time.Now().Add(deadline)

	for {
		n, err := p.conn.Read(chunk)
		if err != nil {
			return "", fmt.Errorf("failed to read from serial port: %w", err)
		}
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if i := bytes.IndexByte(buf, '\n'); i >= 0 {
				return strings.TrimSpace(string(buf[:i])), nil
			}
		}
		if time.Now().After(end) {
			return "", ErrAcquisitionTimeout
		}
	}
}
