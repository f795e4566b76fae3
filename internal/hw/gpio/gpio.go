package gpio

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/MotorGo/internal/debug"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

// PinMode indicates whether a GPIO is input, output or hardware PWM.
type PinMode int

const (
	Input PinMode = iota
	Output
	PWM
)

func (m PinMode) String() string {
	switch m {
	case Input:
		return "input"
	case Output:
		return "output"
	case PWM:
		return "pwm"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Driver defines the abstract interface for controlling GPIOs.
// This allows plugging in a real Raspberry Pi implementation
// or a mock for development on PC.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)

	// SetFrequency sets the PWM clock of a pin configured as PWM.
	SetFrequency(pin int, freqHz int) error
	// WriteDuty sets the active part of a PWM period: duty/cycle.
	WriteDuty(pin int, duty, cycle uint32) error

	// WatchEdges arms edge detection (both edges) on an input pin.
	WatchEdges(pin int) error
	// EdgeDetected reports whether an edge happened since the last call.
	EdgeDetected(pin int) (bool, error)

	Close() error
}

// NewDriver creates a GPIO driver based on the chosen mode.
// If mock is true, returns a MockDriver (for dev/test).
// If mock is false, returns a real RPiDriver (for Raspberry Pi).
func NewDriver(mock bool) (Driver, error) {
	if mock {
		debug.Info("Using MOCK GPIO driver (development mode)")
		return NewMockDriver(), nil
	}
	return NewRPiRealDriver()
}

// MockDriver is an in-memory implementation used for development on PC,
// for tests and as the wiring point of the motor simulator.
// Levels written to a pin are read back; an edge is reported on a watched
// pin whenever its level changed since the previous EdgeDetected call.
// Input pins idle HIGH, like the pulled-up inputs of the real driver.
// The zero value is ready to use.
type MockDriver struct {
	mu      sync.Mutex
	modes   map[int]PinMode
	levels  map[int]Level
	seen    map[int]Level // level at the last EdgeDetected call
	watched map[int]bool
	freq    map[int]int
	duty    map[int][2]uint32
	closed  bool
}

// NewMockDriver returns an empty MockDriver.
func NewMockDriver() *MockDriver {
	return &MockDriver{}
}

func (m *MockDriver) init() {
	if m.modes == nil {
		m.modes = make(map[int]PinMode)
		m.levels = make(map[int]Level)
		m.seen = make(map[int]Level)
		m.watched = make(map[int]bool)
		m.freq = make(map[int]int)
		m.duty = make(map[int][2]uint32)
	}
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.modes[pin] = mode
	if _, set := m.levels[pin]; mode == Input && !set {
		m.levels[pin] = High // pull-up
	}
	return nil
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.levels[pin] = level
	return nil
}

func (m *MockDriver) ReadPin(pin int) (Level, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	level := m.levels[pin]
	debug.GPIO("ReadPin", pin, level)
	return level, nil
}

func (m *MockDriver) SetFrequency(pin int, freqHz int) error {
	debug.GPIO("SetFrequency", pin, freqHz)
	if freqHz <= 0 {
		return fmt.Errorf("pwm frequency must be > 0, got %d", freqHz)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.freq[pin] = freqHz
	return nil
}

func (m *MockDriver) WriteDuty(pin int, duty, cycle uint32) error {
	debug.GPIO("WriteDuty", pin, fmt.Sprintf("%d/%d", duty, cycle))
	if cycle == 0 || duty > cycle {
		return fmt.Errorf("invalid duty %d/%d on pin %d", duty, cycle, pin)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.duty[pin] = [2]uint32{duty, cycle}
	return nil
}

func (m *MockDriver) WatchEdges(pin int) error {
	debug.GPIO("WatchEdges", pin, nil)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.watched[pin] = true
	m.seen[pin] = m.levels[pin]
	return nil
}

func (m *MockDriver) EdgeDetected(pin int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	if !m.watched[pin] {
		return false, fmt.Errorf("edge detection not armed on pin %d", pin)
	}
	cur := m.levels[pin]
	changed := cur != m.seen[pin]
	m.seen[pin] = cur
	return changed, nil
}

// Duty returns the last duty/cycle written to a PWM pin.
func (m *MockDriver) Duty(pin int) (duty, cycle uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	d := m.duty[pin]
	return d[0], d[1]
}

// Level returns the current level of a pin without tracing.
func (m *MockDriver) Level(pin int) Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	return m.levels[pin]
}

// Mode returns the mode a pin was configured with.
func (m *MockDriver) Mode(pin int) (PinMode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	mode, ok := m.modes[pin]
	return mode, ok
}

// Closed reports whether Close was called.
func (m *MockDriver) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockDriver) Close() error {
	debug.Trace("GPIO Close (mock)")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
