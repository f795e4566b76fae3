package hbridge

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"github.com/cjeanneret/MotorGo/internal/debug"
	"github.com/cjeanneret/MotorGo/internal/hw/gpio"
	"github.com/cjeanneret/MotorGo/internal/logic/actuation"
)

// DefaultCycle is the PWM period in clock cycles; duty percents are scaled
// onto it.
const DefaultCycle = 4000

// Config holds the wiring of a dual-input H-bridge (L298N / TB6612 style).
type Config struct {
	In1Pin int    // direction input 1 (BCM)
	In2Pin int    // direction input 2 (BCM)
	PWMPin int    // enable input driven by hardware PWM (BCM)
	FreqHz int    // PWM clock frequency. 0 = driver default.
	Cycle  uint32 // PWM period in clock cycles. 0 = DefaultCycle.
}

// Bridge drives one DC motor through an H-bridge. It implements
// actuation.Sink.
type Bridge struct {
	gpio  gpio.Driver
	cfg   Config
	cycle uint32

	mu   sync.Mutex
	last actuation.Output
}

// New configures the bridge pins and leaves the motor coasting.
func New(g gpio.Driver, cfg Config) (*Bridge, error) {
	if cfg.In1Pin == cfg.In2Pin || cfg.In1Pin == cfg.PWMPin || cfg.In2Pin == cfg.PWMPin {
		return nil, fmt.Errorf("h-bridge pins must be distinct: in1=%d in2=%d pwm=%d", cfg.In1Pin, cfg.In2Pin, cfg.PWMPin)
	}

	cycle := cfg.Cycle
	if cycle == 0 {
		cycle = DefaultCycle
	}

	for _, p := range []int{cfg.In1Pin, cfg.In2Pin} {
		if err := g.SetupPin(p, gpio.Output); err != nil {
			return nil, fmt.Errorf("setup direction pin %d: %w", p, err)
		}
	}
	if err := g.SetupPin(cfg.PWMPin, gpio.PWM); err != nil {
		return nil, fmt.Errorf("setup pwm pin %d: %w", cfg.PWMPin, err)
	}
	if cfg.FreqHz > 0 {
		if err := g.SetFrequency(cfg.PWMPin, cfg.FreqHz); err != nil {
			return nil, fmt.Errorf("set pwm frequency: %w", err)
		}
	}

	b := &Bridge{gpio: g, cfg: cfg, cycle: cycle}
	if err := b.Coast(); err != nil {
		return nil, err
	}
	return b, nil
}

// SetOutput drives the motor in dir at dutyPercent (0-100).
func (b *Bridge) SetOutput(dir actuation.Direction, dutyPercent uint32) error {
	var in1, in2 gpio.Level
	switch dir {
	case actuation.Forward:
		in1, in2 = gpio.High, gpio.Low
	case actuation.Backward:
		in1, in2 = gpio.Low, gpio.High
	case actuation.Brake:
		return b.Brake()
	case actuation.Coast:
		return b.Coast()
	default:
		return fmt.Errorf("unknown direction %v", dir)
	}
	if dutyPercent > 100 {
		dutyPercent = 100
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.writeDirection(in1, in2); err != nil {
		return err
	}
	if err := b.gpio.WriteDuty(b.cfg.PWMPin, dutyPercent*b.cycle/100, b.cycle); err != nil {
		return fmt.Errorf("write duty: %w", err)
	}
	b.last = actuation.Output{Direction: dir, Duty: dutyPercent}
	return nil
}

// Brake shorts the motor: both inputs HIGH, duty 0.
func (b *Bridge) Brake() error {
	return b.stop(actuation.Brake, gpio.High)
}

// Coast lets the motor freewheel: both inputs LOW, duty 0.
func (b *Bridge) Coast() error {
	return b.stop(actuation.Coast, gpio.Low)
}

func (b *Bridge) stop(dir actuation.Direction, level gpio.Level) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	debug.Verbose("H-bridge: %s", dir)
	err := multierr.Combine(
		b.gpio.WriteDuty(b.cfg.PWMPin, 0, b.cycle),
		b.gpio.WritePin(b.cfg.In1Pin, level),
		b.gpio.WritePin(b.cfg.In2Pin, level),
	)
	if err != nil {
		return fmt.Errorf("h-bridge %s: %w", dir, err)
	}
	b.last = actuation.Output{Direction: dir}
	return nil
}

// writeDirection sets IN1 and IN2. Callers hold b.mu.
func (b *Bridge) writeDirection(in1, in2 gpio.Level) error {
	if err := b.gpio.WritePin(b.cfg.In1Pin, in1); err != nil {
		return fmt.Errorf("write in1: %w", err)
	}
	if err := b.gpio.WritePin(b.cfg.In2Pin, in2); err != nil {
		return fmt.Errorf("write in2: %w", err)
	}
	return nil
}

// Last returns the most recent output written to the bridge.
func (b *Bridge) Last() actuation.Output {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}
