// Package sim simulates a DC motor with a quadrature encoder on top of the
// mock GPIO driver, so the whole control path runs without hardware.
//
// The plant reads the H-bridge pins written by the control loop and writes
// the encoder channel levels the encoder poller reads back.
package sim

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cjeanneret/MotorGo/internal/debug"
	"github.com/cjeanneret/MotorGo/internal/hw/gpio"
)

// gray is the forward channel sequence as (A, B).
var gray = [4][2]gpio.Level{
	{gpio.Low, gpio.Low},
	{gpio.Low, gpio.High},
	{gpio.High, gpio.High},
	{gpio.High, gpio.Low},
}

// Config describes the simulated motor and its wiring.
type Config struct {
	In1Pin, In2Pin, PWMPin int
	APin, BPin             int

	MaxSpeed     float64       // ticks per second at 100% duty
	TimeConstant time.Duration // first-order response of the motor
	Step         time.Duration // integration step of Run
}

// Plant is a first-order motor model.
type Plant struct {
	drv *gpio.MockDriver
	cfg Config

	mu       sync.Mutex
	velocity float64 // ticks/s
	travel   float64 // fractional ticks not yet emitted
	ticks    int64   // signed ticks emitted since start
}

// New creates a plant resting in encoder phase 00.
func New(drv *gpio.MockDriver, cfg Config) (*Plant, error) {
	if cfg.MaxSpeed <= 0 {
		return nil, fmt.Errorf("sim max speed must be > 0, got %g", cfg.MaxSpeed)
	}
	if cfg.TimeConstant <= 0 {
		return nil, fmt.Errorf("sim time constant must be > 0, got %v", cfg.TimeConstant)
	}
	if cfg.Step <= 0 {
		cfg.Step = 200 * time.Microsecond
	}
	p := &Plant{drv: drv, cfg: cfg}
	if err := p.writePhase(); err != nil {
		return nil, err
	}
	return p, nil
}

// drive returns the commanded speed and the time constant to reach it.
func (p *Plant) drive() (speed float64, tau time.Duration) {
	in1 := p.drv.Level(p.cfg.In1Pin)
	in2 := p.drv.Level(p.cfg.In2Pin)
	duty, cycle := p.drv.Duty(p.cfg.PWMPin)

	frac := 0.0
	if cycle > 0 {
		frac = float64(duty) / float64(cycle)
	}

	switch {
	case in1 == gpio.High && in2 == gpio.Low:
		return frac * p.cfg.MaxSpeed, p.cfg.TimeConstant
	case in1 == gpio.Low && in2 == gpio.High:
		return -frac * p.cfg.MaxSpeed, p.cfg.TimeConstant
	case in1 == gpio.High && in2 == gpio.High:
		return 0, p.cfg.TimeConstant / 4 // shorted windings
	default:
		return 0, p.cfg.TimeConstant * 4 // friction only
	}
}

// Advance integrates the model over dt and emits the encoder edges.
// Each emitted tick is one phase step on the A/B pins.
func (p *Plant) Advance(dt time.Duration) error {
	if dt <= 0 {
		return nil
	}
	target, tau := p.drive()

	p.mu.Lock()
	defer p.mu.Unlock()

	alpha := 1 - math.Exp(-dt.Seconds()/tau.Seconds())
	p.velocity += (target - p.velocity) * alpha
	p.travel += p.velocity * dt.Seconds()

	for p.travel >= 1 {
		p.travel--
		p.ticks++
		if err := p.writePhase(); err != nil {
			return err
		}
	}
	for p.travel <= -1 {
		p.travel++
		p.ticks--
		if err := p.writePhase(); err != nil {
			return err
		}
	}
	return nil
}

func (p *Plant) writePhase() error {
	lv := gray[((p.ticks%4)+4)%4]
	if err := p.drv.WritePin(p.cfg.APin, lv[0]); err != nil {
		return err
	}
	return p.drv.WritePin(p.cfg.BPin, lv[1])
}

// Ticks returns the signed tick count emitted since start.
func (p *Plant) Ticks() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ticks
}

// Velocity returns the current speed in ticks per second.
func (p *Plant) Velocity() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.velocity
}

// Run advances the plant in real time until ctx is cancelled.
func (p *Plant) Run(ctx context.Context) error {
	debug.Info("Motor simulator: max speed %.0f ticks/s, tau %v", p.cfg.MaxSpeed, p.cfg.TimeConstant)

	ticker := time.NewTicker(p.cfg.Step)
	defer ticker.Stop()

	prev := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if err := p.Advance(now.Sub(prev)); err != nil {
				return fmt.Errorf("sim: %w", err)
			}
			prev = now
		}
	}
}
