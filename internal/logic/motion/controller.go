package motion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/MotorGo/internal/debug"
	"github.com/cjeanneret/MotorGo/internal/logic/actuation"
	"github.com/cjeanneret/MotorGo/internal/logic/control"
)

// PositionReader is the measured side of the loop (the quadrature decoder).
type PositionReader interface {
	Position() uint32
	Faults() uint32
}

// Telemetry describes one control cycle.
type Telemetry struct {
	Time     time.Time        `json:"time"`
	Target   uint32           `json:"target"`
	Position uint32           `json:"position"`
	Faults   uint32           `json:"faults"`
	Error    float64          `json:"error"`
	Command  float64          `json:"command"`
	Output   actuation.Output `json:"output"`
	Held     bool             `json:"held"`
}

// Config holds the loop timing and stop behavior.
type Config struct {
	Period   time.Duration
	StopMode actuation.Direction // Brake or Coast, applied when Run returns
}

// Controller runs the periodic control cycle: sample target and position,
// step the regulator, hand the command to the actuation mapper.
// It sits between the control logic and the motor hardware.
type Controller struct {
	shared *control.Shared
	sensor PositionReader
	reg    *control.Regulator
	mapper *actuation.Mapper
	cfg    Config

	// OnCycle, if set, receives every cycle's telemetry from the loop
	// goroutine. It must not block.
	OnCycle func(Telemetry)

	// mu serializes actuation between the loop and Hold/Release.
	mu   sync.Mutex
	held bool
	last Telemetry
}

// NewController wires a control loop.
func NewController(shared *control.Shared, sensor PositionReader, reg *control.Regulator, mapper *actuation.Mapper, cfg Config) (*Controller, error) {
	if shared == nil || sensor == nil || reg == nil || mapper == nil {
		return nil, errors.New("controller needs shared state, sensor, regulator and mapper")
	}
	if cfg.Period <= 0 {
		return nil, fmt.Errorf("control period must be > 0, got %v", cfg.Period)
	}
	if cfg.StopMode != actuation.Brake && cfg.StopMode != actuation.Coast {
		return nil, fmt.Errorf("stop mode must be brake or coast, got %v", cfg.StopMode)
	}
	return &Controller{
		shared: shared,
		sensor: sensor,
		reg:    reg,
		mapper: mapper,
		cfg:    cfg,
	}, nil
}

// Period returns the control period.
func (c *Controller) Period() time.Duration {
	return c.cfg.Period
}

// Cycle runs one control cycle with the elapsed time dt since the previous
// one. While the loop is held, only the telemetry is refreshed.
func (c *Controller) Cycle(dt time.Duration) (Telemetry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tel := Telemetry{
		Time:     time.Now(),
		Target:   c.shared.Target(),
		Position: c.sensor.Position(),
		Faults:   c.sensor.Faults(),
		Held:     c.held,
	}
	if c.held {
		tel.Output = c.last.Output
		c.last = tel
		return tel, nil
	}

	res, err := c.reg.Step(tel.Target, tel.Position, dt)
	if err != nil {
		return tel, err
	}
	tel.Error = res.Error
	tel.Command = res.Command

	out, err := c.mapper.Apply(res.Command)
	tel.Output = out
	c.last = tel
	if err != nil {
		return tel, err
	}

	debug.Cycle(tel.Target, tel.Position, tel.Command, out.Direction.String(), out.Duty)
	return tel, nil
}

// Run drives Cycle from a ticker until ctx is cancelled, then applies the
// configured stop state. Cycle errors are logged and the loop continues.
func (c *Controller) Run(ctx context.Context) error {
	debug.Info("Control loop: period=%v stop=%s", c.cfg.Period, c.cfg.StopMode)

	ticker := time.NewTicker(c.cfg.Period)
	defer ticker.Stop()

	prev := time.Now()
	for {
		select {
		case <-ctx.Done():
			debug.Info("Control loop stopped, applying %s", c.cfg.StopMode)
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.mapper.Stop(c.cfg.StopMode)
		case now := <-ticker.C:
			dt := now.Sub(prev)
			prev = now

			tel, err := c.Cycle(dt)
			if err != nil {
				debug.Error(err)
			}
			if c.OnCycle != nil {
				c.OnCycle(tel)
			}
		}
	}
}

// Hold suspends regulation and applies a stop state (Brake or Coast).
func (c *Controller) Hold(mode actuation.Direction) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.mapper.Stop(mode); err != nil {
		return err
	}
	c.held = true
	c.last.Held = true
	c.last.Output = actuation.Output{Direction: mode}
	debug.Info("Control loop held (%s)", mode)
	return nil
}

// Release resumes regulation from a clean integrator.
func (c *Controller) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.held {
		return
	}
	c.held = false
	c.last.Held = false
	c.shared.ResetIntegrator()
	debug.Info("Control loop released")
}

// Held reports whether regulation is suspended.
func (c *Controller) Held() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.held
}

// Last returns the telemetry of the most recent cycle.
func (c *Controller) Last() Telemetry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
