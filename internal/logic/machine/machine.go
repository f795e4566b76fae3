package machine

import (
	"errors"

	"github.com/cjeanneret/MotorGo/internal/logic/actuation"
	"github.com/cjeanneret/MotorGo/internal/logic/control"
	"github.com/cjeanneret/MotorGo/internal/logic/motion"
	"github.com/cjeanneret/MotorGo/internal/logic/waypoint"
)

// Sensor is the read side of the position decoder.
type Sensor interface {
	Position() uint32
	Faults() uint32
}

// Machine groups the running control core behind the operations offered
// to operators (AT channel, shell, web). It only reads and writes through
// the tuner, the selector and the loop, never the regulator memory.
type Machine struct {
	sensor   Sensor
	shared   *control.Shared
	tuner    *control.Tuner
	selector *waypoint.Selector
	loop     *motion.Controller
}

// Status is a point-in-time view of the machine.
type Status struct {
	Position  uint32           `json:"position"`
	Faults    uint32           `json:"faults"`
	Target    uint32           `json:"target"`
	Waypoint  int              `json:"waypoint"`
	Waypoints []uint32         `json:"waypoints"`
	Gains     control.Gains    `json:"gains"`
	Integral  float64          `json:"integral"`
	Held      bool             `json:"held"`
	Last      motion.Telemetry `json:"last"`
}

// New groups the control core. All arguments are required.
func New(sensor Sensor, shared *control.Shared, tuner *control.Tuner, selector *waypoint.Selector, loop *motion.Controller) (*Machine, error) {
	if sensor == nil || shared == nil || tuner == nil || selector == nil || loop == nil {
		return nil, errors.New("machine needs sensor, shared state, tuner, selector and loop")
	}
	return &Machine{
		sensor:   sensor,
		shared:   shared,
		tuner:    tuner,
		selector: selector,
		loop:     loop,
	}, nil
}

// SetGains retunes the regulator.
func (m *Machine) SetGains(p, i, d float64) error {
	return m.tuner.SetGains(p, i, d)
}

// Gains returns the gains in use.
func (m *Machine) Gains() control.Gains {
	return m.tuner.Gains()
}

// ResetIntegrator zeroes the regulator memory and keeps the gains.
func (m *Machine) ResetIntegrator() {
	m.tuner.ResetIntegrator()
}

// Select moves to the next or previous waypoint.
func (m *Machine) Select(e waypoint.Event) (index int, position uint32) {
	return m.selector.OnEvent(e)
}

// Waypoint returns the selected waypoint.
func (m *Machine) Waypoint() (index int, position uint32) {
	return m.selector.Current()
}

// Position returns the measured position and the encoder fault count.
func (m *Machine) Position() (position, faults uint32) {
	return m.sensor.Position(), m.sensor.Faults()
}

// Hold stops regulation with a brake or coast state.
func (m *Machine) Hold(mode actuation.Direction) error {
	return m.loop.Hold(mode)
}

// Release resumes regulation.
func (m *Machine) Release() {
	m.loop.Release()
}

// Status returns a snapshot of the machine.
func (m *Machine) Status() Status {
	idx, _ := m.selector.Current()
	snap := m.shared.Snapshot()
	return Status{
		Position:  m.sensor.Position(),
		Faults:    m.sensor.Faults(),
		Target:    m.shared.Target(),
		Waypoint:  idx,
		Waypoints: m.selector.Table(),
		Gains:     snap.Gains,
		Integral:  snap.Integral,
		Held:      m.loop.Held(),
		Last:      m.loop.Last(),
	}
}
